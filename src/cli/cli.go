// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to the upper-cased flag name when reading
// environment variables, e.g. "db-driver" -> "CASCACHE_DB_DRIVER".
const EnvPrefix = "CASCACHE_"

var (
	ErrHelp    = errors.New("cli: help requested")
	ErrVersion = errors.New("cli: version requested")
)

type variable struct {
	name        string
	cliFlagName string

	preHook func(string) (string, error)

	value        interface{}
	valueDefault string
	required     bool
	usage        string
}

type CLI struct {
	version string
	out     io.Writer
	getenv  func(string) string

	vars []variable
}

type FlagOptions struct {
	Required bool
	PreHook  func(string) (string, error)
}

func New(version string) *CLI {
	return &CLI{
		version: version,
		out:     os.Stdout,
		getenv:  os.Getenv,
	}
}

func (c *CLI) addVar(name string, value interface{}, defValue string, usage string, opts *FlagOptions) {
	if name == "" {
		panic("cli: add variable: variable name could not be empty")
	}
	if usage == "" {
		panic("cli: flag \"" + name + "\" has empty \"usage\" field")
	}
	if opts == nil {
		opts = &FlagOptions{}
	}

	c.vars = append(c.vars, variable{
		name:         name,
		cliFlagName:  "-" + name,
		preHook:      opts.PreHook,
		value:        value,
		valueDefault: defValue,
		required:     opts.Required,
		usage:        usage,
	})
}

func (c *CLI) AddStringVar(name, defValue string, usage string, opts *FlagOptions) *string {
	if opts != nil && opts.PreHook != nil {
		var err error
		defValue, err = opts.PreHook(defValue)
		if err != nil {
			panic("cli: add string variable \"" + name + "\": " + err.Error())
		}
	}

	val := &defValue
	c.addVar(name, val, defValue, usage, opts)
	return val
}

func (c *CLI) AddBoolVar(name string, usage string) *bool {
	val := new(bool)
	c.addVar(name, val, "", usage, nil)
	return val
}

func (c *CLI) AddIntVar(name string, defValue int, usage string, opts *FlagOptions) *int {
	val := &defValue
	c.addVar(name, val, strconv.Itoa(defValue), usage, opts)
	return val
}

func (c *CLI) AddDurationVar(name, defValue string, usage string, opts *FlagOptions) *time.Duration {
	valDuration, err := ParseDuration(defValue)
	if err != nil {
		panic("cli: add duration variable \"" + name + "\": " + err.Error())
	}

	val := &valDuration
	c.addVar(name, val, defValue, usage, opts)
	return val
}

func writeVar(val string, to interface{}, preHook func(string) (string, error)) error {
	if preHook != nil {
		var err error
		val, err = preHook(val)
		if err != nil {
			return err
		}
	}

	switch to := to.(type) {
	case *string:
		*to = val

	case *int:
		v, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*to = v

	case *bool:
		if val == "" {
			*to = true
			return nil
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*to = v

	case *time.Duration:
		v, err := ParseDuration(val)
		if err != nil {
			return err
		}
		*to = v

	default:
		panic("cli: write variable: unknown \"to\" argument type")
	}

	return nil
}

func (c *CLI) printHelp(program string) {
	var maxFlagSize int
	var reqFlags string

	for _, v := range c.vars {
		if len(v.cliFlagName) > maxFlagSize {
			maxFlagSize = len(v.cliFlagName)
		}
		if v.required {
			reqFlags += "[" + v.cliFlagName + "] "
		}
	}

	fmt.Fprintln(c.out, "Usage:", program, reqFlags+"[OPTION]...")
	fmt.Fprintln(c.out)

	for _, v := range c.vars {
		spaces := strings.Repeat(" ", maxFlagSize-len(v.cliFlagName)+2)

		var defaultStr string
		if v.valueDefault != "" {
			defaultStr = " (default: " + v.valueDefault + ")"
		}

		fmt.Fprintln(c.out, " ", v.cliFlagName, spaces, v.usage+defaultStr)
	}

	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "  -version   Display version and exit.")
	fmt.Fprintln(c.out, "  -help      Display this help and exit.")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Every flag can also be set as "+EnvPrefix+"<FLAG> in the environment.")
}

// normalizeFlag converts --flag to -flag
func normalizeFlag(arg string) string {
	if strings.HasPrefix(arg, "--") {
		return strings.TrimPrefix(arg, "-")
	}
	return arg
}

func envName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ParseArgs reads environment variables first, then args (flags win).
// It returns ErrHelp or ErrVersion after printing when asked to.
func (c *CLI) ParseArgs(program string, args []string) error {
	// Used to check if "required" flags are present.
	readVars := make(map[string]struct{})

	for i := range c.vars {
		v := &c.vars[i]
		envVal := c.getenv(envName(v.name))
		if envVal == "" {
			continue
		}
		if err := writeVar(envVal, v.value, v.preHook); err != nil {
			return fmt.Errorf("read environment variable %s: %w", envName(v.name), err)
		}
		readVars[v.name] = struct{}{}
	}

	alreadyRead := make(map[string]struct{})

	var varInProgress *variable
	for _, arg := range args {
		if varInProgress != nil {
			if err := writeVar(arg, varInProgress.value, varInProgress.preHook); err != nil {
				return fmt.Errorf("read %q flag: %w", varInProgress.cliFlagName, err)
			}
			varInProgress = nil
			continue
		}

		flagName, inline, hasInline := strings.Cut(normalizeFlag(arg), "=")

		switch flagName {
		case "-version":
			fmt.Fprintln(c.out, c.version)
			return ErrVersion
		case "-help", "-h":
			c.printHelp(program)
			return ErrHelp
		}

		if _, exist := alreadyRead[flagName]; exist {
			return fmt.Errorf("flag %q occurs twice", flagName)
		}

		v := c.lookup(flagName)
		if v == nil {
			return fmt.Errorf("unknown flag %q", arg)
		}
		alreadyRead[flagName] = struct{}{}
		readVars[v.name] = struct{}{}

		_, isBool := v.value.(*bool)
		switch {
		case hasInline:
			if err := writeVar(inline, v.value, v.preHook); err != nil {
				return fmt.Errorf("read %q flag: %w", flagName, err)
			}
		case isBool:
			*(v.value.(*bool)) = true
		default:
			varInProgress = v
		}
	}

	if varInProgress != nil {
		return fmt.Errorf("no value for %q flag", varInProgress.cliFlagName)
	}

	for _, v := range c.vars {
		if !v.required {
			continue
		}
		if _, ok := readVars[v.name]; !ok {
			return fmt.Errorf("%q flag is missing", v.cliFlagName)
		}
	}

	return nil
}

// Parse parses os.Args and exits on help, version or error.
func (c *CLI) Parse() {
	err := c.ParseArgs(os.Args[0], os.Args[1:])
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrHelp), errors.Is(err, ErrVersion):
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *CLI) lookup(flagName string) *variable {
	for i := range c.vars {
		if c.vars[i].cliFlagName == flagName {
			return &c.vars[i]
		}
	}
	return nil
}

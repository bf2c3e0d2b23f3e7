// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package display decides whether the inspector can run interactively.
package display

import (
	"os"

	"golang.org/x/term"
)

type Mode int

const (
	// ModePlain prints listings, for pipes, CI and dumb terminals
	ModePlain Mode = iota
	ModeTUI
)

func (m Mode) String() string {
	switch m {
	case ModeTUI:
		return "tui"
	default:
		return "plain"
	}
}

type Env struct {
	Mode       Mode
	IsTerminal bool
	IsSSH      bool
	Width      int
	Height     int
}

// Detect inspects stdin and stdout of the current process.
func Detect() Env {
	return detect(int(os.Stdin.Fd()), int(os.Stdout.Fd()), os.Getenv)
}

func detect(in, out int, getenv func(string) string) Env {
	env := Env{
		IsTerminal: term.IsTerminal(in) && term.IsTerminal(out),
		IsSSH:      getenv("SSH_CLIENT") != "" || getenv("SSH_TTY") != "",
	}
	if env.IsTerminal {
		if w, h, err := term.GetSize(out); err == nil {
			env.Width, env.Height = w, h
		}
	}
	env.Mode = mode(env, getenv)
	return env
}

func mode(env Env, getenv func(string) string) Mode {
	if !env.IsTerminal {
		return ModePlain
	}
	if getenv("TERM") == "dumb" || getenv("CI") != "" {
		return ModePlain
	}
	return ModeTUI
}

// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/casjay-forks/cascache/src/netshare"
)

type LogFormat struct {
	// Access log format: apache, nginx, text, json
	Access string
	// Error log format: text, json
	Error string
	// Server log format: text, json
	Server string
	// Debug log format: text, json
	Debug string
}

type LogLevel int

const (
	LogLevelInfo LogLevel = iota
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "info"
	}
}

type Logger struct {
	TimeFormat string
	Format     LogFormat
	Level      LogLevel

	// File writers - always write regardless of level
	serverFile io.Writer
	errorFile  io.Writer
	accessFile io.Writer
	debugFile  io.Writer

	// Console writers - filtered by level
	stdout io.Writer
	stderr io.Writer

	proxies   *netshare.Proxies
	debugMode bool
}

func New(timeFormat string) Logger {
	return Logger{
		TimeFormat: timeFormat,
		Level:      LogLevelInfo,
		Format: LogFormat{
			Access: "apache",
			Error:  "text",
			Server: "text",
			Debug:  "text",
		},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	l := New(time.RFC3339)
	l.SetWriter(io.Discard)
	return &l
}

func (l *Logger) SetFormat(format LogFormat) {
	l.Format = format
}

// SetLevel sets the minimum console level (info, warn, error)
func (l *Logger) SetLevel(level string) {
	switch level {
	case "warn":
		l.Level = LogLevelWarn
	case "error":
		l.Level = LogLevelError
	default:
		l.Level = LogLevelInfo
	}
}

// SetWriter sets both stdout and stderr to the same writer
func (l *Logger) SetWriter(w io.Writer) {
	l.stdout = w
	l.stderr = w
}

func (l *Logger) SetWriters(stdout, stderr io.Writer) {
	l.stdout = stdout
	l.stderr = stderr
}

func (l *Logger) SetFileWriters(server, errorLog io.Writer) {
	l.serverFile = server
	l.errorFile = errorLog
}

func (l *Logger) SetAccessLogWriter(w io.Writer) {
	l.accessFile = w
}

func (l *Logger) SetDebugWriter(w io.Writer) {
	l.debugFile = w
}

func (l *Logger) SetDebugMode(enabled bool) {
	l.debugMode = enabled
}

// SetProxies controls which peers may report the client address.
func (l *Logger) SetProxies(p *netshare.Proxies) {
	l.proxies = p
}

// Debug writes debug messages (only if debug mode is enabled)
func (l Logger) Debug(msg string) {
	if !l.debugMode {
		return
	}
	output := l.line(l.Format.Debug, "DEBUG", msg, nil)
	if l.debugFile != nil {
		fmt.Fprintln(l.debugFile, output)
		return
	}
	if l.stdout != nil {
		fmt.Fprintln(l.stdout, output)
	}
}

func (l Logger) Info(msg string) {
	output := l.line(l.Format.Server, "INFO", msg, nil)
	if l.serverFile != nil {
		fmt.Fprintln(l.serverFile, output)
	}
	if l.Level <= LogLevelInfo && l.stdout != nil {
		fmt.Fprintln(l.stdout, output)
	}
}

func (l Logger) Warn(msg string) {
	output := l.line(l.Format.Server, "WARN", msg, nil)
	if l.serverFile != nil {
		fmt.Fprintln(l.serverFile, output)
	}
	if l.Level <= LogLevelWarn && l.stdout != nil {
		fmt.Fprintln(l.stdout, output)
	}
}

func (l Logger) Error(e error) {
	output := l.line(l.Format.Error, "ERROR", e.Error(), map[string]interface{}{"trace": getTrace()})
	l.writeError(output)
}

// HttpRequest writes one access log line.
func (l Logger) HttpRequest(req *http.Request, code int, size int64, took time.Duration) {
	if l.accessFile == nil {
		return
	}

	clientIP := l.proxies.ClientAddr(req).String()
	path := req.URL.RequestURI()
	referer := orDash(req.Referer())
	userAgent := orDash(req.UserAgent())

	switch l.Format.Access {
	case "json":
		entry := map[string]interface{}{
			"time":        time.Now().Format(time.RFC3339),
			"client_ip":   clientIP,
			"method":      req.Method,
			"path":        path,
			"protocol":    req.Proto,
			"status":      code,
			"bytes":       size,
			"duration_ms": took.Milliseconds(),
			"referer":     referer,
			"user_agent":  userAgent,
			"request_id":  req.Header.Get("X-Request-ID"),
		}
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.accessFile, string(data))

	case "nginx":
		timestamp := time.Now().Format("02/Jan/2006:15:04:05 -0700")
		fmt.Fprintf(l.accessFile, "%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\"\n",
			clientIP, timestamp, req.Method, path, req.Proto, code, size, referer, userAgent)

	case "text":
		timestamp := time.Now().Format(l.TimeFormat)
		fmt.Fprintf(l.accessFile, "%s %s %s %s %d %s %s\n",
			timestamp, clientIP, req.Method, path, code, took.Round(time.Millisecond), userAgent)

	default:
		// Apache combined
		timestamp := time.Now().Format("02/Jan/2006:15:04:05 -0700")
		sizeField := "-"
		if size > 0 {
			sizeField = strconv.FormatInt(size, 10)
		}
		fmt.Fprintf(l.accessFile, "%s - - [%s] \"%s %s %s\" %d %s \"%s\" \"%s\"\n",
			clientIP, timestamp, req.Method, path, req.Proto, code, sizeField, referer, userAgent)
	}
}

func (l Logger) HttpError(req *http.Request, e error) {
	clientIP := l.proxies.ClientAddr(req).String()
	path := req.URL.RequestURI()

	var output string
	if l.Format.Error == "json" {
		output = l.line("json", "ERROR", e.Error(), map[string]interface{}{
			"client_ip":  clientIP,
			"method":     req.Method,
			"path":       path,
			"user_agent": req.UserAgent(),
			"request_id": req.Header.Get("X-Request-ID"),
			"trace":      getTrace(),
		})
	} else {
		output = fmt.Sprintf("%s [ERROR]   %s %s %s (User-Agent: %s) Error: %s%s",
			time.Now().Format(l.TimeFormat), clientIP, req.Method, path,
			req.UserAgent(), getTrace(), e.Error())
	}
	l.writeError(output)
}

func (l Logger) writeError(output string) {
	if l.errorFile != nil {
		fmt.Fprintln(l.errorFile, output)
	}
	// Errors always reach the console
	if l.stderr != nil {
		fmt.Fprintln(l.stderr, output)
	}
}

func (l Logger) line(format, level, msg string, extra map[string]interface{}) string {
	if format == "json" {
		entry := map[string]interface{}{
			"time":    time.Now().Format(time.RFC3339),
			"level":   level,
			"message": msg,
		}
		for k, v := range extra {
			entry[k] = v
		}
		data, _ := json.Marshal(entry)
		return string(data)
	}

	trace := ""
	if t, ok := extra["trace"].(string); ok {
		trace = t
	}
	return fmt.Sprintf("%s %-9s %s%s", time.Now().Format(l.TimeFormat), "["+level+"]", trace, msg)
}

func getTrace() string {
	trace := ""
	for i := 2; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			return trace
		}
		trace = trace + file + "#" + strconv.Itoa(line) + ": "
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

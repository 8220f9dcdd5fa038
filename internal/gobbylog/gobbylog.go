// Package gobbylog is a small structured-logging wrapper over the standard
// library's log.Logger. Subsystems take a *Logger constructor argument
// (constructor-injected, never reached for as a global
// composition root) instead of calling a package-level global, so tests
// can inject a discard logger and production wiring can tag every line
// with its owning component.
package gobbylog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger tags every line with a component name and level.
type Logger struct {
	component string
	out       *log.Logger
}

// New creates a Logger that writes to w, tagging every line with component.
func New(component string, w io.Writer) *Logger {
	return &Logger{
		component: component,
		out:       log.New(w, "", log.LstdFlags),
	}
}

// Default creates a Logger writing to os.Stderr — stdout is reserved for
// the MCP stdio transport.
func Default(component string) *Logger {
	return New(component, os.Stderr)
}

// Discard creates a Logger that drops everything, for tests.
func Discard(component string) *Logger {
	return New(component, io.Discard)
}

// With returns a child Logger scoped to a sub-component, e.g.
// log.With("engine").With("transitions").
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "." + sub, out: l.out}
}

func (l *Logger) log(level, format string, args ...any) {
	l.out.Printf("[%s] %s %s", level, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any)  { l.log("INFO", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log("WARN", format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log("ERROR", format, args...) }
func (l *Logger) Debug(format string, args ...any) { l.log("DEBUG", format, args...) }

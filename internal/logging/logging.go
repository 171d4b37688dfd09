// Package logging wraps the standard library logger with a per-subsystem
// prefix, matching the component-name-first log.Printf convention used
// throughout this codebase rather than introducing a structured logger.
package logging

import "log"

// Logger prefixes every message with a subsystem name, e.g. "coordinator: ".
type Logger struct {
	prefix string
}

// New returns a Logger for the named subsystem.
func New(component string) *Logger {
	return &Logger{prefix: component + ": "}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	log.Printf(l.prefix+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	log.Print(append([]interface{}{l.prefix}, args...)...)
}

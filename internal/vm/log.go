package vm

import (
	"log"
	"os"
)

// LogFunc is the logging shape PSVM uses everywhere instead of a logging
// framework, following MsgConn's *log.Logger fields in msg.go: one func
// per severity, set at construction, called directly with printf-style
// arguments.
type LogFunc func(format string, v ...interface{})

// LogFuncs bundles the five severities a background subsystem (arena
// collector, restore engine, telemetry) may need to report through.
type LogFuncs struct {
	Critical LogFunc
	Error    LogFunc
	Warning  LogFunc
	Info     LogFunc
	Debug    LogFunc
}

func fromLogger(prefix string) LogFunc {
	l := log.New(os.Stderr, prefix, log.LstdFlags)
	return func(format string, v ...interface{}) { l.Printf(format, v...) }
}

// DefaultLogFuncs returns a LogFuncs that prints critical/error/warning
// to stderr with a severity-tagged prefix and discards info/debug, the
// same "errors are loud by default, everything else is opt-in" posture
// MsgConn takes (it only ever constructs logError and logWarning loggers,
// nothing quieter).
func DefaultLogFuncs() LogFuncs {
	noop := func(string, ...interface{}) {}
	return LogFuncs{
		Critical: fromLogger("CRITICAL "),
		Error:    fromLogger("ERROR "),
		Warning:  fromLogger("WARNING "),
		Info:     noop,
		Debug:    noop,
	}
}

package observability

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with structured logging
//
// Usage in defer statements:
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "policy watcher")
//	    // ... code that might panic
//	}()
//
// After logging, the panic is NOT re-raised. Use it only at goroutine
// boundaries where the process must survive.
func RecoverPanic(logger *logrus.Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it, and then runs
// callback. The callback runs only when a panic occurred.
func RecoverPanicWithCallback(logger *logrus.Logger, where string, callback func(r interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

// MustRecover converts a recovered value to an error
//
//	func invoke() (err error) {
//	    defer func() {
//	        err = observability.MustRecover(recover())
//	    }()
//	    // ... plugin code that might panic
//	}
//
// Returns nil when r is nil.
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

func logPanic(logger *logrus.Logger, where string, r interface{}) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"panic":   r,
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}

package kernel

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// panicError is a recovered panic together with the stack of the panicking goroutine.
type panicError struct {
	scope string
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s: panic recovered: %v", e.scope, e.value)
}

// runSafely calls fn, tagging its error with scope and converting a panic into a *panicError.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &panicError{scope: scope, value: recovered, stack: debug.Stack()}
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

// panicStack returns the captured stack when err wraps a recovered panic.
func panicStack(err error) []byte {
	var recovered *panicError
	if errors.As(err, &recovered) {
		return recovered.stack
	}

	return nil
}

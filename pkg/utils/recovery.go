package utils

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

// RecoverFn is a function that handles a recovered panic
type RecoverFn func(r interface{}, stack []byte)

// SafeGo executes the given function in a goroutine with panic recovery
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if onPanic != nil {
					onPanic(r, stack)
					return
				}
				logPanic(context.Background(), "goroutine", r, stack)
			}
		}()
		fn()
	}()
}

// RecoverWithLog recovers a panic in the calling goroutine and logs it.
// Must be deferred directly.
func RecoverWithLog(ctx context.Context, operation string) {
	if r := recover(); r != nil {
		logPanic(ctx, operation, r, debug.Stack())
	}
}

// WrapWithContextRecovery wraps fn so that a panic is logged and returned as an error.
func WrapWithContextRecovery(operation string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ctx, operation, r, debug.Stack())
				err = fmt.Errorf("panic recovered in %s: %v", operation, r)
			}
		}()
		return fn(ctx)
	}
}

func logPanic(ctx context.Context, operation string, r interface{}, stack []byte) {
	if logger.Log == nil {
		fmt.Fprintf(os.Stderr, "[PANIC] Recovered from panic during %s: %v\n%s\n", operation, r, stack)
		return
	}
	logger.FromContext(ctx).Error("[panic] Recovered from panic",
		zap.String("operation", operation),
		zap.Any("panic", r),
		zap.ByteString("stack", stack),
	)
}

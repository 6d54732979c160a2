package async

import (
	"runtime/debug"
	"sync/atomic"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

var panicHook atomic.Pointer[func(name string)]

// SetPanicHook installs a callback invoked with the goroutine name after a
// recovered panic. Used to count panics in metrics.
func SetPanicHook(fn func(name string)) {
	if fn == nil {
		panicHook.Store(nil)
		return
	}
	panicHook.Store(&fn)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if hook := panicHook.Load(); hook != nil {
		(*hook)(name)
	}
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}

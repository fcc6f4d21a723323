package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(name string, fn func(), onPanic func(any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Panic recovered", "routine", name, "panic", r, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

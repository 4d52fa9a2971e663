// Package safego launches background goroutines that survive their own panics.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/getsentry/sentry-go"

	"github.com/trusted360/audit-engine/internal/telemetry"
)

// Go runs fn in a new goroutine. A panic in fn is recovered, logged with its
// stack, reported to Sentry and counted in background_panics_total under name.
func Go(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover is the deferred half of Go, for goroutines started elsewhere.
func Recover(name string) {
	r := recover()
	if r == nil {
		return
	}
	telemetry.BackgroundPanicsTotal.WithLabelValues(name).Inc()
	slog.Error("recovered panic in background goroutine",
		"goroutine", name, "panic", r, "stack", string(debug.Stack()))
	sentry.CurrentHub().Recover(r)
}

package safego

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trusted360/audit-engine/internal/telemetry"
)

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("test-runs", func() { close(done) })
	waitFor(t, done)
}

func TestGo_RecoversPanic(t *testing.T) {
	labels := prometheus.Labels{"goroutine": "test-panics"}
	before := telemetry.CounterValue(telemetry.BackgroundPanicsTotal, labels)

	done := make(chan struct{})
	Go("test-panics", func() {
		defer close(done)
		panic("intentional panic in test")
	})
	waitFor(t, done)

	// The counter is bumped by the deferred Recover, which runs after close(done).
	deadline := time.Now().Add(2 * time.Second)
	for telemetry.CounterValue(telemetry.BackgroundPanicsTotal, labels) != before+1 {
		if time.Now().After(deadline) {
			t.Fatalf("background_panics_total{goroutine=test-panics} = %v, want %v",
				telemetry.CounterValue(telemetry.BackgroundPanicsTotal, labels), before+1)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecover_NoPanicIsNoop(t *testing.T) {
	labels := prometheus.Labels{"goroutine": "test-noop"}
	before := telemetry.CounterValue(telemetry.BackgroundPanicsTotal, labels)

	func() {
		defer Recover("test-noop")
	}()

	if got := telemetry.CounterValue(telemetry.BackgroundPanicsTotal, labels); got != before {
		t.Errorf("counter moved without a panic: %v -> %v", before, got)
	}
}

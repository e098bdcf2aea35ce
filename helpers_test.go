package idlez

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// quietLogger discards everything.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTracer returns a tracer on the given clock with a sync collector attached.
func newTestTracer(t *testing.T, clock clockz.Clock) (*Tracer, *Collector) {
	t.Helper()

	tracer := New().WithClock(clock).WithLogger(quietLogger())
	collector := NewCollector("test", 16)
	collector.SetSyncMode(true)
	tracer.OnTransactionFinish(collector.Handle)

	t.Cleanup(func() {
		tracer.Close()
		collector.Close()
	})
	return tracer, collector
}

// advance moves the fake clock forward and delivers every timer that came due.
// Timer channels only receive once BlockUntilReady flushes them.
func advance(clock *clockz.FakeClock, d time.Duration) {
	clock.Advance(d)
	clock.BlockUntilReady()
}

// waitFor polls cond in real time. Timer goroutines run asynchronously after
// a fake clock advance, so assertions wait for their effects.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitForTransaction waits for exactly one delivered transaction and returns it.
func waitForTransaction(t *testing.T, collector *Collector) Transaction {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := collector.Wait(ctx, 1); err != nil {
		t.Fatalf("timed out waiting for finalized transaction: %v", err)
	}
	txns := collector.Export()
	if len(txns) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(txns))
	}
	return txns[0]
}

// waitForBeats waits until the heartbeat has run n times, which also means
// the next beat is registered on the clock.
func waitForBeats(t *testing.T, txn *IdleTransaction, n int) {
	t.Helper()
	waitFor(t, "heartbeat", func() bool { return txn.Heartbeats() >= n })
}

// settle gives stray timer goroutines a chance to run before asserting that
// nothing happened.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

func findSpan(spans []Span, id string) *Span {
	for i := range spans {
		if spans[i].SpanID == id {
			return &spans[i]
		}
	}
	return nil
}

package idlez

import (
	"log/slog"
	"time"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStallBeats        = 3
)

// heartbeat detects a frozen activity set.
// Guarded by the transaction lock.
type heartbeat struct {
	previous  string
	interval  time.Duration
	threshold int
	stale     int
	beats     int
}

func newHeartbeat(interval time.Duration, threshold int) *heartbeat {
	return &heartbeat{interval: interval, threshold: threshold}
}

// observe records one snapshot of the activity set and reports whether the
// stall threshold has been reached. An empty set is skipped entirely: the
// idle timer owns that path.
func (h *heartbeat) observe(set *activitySet) bool {
	if set.len() == 0 {
		return false
	}

	sig := set.signature()
	if sig == h.previous {
		h.stale++
	} else {
		h.stale = 0
	}
	h.previous = sig

	return h.stale >= h.threshold
}

// startHeartbeat registers the first beat and runs the monitor.
func (t *IdleTransaction) startHeartbeat() {
	next := t.clock.After(t.heartbeat.interval)
	go t.runHeartbeat(next)
}

// runHeartbeat waits for each beat and reschedules itself until the
// transaction is finalized.
func (t *IdleTransaction) runHeartbeat(next <-chan time.Time) {
	for {
		select {
		case <-t.done:
			return
		case <-next:
		}

		var ok bool
		if next, ok = t.beat(); !ok {
			return
		}
	}
}

// beat runs one heartbeat. Returns the channel for the next beat, or false
// once the transaction is finalized.
func (t *IdleTransaction) beat() (<-chan time.Time, bool) {
	now := t.clock.Now()

	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return nil, false
	}

	t.heartbeat.beats++
	stalled := t.heartbeat.observe(t.activities)
	t.logger.Debug("heartbeat",
		slog.Int("activities", t.activities.len()),
		slog.Int("stale_beats", t.heartbeat.stale))

	if stalled {
		t.logger.Warn("heartbeat failed, activities stopped changing",
			slog.Int("stale_beats", t.heartbeat.stale),
			slog.String("activities", t.heartbeat.previous))
		t.root.SetStatus(StatusDeadlineExceeded)
		t.root.SetTag(HeartbeatTag, HeartbeatFailed)
		txn, ok := t.finalizeLocked(now, FinishHeartbeat)
		t.mu.Unlock()

		if ok {
			t.tracer.deliver(txn)
		}
		return nil, false
	}

	next := t.clock.After(t.heartbeat.interval)
	t.mu.Unlock()
	return next, true
}

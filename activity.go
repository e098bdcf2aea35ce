package idlez

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// activitySet is the set of span IDs currently in flight.
// Not safe for concurrent use: guarded by the transaction lock.
type activitySet struct {
	ids map[string]struct{}
}

func newActivitySet() *activitySet {
	return &activitySet{ids: make(map[string]struct{})}
}

// push inserts id. Reports whether it was not already present.
func (s *activitySet) push(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// pop removes id. Reports whether it was present and whether the set is now empty.
func (s *activitySet) pop(id string) (removed, drained bool) {
	if _, ok := s.ids[id]; !ok {
		return false, false
	}
	delete(s.ids, id)
	return true, len(s.ids) == 0
}

func (s *activitySet) len() int {
	return len(s.ids)
}

// sorted returns the active IDs in ascending order.
func (s *activitySet) sorted() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// signature identifies the set by membership only.
// Map iteration order never leaks into it.
func (s *activitySet) signature() string {
	return strings.Join(s.sorted(), ",")
}

// pushActivityLocked marks a span as in flight. Caller holds t.mu.
func (t *IdleTransaction) pushActivityLocked(id string) {
	if t.finalized {
		return
	}
	if t.activities.push(id) {
		t.logger.Debug("activity pushed",
			slog.String("span_id", id),
			slog.Int("activities", t.activities.len()))
	}
}

// popActivity marks a span as no longer in flight. When the last activity
// drains, a finalize is scheduled after the idle timeout. The scheduled
// finalize is not withdrawn if new activities start in the meantime.
func (t *IdleTransaction) popActivity(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return
	}
	removed, drained := t.activities.pop(id)
	if !removed {
		return
	}
	t.logger.Debug("activity popped",
		slog.String("span_id", id),
		slog.Int("activities", t.activities.len()))
	if drained {
		t.scheduleFinalizeLocked(t.opts.IdleTimeout)
	}
}

// scheduleFinalizeLocked arms a deferred idle finalize carrying now+after as
// the end timestamp. Caller holds t.mu.
func (t *IdleTransaction) scheduleFinalizeLocked(after time.Duration) {
	end := t.clock.Now().Add(after)
	t.logger.Debug("idle finalize scheduled",
		slog.Duration("after", after),
		slog.Time("end", end))

	if after <= 0 {
		go t.finalize(end, FinishIdle)
		return
	}

	// Register the timer before returning so a fake clock advanced right
	// after this call still fires it.
	fire := t.clock.After(after)
	go func() {
		select {
		case <-fire:
			t.finalize(end, FinishIdle)
		case <-t.done:
		}
	}()
}

// armInitialWindow releases the transaction's own activity once the first
// idle timeout elapses. A transaction that never saw a child, or whose
// children have all finished by then, finalizes at creation+IdleTimeout.
func (t *IdleTransaction) armInitialWindow() {
	end := t.root.StartTime().Add(t.opts.IdleTimeout)
	if t.opts.IdleTimeout <= 0 {
		go t.releaseInitial(end)
		return
	}

	fire := t.clock.After(t.opts.IdleTimeout)
	go func() {
		select {
		case <-fire:
			t.releaseInitial(end)
		case <-t.done:
		}
	}()
}

func (t *IdleTransaction) releaseInitial(end time.Time) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.activities.pop(t.root.SpanID())
	if t.activities.len() > 0 {
		t.logger.Debug("initial idle window elapsed with activities in flight",
			slog.Int("activities", t.activities.len()))
		t.mu.Unlock()
		return
	}
	txn, ok := t.finalizeLocked(end, FinishIdle)
	t.mu.Unlock()

	if ok {
		t.tracer.deliver(txn)
	}
}

package idlez

import (
	"time"
)

// spanRecorder holds the spans of one idle transaction in insertion order.
// The transaction's own span is always the first entry and is never evicted.
//
// Not safe for concurrent use: every method runs with the transaction lock held.
type spanRecorder struct {
	// pushActivity is called with the transaction lock held.
	pushActivity func(id string)
	// popActivity is called from a span's Finish without any lock held.
	popActivity func(id string)
	rootID      string
	spans       []*ActiveSpan
	maxChildren int
	evicted     int
}

func newSpanRecorder(rootID string, maxChildren int, push, pop func(id string)) *spanRecorder {
	return &spanRecorder{
		rootID:       rootID,
		maxChildren:  maxChildren,
		pushActivity: push,
		popActivity:  pop,
		spans:        make([]*ActiveSpan, 0, 8),
	}
}

// add records a span and hooks it into activity tracking.
// The transaction's own span registers itself as an activity. Child spans
// get an on-finish callback that pops their activity, and are pushed while
// they are still open.
func (r *spanRecorder) add(span *ActiveSpan) {
	id := span.SpanID()
	if id == r.rootID {
		r.pushActivity(id)
		r.spans = append(r.spans, span)
		return
	}

	span.setOnFinish(func(s *ActiveSpan) {
		r.popActivity(s.SpanID())
	})
	if !span.IsFinished() {
		r.pushActivity(id)
	}

	if r.maxChildren > 0 && len(r.spans)-1 >= r.maxChildren {
		// Drop the oldest child. Its callback stays registered so its
		// activity still pops when it finishes.
		copy(r.spans[1:], r.spans[2:])
		r.spans[len(r.spans)-1] = nil
		r.spans = r.spans[:len(r.spans)-1]
		r.evicted++
	}
	r.spans = append(r.spans, span)
}

// children returns the number of recorded child spans.
func (r *spanRecorder) children() int {
	return len(r.spans) - 1
}

// trimmedEnd returns the latest end time among children that finished no
// later than proposed. Returns proposed when there is none.
func (r *spanRecorder) trimmedEnd(proposed time.Time) time.Time {
	var latest time.Time
	for _, span := range r.spans[1:] {
		end := span.EndTime()
		if end.IsZero() || end.After(proposed) {
			continue
		}
		if end.After(latest) {
			latest = end
		}
	}
	if latest.IsZero() {
		return proposed
	}
	return latest
}

// reconcile fixes the recorded spans against the end boundary.
// Open children are cancelled at end. Children that started at or after end
// are removed. The transaction's own entry is always kept.
func (r *spanRecorder) reconcile(end time.Time) (cancelled, discarded int) {
	kept := r.spans[:1]
	for _, span := range r.spans[1:] {
		wasOpen := span.cancelAt(end)
		if !span.StartTime().Before(end) {
			discarded++
			continue
		}
		if wasOpen {
			cancelled++
		}
		kept = append(kept, span)
	}
	for i := len(kept); i < len(r.spans); i++ {
		r.spans[i] = nil
	}
	r.spans = kept
	return cancelled, discarded
}

// snapshot copies the recorded children.
func (r *spanRecorder) snapshot() []Span {
	if len(r.spans) <= 1 {
		return nil
	}
	out := make([]Span, 0, len(r.spans)-1)
	for _, span := range r.spans[1:] {
		out = append(out, span.Snapshot())
	}
	return out
}

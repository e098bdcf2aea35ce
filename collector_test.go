package idlez

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testTransaction(name string) Transaction {
	return Transaction{
		Name:   name,
		Reason: FinishIdle,
		Span:   Span{SpanID: "root", TraceID: "trace", Op: "pageload"},
		Spans: []Span{
			{SpanID: "child", TraceID: "trace", ParentID: "root", Op: "http.client"},
		},
	}
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector("test-collector", 100)
	defer collector.Close()

	if collector.Name() != "test-collector" {
		t.Errorf("Expected name 'test-collector', got %s", collector.Name())
	}
	if collector.Count() != 0 {
		t.Errorf("Expected 0 transactions initially, got %d", collector.Count())
	}
	if collector.DroppedCount() != 0 {
		t.Errorf("Expected 0 dropped transactions initially, got %d", collector.DroppedCount())
	}
}

func TestCollectorBasicCollection(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true) // Enable sync for deterministic testing.
	defer collector.Close()

	collector.Handle(testTransaction("/home"))

	if collector.Count() != 1 {
		t.Errorf("Expected 1 transaction, got %d", collector.Count())
	}

	txns := collector.Export()
	if len(txns) != 1 {
		t.Fatalf("Expected 1 exported transaction, got %d", len(txns))
	}
	if txns[0].Name != "/home" {
		t.Errorf("Expected name '/home', got %s", txns[0].Name)
	}
	if len(txns[0].Spans) != 1 {
		t.Errorf("Expected 1 child span, got %d", len(txns[0].Spans))
	}

	// After export, collector should be empty.
	if collector.Count() != 0 {
		t.Errorf("Expected 0 transactions after export, got %d", collector.Count())
	}
}

func TestCollectorNilTransaction(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	collector.Collect(nil)

	if collector.DroppedCount() != 1 {
		t.Errorf("Expected nil transaction to count as dropped, got %d", collector.DroppedCount())
	}
}

func TestCollectorBackpressure(t *testing.T) {
	// Small buffer to trigger backpressure quickly.
	collector := NewCollector("test", 2)
	defer collector.Close()

	for i := 0; i < 100; i++ {
		collector.Handle(testTransaction("/burst"))
	}

	// Give time for async processing and dropping.
	time.Sleep(50 * time.Millisecond)

	if collector.DroppedCount() == 0 {
		t.Error("Expected some transactions to be dropped due to backpressure")
	}
	if total := int64(collector.Count()) + collector.DroppedCount(); total != 100 {
		t.Errorf("Expected 100 transactions collected or dropped, got %d", total)
	}
}

func TestCollectorSummaryByReason(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	idle := testTransaction("/idle")
	idle.Span.Duration = 300 * time.Millisecond

	stalled := testTransaction("/stalled")
	stalled.Reason = FinishHeartbeat
	stalled.Span.Status = StatusDeadlineExceeded
	stalled.Span.Duration = 20 * time.Second
	stalled.Cancelled = 1

	manual := testTransaction("/manual")
	manual.Reason = FinishManual
	manual.Span.Duration = 100 * time.Millisecond
	manual.Discarded = 2
	manual.Evicted = 3

	for _, txn := range []Transaction{idle, stalled, manual} {
		collector.Handle(txn)
	}
	// Exporting empties the buffer but not the totals.
	collector.Export()

	summary := collector.Summary()
	if summary.Transactions != 3 {
		t.Errorf("Expected 3 transactions, got %d", summary.Transactions)
	}
	for reason, want := range map[FinishReason]int{FinishIdle: 1, FinishHeartbeat: 1, FinishManual: 1} {
		if summary.ByReason[reason] != want {
			t.Errorf("Expected %d %s transactions, got %d", want, reason, summary.ByReason[reason])
		}
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failed transaction, got %d", summary.Failed)
	}
	if summary.Spans != 3 || summary.Cancelled != 1 || summary.Discarded != 2 || summary.Evicted != 3 {
		t.Errorf("Unexpected span totals %+v", summary)
	}
	if summary.MinDuration != 100*time.Millisecond || summary.MaxDuration != 20*time.Second {
		t.Errorf("Expected durations 100ms..20s, got %v..%v", summary.MinDuration, summary.MaxDuration)
	}
	if summary.MeanDuration() != 6800*time.Millisecond {
		t.Errorf("Expected mean 6.8s, got %v", summary.MeanDuration())
	}

	// The returned summary is a copy.
	summary.ByReason[FinishIdle] = 99
	if collector.Summary().ByReason[FinishIdle] != 1 {
		t.Error("Expected summary to be detached from the collector")
	}
}

func TestEmptySummary(t *testing.T) {
	var summary Summary
	if summary.MeanDuration() != 0 {
		t.Errorf("Expected zero mean, got %v", summary.MeanDuration())
	}
}

func TestCollectorExportReason(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i, reason := range []FinishReason{FinishIdle, FinishHeartbeat, FinishIdle, FinishManual, FinishHeartbeat} {
		txn := testTransaction("/reason")
		txn.Reason = reason
		txn.Span.SpanID = string(rune('a' + i))
		collector.Handle(txn)
	}

	stalled := collector.ExportReason(FinishHeartbeat)
	if len(stalled) != 2 || stalled[0].Span.SpanID != "b" || stalled[1].Span.SpanID != "e" {
		t.Fatalf("Expected heartbeat transactions b and e, got %+v", stalled)
	}
	if collector.Count() != 3 {
		t.Errorf("Expected 3 transactions left, got %d", collector.Count())
	}
	if got := collector.ExportReason(FinishHeartbeat); len(got) != 0 {
		t.Errorf("Expected nothing left for heartbeat, got %d", len(got))
	}

	rest := collector.Export()
	var order string
	for _, txn := range rest {
		order += txn.Span.SpanID
	}
	if order != "acd" {
		t.Errorf("Expected remaining order acd, got %s", order)
	}
	if collector.Summary().Transactions != 5 {
		t.Errorf("Expected summary to keep all 5 transactions, got %d", collector.Summary().Transactions)
	}
}

func TestCollectorWait(t *testing.T) {
	collector := NewCollector("test", 10)
	defer collector.Close()

	go func() {
		for i := 0; i < 3; i++ {
			collector.Handle(testTransaction("/wait"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := collector.Wait(ctx, 3); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := len(collector.Export()); got != 3 {
		t.Errorf("Expected 3 transactions, got %d", got)
	}

	// Already satisfied, even after export.
	if err := collector.Wait(context.Background(), 3); err != nil {
		t.Errorf("Expected satisfied wait, got %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if err := collector.Wait(short, 4); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestCollectorWaitManyWaiters(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- collector.Wait(ctx, 1)
		}()
	}

	collector.Handle(testTransaction("/broadcast"))
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Expected every waiter to wake, got %v", err)
		}
	}
}

func TestCollectorExportCopy(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	original := testTransaction("/original")
	original.Span.Tags = map[Tag]string{"key": "value"}

	collector.Collect(&original)
	exported := collector.Export()
	if len(exported) != 1 {
		t.Fatalf("Expected 1 exported transaction, got %d", len(exported))
	}

	// Modifying the export must not reach the original.
	exported[0].Span.Tags["key"] = "modified"
	exported[0].Spans[0].SpanID = "modified"

	if original.Span.Tags["key"] != "value" {
		t.Errorf("Expected original tag 'value', got %s", original.Span.Tags["key"])
	}
	if original.Spans[0].SpanID != "child" {
		t.Errorf("Expected original child 'child', got %s", original.Spans[0].SpanID)
	}
}

func TestCollectorShutdown(t *testing.T) {
	collector := NewCollector("test", 10)
	collector.SetSyncMode(true)

	for i := 0; i < 3; i++ {
		collector.Handle(testTransaction("/shutdown"))
	}

	collector.Close()
	collector.Close() // Idempotent.

	// Should still be able to export what was collected.
	if txns := collector.Export(); len(txns) != 3 {
		t.Errorf("Expected 3 transactions after shutdown, got %d", len(txns))
	}

	collector.Handle(testTransaction("/late"))
	if collector.Count() != 0 {
		t.Errorf("Expected closed collector to drop, got %d buffered", collector.Count())
	}
	if collector.DroppedCount() != 1 {
		t.Errorf("Expected 1 dropped transaction, got %d", collector.DroppedCount())
	}
}

func TestCollectorConcurrentCollection(t *testing.T) {
	collector := NewCollector("test", 100)
	defer collector.Close()

	var wg sync.WaitGroup
	numGoroutines := 50
	txnsPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < txnsPerGoroutine; j++ {
				collector.Handle(testTransaction("/concurrent"))
			}
		}()
	}
	wg.Wait()

	// Give time for all transactions to be processed by async goroutine.
	time.Sleep(100 * time.Millisecond)

	expectedTotal := numGoroutines * txnsPerGoroutine
	actualCount := collector.Count()
	droppedCount := collector.DroppedCount()
	if int(droppedCount)+actualCount != expectedTotal {
		t.Errorf("Expected %d total transactions (collected + dropped), got %d (collected: %d, dropped: %d)",
			expectedTotal, int(droppedCount)+actualCount, actualCount, droppedCount)
	}
}

func TestCollectorConcurrentExport(t *testing.T) {
	collector := NewCollector("test", 100)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i := 0; i < 20; i++ {
		collector.Handle(testTransaction("/export"))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var totalExported, nonEmptyExports int

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := collector.Export()

			mu.Lock()
			totalExported += len(result)
			if len(result) > 0 {
				nonEmptyExports++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Only one export gets the transactions.
	if nonEmptyExports != 1 {
		t.Errorf("Expected exactly 1 non-empty export, got %d", nonEmptyExports)
	}
	if totalExported != 20 {
		t.Errorf("Expected 20 total exported transactions, got %d", totalExported)
	}
}

func TestSetSyncMode(t *testing.T) {
	collector := NewCollector("test", 10)
	defer collector.Close()

	// Async mode is the default.
	collector.Handle(testTransaction("/async"))
	time.Sleep(10 * time.Millisecond)
	if collector.Count() != 1 {
		t.Errorf("Expected 1 transaction in async mode, got %d", collector.Count())
	}
	collector.Export()

	collector.SetSyncMode(true)
	collector.Handle(testTransaction("/sync"))

	// Should be immediately available.
	txns := collector.Export()
	if len(txns) != 1 || txns[0].Name != "/sync" {
		t.Errorf("Expected immediate '/sync' transaction, got %+v", txns)
	}
}

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/idlez"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Advance moves the fake clock and flushes the timers that came due.
func Advance(clock *clockz.FakeClock, d time.Duration) {
	clock.Advance(d)
	clock.BlockUntilReady()
}

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []idlez.Transaction
	*idlez.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a collector for testing.
func NewMockCollector(t *testing.T, name string, bufferSize int) *MockCollector {
	collector := idlez.NewCollector(name, bufferSize)
	collector.SetSyncMode(true) // Enable synchronous collection for testing.
	t.Cleanup(collector.Close)
	return &MockCollector{
		Collector: collector,
		t:         t,
	}
}

// Export returns collected transactions and clears the buffer.
func (m *MockCollector) Export() []idlez.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	txns := m.Collector.Export()
	m.exported = append(m.exported, txns...)
	return txns
}

// All returns every transaction exported so far without clearing.
func (m *MockCollector) All() []idlez.Transaction {
	m.Export()

	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]idlez.Transaction, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForTransactions blocks in real time until expected transactions arrive.
// Timer goroutines react to fake clock advances asynchronously.
func (m *MockCollector) WaitForTransactions(expected int, timeout time.Duration) []idlez.Transaction {
	m.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.Wait(ctx, expected); err != nil {
		m.t.Fatalf("Timeout waiting for transactions: expected %d, got %d", expected, m.Summary().Transactions)
	}
	return m.All()
}

// SpanTree represents a hierarchical view of a transaction.
type SpanTree struct {
	Span     idlez.Span
	Children []*SpanTree
}

// BuildSpanTree builds the tree rooted at the transaction span.
// Children whose parent was evicted hang off the root.
func BuildSpanTree(txn idlez.Transaction) *SpanTree {
	root := &SpanTree{Span: txn.Span}
	nodes := map[string]*SpanTree{txn.Span.SpanID: root}

	for i := range txn.Spans {
		nodes[txn.Spans[i].SpanID] = &SpanTree{Span: txn.Spans[i]}
	}
	for i := range txn.Spans {
		node := nodes[txn.Spans[i].SpanID]
		parent, ok := nodes[txn.Spans[i].ParentID]
		if !ok {
			parent = root
		}
		parent.Children = append(parent.Children, node)
	}

	return root
}

// PrintSpanTree formats a span tree for debugging.
func PrintSpanTree(tree *SpanTree) string {
	var sb strings.Builder
	printTreeNode(&sb, tree, 0)
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	status := ""
	if node.Span.Status != idlez.StatusUnset {
		status = " [" + string(node.Span.Status) + "]"
	}
	fmt.Fprintf(sb, "%s%s (%.2fms)%s\n",
		strings.Repeat("  ", depth), node.Span.Op, node.Span.Duration.Seconds()*1000, status)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// FindOp returns the first span in the transaction with the given op.
func FindOp(txn idlez.Transaction, op string) *idlez.Span {
	if txn.Span.Op == op {
		return &txn.Span
	}
	for i := range txn.Spans {
		if txn.Spans[i].Op == op {
			return &txn.Spans[i]
		}
	}
	return nil
}

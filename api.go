// Package idlez provides idle transactions: root spans that infer their own
// end boundary.
//
// An idle transaction tracks which of its child spans are still in flight
// (activities). Once every activity has drained it waits for a quiet period
// and finishes itself. A heartbeat watches the activity set in the background
// and force-finishes a transaction whose in-flight children stop changing.
//
// Core Components:.
//   - Tracer: Owns the clock, ID generation, logging and finish handlers.
//   - IdleTransaction: The root span with activity tracking and heartbeat.
//   - ActiveSpan: Thread-safe wrapper for ongoing spans.
//   - Collector: Buffers finished transactions and summarizes them by finish reason.
//   - ZipkinExporter: Reports finished transactions through zipkin-go.
//
// Basic Usage:.
//
//	tracer := idlez.New()
//	defer tracer.Close()
//
//	tracer.OnTransactionFinish(func(txn idlez.Transaction) {
//		// Serialize and deliver.
//	})
//
//	ctx, txn, err := tracer.StartIdleTransaction(ctx, "/checkout", "pageload", idlez.TransactionOptions{
//		IdleTimeout: time.Second,
//	})
//	if err != nil {
//		return err
//	}
//
//	_, span := txn.StartChild(ctx, "http.client", idlez.WithDescription("GET /cart"))
//	defer span.Finish()
//
// Finalization:.
//
// A transaction is finalized exactly once, by whichever of the idle timer,
// the heartbeat or a manual Finish call gets there first. At that point
// children that are still open are cancelled at the end boundary and children
// that started at or after the boundary are discarded. Registered handlers see
// the finished Transaction once.
//
// Thread Safety:.
//
// Tracer, IdleTransaction and ActiveSpan are safe for concurrent use.
// Transaction and Span values handed to handlers are copies.
package idlez

// Key represents a span operation name.
type Key = string

// Tag represents a span tag key.
type Tag = string

// Tags set by the engine on finalized transactions.
const (
	// HeartbeatTag marks a transaction force-finished by the heartbeat.
	HeartbeatTag Tag = "heartbeat"
	// HeartbeatFailed is the HeartbeatTag value for a stalled transaction.
	HeartbeatFailed = "failed"
	// IdleTimeoutTag records the idle timeout the transaction ran with.
	IdleTimeoutTag Tag = "idle_timeout"
	// FinishReasonTag records which path finalized the transaction.
	FinishReasonTag Tag = "finish_reason"
)

// FinishReason names the path that finalized a transaction.
type FinishReason string

// Finish reasons.
const (
	FinishIdle      FinishReason = "idle"
	FinishHeartbeat FinishReason = "heartbeat"
	FinishManual    FinishReason = "manual"
)

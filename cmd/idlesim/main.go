// Command idlesim runs simulated idle transactions and reports how they were
// finalized.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	zipkinhttp "github.com/openzipkin/zipkin-go/reporter/http"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zoobzio/idlez"
)

var (
	configPath    string
	runs          int
	children      int
	childDuration time.Duration
	childStagger  time.Duration
	stall         bool
	idleTimeout   time.Duration
	outputFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "idlesim",
	Short: "Run a simulated idle transaction",
	Long: `Starts idle transactions, runs a number of child spans on each and
waits for them to finalize on their own. Prints every finished transaction
followed by a summary per finish reason.

Examples:
  # Three children of 200ms each, default idle timeout
  idlesim --children 3 --child-duration 200ms

  # Leave one child open forever so the heartbeat force-finishes
  idlesim --stall

  # Five transactions side by side
  idlesim --runs 5

  # Report to zipkin as configured in the file
  idlesim --config idlez.yaml --format json`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cmd.OutOrStdout(), cmd.Flags().Changed("idle-timeout"))
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.Flags().IntVarP(&runs, "runs", "r", 1, "number of transactions to run")
	rootCmd.Flags().IntVarP(&children, "children", "n", 3, "number of child spans")
	rootCmd.Flags().DurationVar(&childDuration, "child-duration", 200*time.Millisecond, "duration of each child span")
	rootCmd.Flags().DurationVar(&childStagger, "child-stagger", 50*time.Millisecond, "delay between child span starts")
	rootCmd.Flags().BoolVar(&stall, "stall", false, "leave one child open so the heartbeat fires")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", idlez.DefaultIdleTimeout, "idle timeout (overrides config)")
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "output format: text, json")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, overrideIdle bool) error {
	if runs < 1 {
		return errors.Errorf("runs must be at least 1, got %d", runs)
	}

	cfg := idlez.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = idlez.LoadConfig(configPath); err != nil {
			return err
		}
	}
	opts := cfg.TransactionOptions()
	if overrideIdle {
		opts.IdleTimeout = idleTimeout
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	tracer := idlez.New().WithLogger(logger)
	defer tracer.Close()

	if cfg.Zipkin.Endpoint != "" {
		exporter, err := idlez.NewZipkinExporter(
			zipkinhttp.NewReporter(cfg.Zipkin.Endpoint),
			cfg.Zipkin.ServiceName, cfg.Zipkin.HostPort, logger)
		if err != nil {
			return err
		}
		defer func() { _ = exporter.Close() }()
		tracer.OnTransactionFinish(exporter.Handle)
	}

	collector := idlez.NewCollector("idlesim", runs)
	collector.SetSyncMode(true)
	defer collector.Close()
	tracer.OnTransactionFinish(collector.Handle)

	var wg sync.WaitGroup
	txns := make([]*idlez.IdleTransaction, 0, runs)
	for r := 0; r < runs; r++ {
		txnCtx, txn, err := tracer.StartIdleTransaction(ctx, "idlesim", "simulation", opts)
		if err != nil {
			return err
		}
		txns = append(txns, txn)
		startChildren(txnCtx, txn, &wg)
	}

	if err := collector.Wait(ctx, runs); err != nil {
		logger.Warn("interrupted, finishing open transactions", slog.Any("error", err))
		for _, txn := range txns {
			txn.Finish()
		}
		if err := collector.Wait(context.Background(), runs); err != nil {
			return err
		}
	}
	wg.Wait()

	return printReport(out, collector.Export(), collector.Summary())
}

func startChildren(ctx context.Context, txn *idlez.IdleTransaction, wg *sync.WaitGroup) {
	for i := 0; i < children; i++ {
		_, span := txn.StartChild(ctx, "sim.child", idlez.WithDescription(fmt.Sprintf("child-%d", i)))
		if stall && i == 0 {
			// Never finished: the heartbeat has to end the transaction.
			continue
		}
		wg.Add(1)
		go func(span *idlez.ActiveSpan) {
			defer wg.Done()
			select {
			case <-time.After(childDuration):
				span.SetStatus(idlez.StatusOK)
				span.Finish()
			case <-txn.Done():
			}
		}(span)
		time.Sleep(childStagger)
	}
}

type report struct {
	Transactions []idlez.Transaction `json:"transactions"`
	Summary      idlez.Summary       `json:"summary"`
}

func printReport(out io.Writer, txns []idlez.Transaction, summary idlez.Summary) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report{Transactions: txns, Summary: summary})
	}

	for _, txn := range txns {
		printTransaction(out, txn)
	}

	fmt.Fprintf(out, "summary: %d transactions, %d failed\n", summary.Transactions, summary.Failed)
	fmt.Fprintf(out, "  reasons:  idle=%d heartbeat=%d manual=%d\n",
		summary.ByReason[idlez.FinishIdle],
		summary.ByReason[idlez.FinishHeartbeat],
		summary.ByReason[idlez.FinishManual])
	fmt.Fprintf(out, "  duration: min %s, mean %s, max %s\n",
		summary.MinDuration, summary.MeanDuration(), summary.MaxDuration)
	fmt.Fprintf(out, "  spans:    %d kept, %d cancelled, %d discarded, %d evicted\n",
		summary.Spans, summary.Cancelled, summary.Discarded, summary.Evicted)
	return nil
}

func printTransaction(out io.Writer, txn idlez.Transaction) {
	fmt.Fprintf(out, "transaction %s finished by %s\n", txn.Name, txn.Reason)
	fmt.Fprintf(out, "  status:   %s\n", statusText(txn.Span.Status))
	fmt.Fprintf(out, "  duration: %s\n", txn.Span.Duration)
	fmt.Fprintf(out, "  spans:    %d kept, %d cancelled, %d discarded\n",
		len(txn.Spans), txn.Cancelled, txn.Discarded)
	for _, span := range txn.Spans {
		fmt.Fprintf(out, "    %-12s %-10s %-18s %s\n",
			span.Op, span.Description, statusText(span.Status), span.Duration)
	}
}

func statusText(s idlez.Status) string {
	if s == idlez.StatusUnset {
		return "unset"
	}
	return string(s)
}

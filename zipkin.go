package idlez

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	"github.com/pkg/errors"
	"github.com/tetratelabs/multierror"
)

// Zipkin tag keys written for every exported span.
const (
	ZipkinOpTag          = "op"
	ZipkinStatusTag      = "status"
	ZipkinDescriptionTag = "description"
	ZipkinErrorTag       = "error"
)

// ZipkinExporter reports finalized transactions through a zipkin reporter.
// Register ZipkinExporter.Handle with Tracer.OnTransactionFinish.
type ZipkinExporter struct {
	reporter reporter.Reporter
	endpoint *model.Endpoint
	logger   *slog.Logger
	exported atomic.Uint64
	failed   atomic.Uint64
}

// NewZipkinExporter creates an exporter reporting as serviceName.
// hostPort is optional and follows zipkin.NewEndpoint.
func NewZipkinExporter(rep reporter.Reporter, serviceName, hostPort string, logger *slog.Logger) (*ZipkinExporter, error) {
	if rep == nil {
		return nil, errors.New("zipkin exporter requires a reporter")
	}
	ep, err := zipkin.NewEndpoint(serviceName, hostPort)
	if err != nil {
		return nil, errors.Wrapf(err, "zipkin endpoint %q", hostPort)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZipkinExporter{
		reporter: rep,
		endpoint: ep,
		logger:   logger,
	}, nil
}

// Handle converts and reports one transaction.
// Spans with malformed IDs are skipped and logged.
func (e *ZipkinExporter) Handle(txn Transaction) {
	spans, err := ZipkinSpans(txn, e.endpoint)
	if err != nil {
		e.failed.Add(1)
		e.logger.Warn("dropping spans with malformed ids",
			slog.String("transaction", txn.Name),
			slog.Any("error", err))
	}
	for i := range spans {
		e.reporter.Send(spans[i])
	}
	e.exported.Add(uint64(len(spans)))
}

// Exported returns the number of spans sent to the reporter.
func (e *ZipkinExporter) Exported() uint64 {
	return e.exported.Load()
}

// Failed returns the number of transactions that had spans dropped.
func (e *ZipkinExporter) Failed() uint64 {
	return e.failed.Load()
}

// Close closes the underlying reporter.
func (e *ZipkinExporter) Close() error {
	return e.reporter.Close()
}

// ZipkinSpans converts a transaction to zipkin span models, root first.
// Spans that cannot be converted are left out and reported in the error.
func ZipkinSpans(txn Transaction, ep *model.Endpoint) ([]model.SpanModel, error) {
	var mErr error

	out := make([]model.SpanModel, 0, len(txn.Spans)+1)

	root, err := zipkinSpan(&txn.Span, txn.Name, ep)
	if err != nil {
		mErr = multierror.Append(mErr, err)
	} else {
		out = append(out, root)
	}

	for i := range txn.Spans {
		span := &txn.Spans[i]
		sm, err := zipkinSpan(span, span.Op, ep)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		out = append(out, sm)
	}

	return out, mErr
}

func zipkinSpan(span *Span, name string, ep *model.Endpoint) (model.SpanModel, error) {
	traceID, err := model.TraceIDFromHex(span.TraceID)
	if err != nil {
		return model.SpanModel{}, fmt.Errorf("span %s: trace id: %w", span.SpanID, err)
	}
	id, err := parseZipkinID(span.SpanID)
	if err != nil {
		return model.SpanModel{}, fmt.Errorf("span %s: span id: %w", span.SpanID, err)
	}

	sc := model.SpanContext{TraceID: traceID, ID: id}
	if span.ParentID != "" {
		parentID, err := parseZipkinID(span.ParentID)
		if err != nil {
			return model.SpanModel{}, fmt.Errorf("span %s: parent id: %w", span.SpanID, err)
		}
		sc.ParentID = &parentID
	}

	tags := make(map[string]string, len(span.Tags)+4)
	for k, v := range span.Tags {
		tags[k] = v
	}
	tags[ZipkinOpTag] = span.Op
	if span.Description != "" {
		tags[ZipkinDescriptionTag] = span.Description
	}
	if span.Status != StatusUnset {
		tags[ZipkinStatusTag] = string(span.Status)
	}
	if span.Status.Failed() {
		tags[ZipkinErrorTag] = string(span.Status)
	}

	sm := model.SpanModel{
		SpanContext:   sc,
		Name:          name,
		Timestamp:     span.StartTime,
		Duration:      span.Duration,
		LocalEndpoint: ep,
		Tags:          tags,
	}
	if span.Status == StatusCancelled {
		sm.Annotations = []model.Annotation{{Timestamp: span.EndTime, Value: string(StatusCancelled)}}
	}
	return sm, nil
}

func parseZipkinID(hexID string) (model.ID, error) {
	v, err := strconv.ParseUint(hexID, 16, 64)
	if err != nil {
		return 0, err
	}
	return model.ID(v), nil
}

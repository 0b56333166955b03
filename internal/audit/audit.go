// Package audit records every admission decision as one structured
// event. Recording is a side effect only and never influences control
// flow.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// Category classifies the outcome of an admission decision.
type Category string

// Decision categories.
const (
	CategorySuccess     Category = "success"
	CategoryAuthFailed  Category = "auth_failed"
	CategoryRateLimited Category = "rate_limited"
	CategoryBlocked     Category = "blocked"
	CategoryError       Category = "error"
)

// Event is one admission decision record.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the decision was made.
	Timestamp time.Time `json:"timestamp"`

	// Endpoint and Method identify the requested operation.
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`

	// ClientIP is the resolved source address.
	ClientIP string `json:"client_ip"`

	// KeyName is the resolved identity name, or "unknown" when the
	// decision was made before identity resolution.
	KeyName string `json:"key_name"`

	// Category is the decision outcome.
	Category Category `json:"category"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`

	// TraceID and SpanID tie the event to a distributed trace when a
	// span context is present.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Sink records admission decisions.
type Sink interface {
	Record(ctx context.Context, event *Event)
	Close() error
}

// sink implements Sink with a JSON line writer and severity-mapped logs.
type sink struct {
	mu      sync.Mutex
	writer  io.Writer
	closer  io.Closer
	logger  observability.Logger
	metrics *Metrics
}

// SinkOption is a functional option for the sink.
type SinkOption func(*sink)

// WithSinkLogger sets the observability logger.
func WithSinkLogger(logger observability.Logger) SinkOption {
	return func(s *sink) {
		s.logger = logger
	}
}

// WithSinkWriter sets the JSON line writer.
func WithSinkWriter(writer io.Writer) SinkOption {
	return func(s *sink) {
		s.writer = writer
	}
}

// WithSinkMetrics sets the metrics.
func WithSinkMetrics(metrics *Metrics) SinkOption {
	return func(s *sink) {
		s.metrics = metrics
	}
}

// NewSink creates a sink writing JSON lines to stdout unless another
// writer is configured.
func NewSink(opts ...SinkOption) Sink {
	s := &sink{
		writer: os.Stdout,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("gateway")
	}
	if c, ok := s.writer.(io.Closer); ok && s.writer != os.Stdout && s.writer != os.Stderr {
		s.closer = c
	}
	return s
}

// NewFileSink creates a sink appending JSON lines to the given path.
func NewFileSink(path string, opts ...SinkOption) (Sink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path from trusted config
	if err != nil {
		return nil, err
	}
	return NewSink(append(opts, WithSinkWriter(file))...), nil
}

// NewEvent builds an event for one decision with a fresh ID.
func NewEvent(endpoint, method, clientIP, keyName string, category Category, detail string) *Event {
	if keyName == "" {
		keyName = "unknown"
	}
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Endpoint:  endpoint,
		Method:    method,
		ClientIP:  clientIP,
		KeyName:   keyName,
		Category:  category,
		Detail:    detail,
	}
}

// Record writes the event and logs it at the severity mapped from its
// category.
func (s *sink) Record(ctx context.Context, event *Event) {
	if event.TraceID == "" {
		event.TraceID = extractTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = extractSpanID(ctx)
	}

	s.metrics.RecordEvent(event.Category)
	s.writeEvent(event)
	s.logEvent(event)
}

// writeEvent writes one JSON line. The mutex keeps concurrent decisions
// from interleaving partial lines.
func (s *sink) writeEvent(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal audit event", observability.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("failed to write audit event", observability.Error(err))
	}
}

// logEvent mirrors the event into the structured log.
func (s *sink) logEvent(event *Event) {
	fields := []observability.Field{
		observability.String("endpoint", event.Endpoint),
		observability.String("method", event.Method),
		observability.String("client_ip", event.ClientIP),
		observability.String("key_name", event.KeyName),
		observability.String("detail", event.Detail),
	}

	switch event.Category {
	case CategorySuccess:
		s.logger.Info("api access", fields...)
	case CategoryAuthFailed:
		s.logger.Warn("authentication failed", fields...)
	case CategoryRateLimited:
		s.logger.Warn("rate limited", fields...)
	case CategoryBlocked:
		s.logger.Error("request blocked", fields...)
	default:
		s.logger.Error("admission error", fields...)
	}
}

// Close closes the underlying writer when it is closable.
func (s *sink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// extractTraceID extracts the trace ID from the span context, if any.
func extractTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// extractSpanID extracts the span ID from the span context, if any.
func extractSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// noopSink discards all events.
type noopSink struct{}

// NewNoopSink creates a sink that discards all events.
func NewNoopSink() Sink { return &noopSink{} }

func (noopSink) Record(context.Context, *Event) {}
func (noopSink) Close() error                   { return nil }

// Ensure implementations satisfy the interface.
var (
	_ Sink = (*sink)(nil)
	_ Sink = (*noopSink)(nil)
)

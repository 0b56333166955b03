package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	event := NewEvent("/addons", "GET", "203.0.113.7", "Dashboard", CategorySuccess, "")

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "/addons", event.Endpoint)
	assert.Equal(t, "GET", event.Method)
	assert.Equal(t, "203.0.113.7", event.ClientIP)
	assert.Equal(t, "Dashboard", event.KeyName)
	assert.Equal(t, CategorySuccess, event.Category)
}

func TestNewEvent_EmptyKeyNameDefaultsToUnknown(t *testing.T) {
	t.Parallel()

	event := NewEvent("/addons", "GET", "203.0.113.7", "", CategoryAuthFailed, "Invalid API key")
	assert.Equal(t, "unknown", event.KeyName)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	t.Parallel()

	a := NewEvent("/a", "GET", "1.1.1.1", "k", CategorySuccess, "")
	b := NewEvent("/a", "GET", "1.1.1.1", "k", CategorySuccess, "")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSink_RecordWritesJSONLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewSink(WithSinkWriter(&buf))

	s.Record(context.Background(),
		NewEvent("/addons", "GET", "203.0.113.7", "Dashboard", CategoryRateLimited, "Rate limit exceeded: 30 requests per minute"))

	line := strings.TrimSuffix(buf.String(), "\n")
	require.NotContains(t, line, "\n")

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, CategoryRateLimited, decoded.Category)
	assert.Equal(t, "Rate limit exceeded: 30 requests per minute", decoded.Detail)
	assert.Equal(t, "203.0.113.7", decoded.ClientIP)
}

func TestSink_RecordFillsTraceContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewSink(WithSinkWriter(&buf))

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  spanID,
		}))

	s.Record(ctx, NewEvent("/addons", "GET", "1.2.3.4", "k", CategorySuccess, ""))

	var decoded Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, traceID.String(), decoded.TraceID)
	assert.Equal(t, spanID.String(), decoded.SpanID)
}

func TestSink_RecordWithoutSpanContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewSink(WithSinkWriter(&buf))

	s.Record(context.Background(), NewEvent("/addons", "GET", "1.2.3.4", "k", CategorySuccess, ""))

	assert.NotContains(t, buf.String(), "trace_id")
	assert.NotContains(t, buf.String(), "span_id")
}

func TestSink_ConcurrentRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewSink(WithSinkWriter(&buf))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Record(context.Background(), NewEvent("/addons", "GET", "1.2.3.4", "k", CategorySuccess, ""))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var decoded Event
		assert.NoError(t, json.Unmarshal([]byte(line), &decoded))
	}
}

func TestNewFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := NewFileSink(path)
	require.NoError(t, err)

	s.Record(context.Background(), NewEvent("/health", "GET", "1.2.3.4", "k", CategoryBlocked, "Emergency disable active"))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Emergency disable active")
}

func TestNoopSink(t *testing.T) {
	t.Parallel()

	s := NewNoopSink()
	s.Record(context.Background(), NewEvent("/x", "GET", "1.1.1.1", "k", CategoryError, "boom"))
	assert.NoError(t, s.Close())
}

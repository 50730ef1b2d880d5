package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestRecordID(t *testing.T) {
	r := Record{Topic: "patient.state", Partition: 3, Offset: 42}
	assert.Equal(t, "patient.state/3/42", r.ID())

	r.Headers = Headers{HeaderEventID: "abc"}
	assert.Equal(t, "abc", r.ID())
	assert.Equal(t, "patient.state/3/42", r.Coordinates())
}

func TestDecode(t *testing.T) {
	e := Event{Payload: []byte(`{"status":"admitted"}`)}
	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, e.Decode(&out))
	assert.Equal(t, "admitted", out.Status)

	assert.Error(t, Event{}.Decode(&out))
}

func TestTracePropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	h := Headers{}
	InjectTrace(ctx, h)
	require.NotEmpty(t, h["traceparent"])

	got := trace.SpanContextFromContext(ExtractTrace(context.Background(), h))
	assert.Equal(t, traceID, got.TraceID())
}

func TestHeadersClone(t *testing.T) {
	h := Headers{"a": "1"}
	c := h.Clone()
	c["a"] = "2"
	assert.Equal(t, "1", h["a"])
}

package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

func TestNewMessageCarriesAttributesAndTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	payload := scan.Completion{
		JobID:       "job-1",
		Status:      scan.OverallCompleted,
		TotalRepos:  2,
		Completed:   2,
		CompletedAt: time.Unix(1700000000, 0).UTC(),
	}
	msg, err := newMessage(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, "job-1", msg.Attributes["job_id"])
	require.Equal(t, "completed", msg.Attributes["status"])
	require.Contains(t, msg.Attributes["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")

	var decoded scan.Completion
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, payload, decoded)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "", scan.Completion{})
	require.ErrorContains(t, err, "not configured")
}

func TestNewMessageRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	_, err := newMessage(context.Background(), make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

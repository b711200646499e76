package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zap.AtomicLevel) *observer.ObservedLogs {
	t.Helper()
	core, recorded := observer.New(level)
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(nil) })
	return recorded
}

func TestInitHonoursLevel(t *testing.T) {
	t.Cleanup(func() { Replace(nil) })

	require.NoError(t, Init("debug", "json"))
	require.True(t, Logger().Core().Enabled(zap.DebugLevel))

	require.NoError(t, Init("not-a-level", "console"))
	require.False(t, Logger().Core().Enabled(zap.DebugLevel))
	require.True(t, Logger().Core().Enabled(zap.InfoLevel))
}

func TestHelpersAndModule(t *testing.T) {
	recorded := observe(t, zap.NewAtomicLevelAt(zap.DebugLevel))

	Info("dispatched", zap.String("device", "d1"))
	Warn("retry scheduled")
	WithModule("delivery").Error("transport failed")
	Debug("noise")

	entries := recorded.All()
	require.Len(t, entries, 4)
	require.Equal(t, "d1", entries[0].ContextMap()["device"])
	require.Equal(t, "delivery", entries[2].ContextMap()["module"])
}

func TestWithContextAddsTraceIDs(t *testing.T) {
	recorded := observe(t, zap.NewAtomicLevelAt(zap.InfoLevel))

	WithContext(context.Background(), nil).Info("no span")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	WithContext(ctx, WithModule("relay")).Info("with span")

	entries := recorded.All()
	require.Len(t, entries, 2)
	require.NotContains(t, entries[0].ContextMap(), "trace_id")
	require.Equal(t, traceID.String(), entries[1].ContextMap()["trace_id"])
	require.Equal(t, "relay", entries[1].ContextMap()["module"])
}

package log_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
)

func TestFromContext_DefaultsToNoop(t *testing.T) {
	t.Parallel()

	_, isNoop := log.FromContext(context.Background()).(log.NoopLogger)
	assert.True(t, isNoop)

	ctx := log.SetContextLogger(context.Background(), nil)
	_, isNoop = log.FromContext(ctx).(log.NoopLogger)
	assert.True(t, isNoop)
}

func TestSetContextLogger(t *testing.T) {
	t.Parallel()

	lg := log.NewZapLogger(log.Config{Output: "stdout"})
	ctx := log.SetContextLogger(context.Background(), lg)

	_, isZap := log.FromContext(ctx).(*log.ZapLogger)
	assert.True(t, isZap)

	ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: [16]byte{1},
		SpanID:  [8]byte{1},
	}))
	ctx = log.SetContextLogger(ctx, lg)

	_, isSpan := log.FromContext(ctx).(log.SpanLogger)
	assert.True(t, isSpan)
}

package log_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
)

func TestZapLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	lg := log.NewZapLoggerFromCore(core).WithName("transport").WithName("ws")

	lg.Debug("frame received", "bytes", 42)
	lg.WithKV("connID", "abc").Warn("unknown response id", "id", 7)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "transport.ws", entries[0].LoggerName)
	assert.Equal(t, int64(42), entries[0].ContextMap()["bytes"])
	assert.True(t, entries[0].Caller.Defined)
	assert.Contains(t, entries[0].Caller.File, "zap_logger_test.go")

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "abc", entries[1].ContextMap()["connID"])
	assert.Equal(t, int64(7), entries[1].ContextMap()["id"])

	assert.Equal(t, "transport.ws", lg.Name())
	assert.Equal(t, []any{"connID", "abc"}, lg.WithKV("connID", "abc").Fields())
}

func TestZapLogger_LevelThreshold(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	lg := log.NewZapLoggerFromCore(core)

	lg.Debug("dropped")
	lg.Info("dropped")
	lg.Error("kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

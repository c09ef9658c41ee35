package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
)

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHAINWATCH_ENDPOINT", "CHAINWATCH_IPC_PATH", "CHAINWATCH_BLOCK_TIMEOUT",
		"CHAINWATCH_RECONNECT_ENABLED", "CHAINWATCH_POLL_INTERVAL", "CHAINWATCH_DATABASE_DRIVER",
	} {
		unsetEnv(t, key)
	}
	t.Setenv(configDirPathEnv, t.TempDir())
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CHAINWATCH_ENDPOINT", "wss://node.example/ws")

	cfg, err := LoadConfig(log.NewNoopLogger())
	require.NoError(t, err)

	assert.Equal(t, "wss://node.example/ws", cfg.endpoint())
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, uint64(50), cfg.BlockTimeout)
	assert.Equal(t, 10*time.Second, cfg.WarmupWindow)
	assert.Equal(t, ":4242", cfg.MetricsAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	isolateEnv(t)
	dir := os.Getenv(configDirPathEnv)
	content := "CHAINWATCH_ENDPOINT=http://localhost:8545\nCHAINWATCH_BLOCK_TIMEOUT=7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	cfg, err := LoadConfig(log.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8545", cfg.Endpoint)
	assert.Equal(t, uint64(7), cfg.BlockTimeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tcs := []struct {
		name string
		env  map[string]string
	}{
		{name: "no endpoint", env: map[string]string{}},
		{name: "zero block timeout", env: map[string]string{"CHAINWATCH_ENDPOINT": "ws://x", "CHAINWATCH_BLOCK_TIMEOUT": "0"}},
		{name: "bad duration", env: map[string]string{"CHAINWATCH_ENDPOINT": "ws://x", "CHAINWATCH_POLL_INTERVAL": "soon"}},
		{name: "unknown driver", env: map[string]string{"CHAINWATCH_ENDPOINT": "ws://x", "CHAINWATCH_DATABASE_DRIVER": "mysql"}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			isolateEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(log.NewNoopLogger())
			assert.Error(t, err)
		})
	}
}

func TestConfig_Builders(t *testing.T) {
	cfg := &Config{
		Endpoint:          "ws://node",
		IPCPath:           "/tmp/geth.ipc",
		AutoReconnect:     false,
		ReconnectDelay:    time.Second,
		ReconnectAttempts: 2,
		BatchTimeout:      3 * time.Second,
		BlockTimeout:      12,
		PollInterval:      2 * time.Second,
		WarmupWindow:      4 * time.Second,
	}

	assert.Equal(t, "/tmp/geth.ipc", cfg.endpoint())

	rc := cfg.rpcConfig(nil)
	assert.Equal(t, 3*time.Second, rc.BatchTimeout)
	assert.NotNil(t, rc.Transport.SocketConnector)
	assert.False(t, rc.Transport.IPC.AutoReconnect)
	assert.Equal(t, 2, rc.Transport.Websocket.MaxReconnectAttempts)
	assert.Equal(t, time.Second, rc.Transport.Websocket.ReconnectDelay)

	cc := cfg.confirmConfig(nil)
	assert.Equal(t, uint64(12), cc.BlockTimeout)
	assert.Equal(t, 2*time.Second, cc.PollInterval)
	assert.Equal(t, 4*time.Second, cc.WarmupWindow)
	assert.Equal(t, "newHeads", cc.HeadsKind)

	cfg.IPCPath = ""
	assert.Nil(t, cfg.rpcConfig(nil).Transport.SocketConnector)
}

func TestParseTxHash(t *testing.T) {
	t.Parallel()

	h, err := parseTxHash("0xab" + strings.Repeat("00", 30) + "cd")
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), h[0])
	assert.Equal(t, byte(0xcd), h[31])

	_, err = parseTxHash("0x1234")
	assert.Error(t, err)
	_, err = parseTxHash("nothex")
	assert.Error(t, err)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/erc7824/nitrolite/chainrpc/pkg/confirm"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/rpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
)

const (
	configDirPathEnv     = "CHAINWATCH_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// Config is the chainwatch configuration, read from the environment and an
// optional .env file.
type Config struct {
	Endpoint string `env:"CHAINWATCH_ENDPOINT" validate:"required_without=IPCPath"`
	IPCPath  string `env:"CHAINWATCH_IPC_PATH"`

	AutoReconnect     bool          `env:"CHAINWATCH_RECONNECT_ENABLED" env-default:"true"`
	ReconnectDelay    time.Duration `env:"CHAINWATCH_RECONNECT_DELAY" env-default:"5s" validate:"gte=0"`
	ReconnectAttempts int           `env:"CHAINWATCH_RECONNECT_ATTEMPTS" env-default:"5" validate:"gte=0"`

	BatchTimeout time.Duration `env:"CHAINWATCH_BATCH_TIMEOUT" env-default:"10s" validate:"gte=0"`
	BlockTimeout uint64        `env:"CHAINWATCH_BLOCK_TIMEOUT" env-default:"50" validate:"gt=0"`
	PollInterval time.Duration `env:"CHAINWATCH_POLL_INTERVAL" env-default:"1s" validate:"gt=0"`
	WarmupWindow time.Duration `env:"CHAINWATCH_WARMUP_WINDOW" env-default:"10s" validate:"gt=0"`

	MetricsAddr string `env:"CHAINWATCH_METRICS_ADDR" env-default:":4242"`

	Log      log.Config
	Database DatabaseConfig
}

// LoadConfig reads the .env file from CHAINWATCH_CONFIG_DIR_PATH, then the
// environment, and validates the result.
func LoadConfig(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// endpoint returns the provider descriptor: the IPC socket when configured,
// the endpoint url otherwise.
func (c *Config) endpoint() string {
	if c.IPCPath != "" {
		return c.IPCPath
	}
	return c.Endpoint
}

func (c *Config) duplexConfig(m *metrics.Metrics) transport.DuplexConfig {
	dc := transport.DefaultDuplexConfig
	dc.AutoReconnect = c.AutoReconnect
	dc.ReconnectDelay = c.ReconnectDelay
	dc.MaxReconnectAttempts = c.ReconnectAttempts
	dc.Metrics = m
	return dc
}

func (c *Config) rpcConfig(m *metrics.Metrics) rpc.Config {
	tc := transport.DefaultConfig
	tc.Websocket.DuplexConfig = c.duplexConfig(m)
	tc.IPC = c.duplexConfig(m)
	if c.IPCPath != "" {
		tc.SocketConnector = transport.DialUnix
	}

	rc := rpc.DefaultConfig
	rc.Transport = tc
	rc.BatchTimeout = c.BatchTimeout
	rc.Metrics = m
	return rc
}

func (c *Config) confirmConfig(m *metrics.Metrics) confirm.Config {
	cc := confirm.DefaultConfig
	cc.BlockTimeout = c.BlockTimeout
	cc.PollInterval = c.PollInterval
	cc.WarmupWindow = c.WarmupWindow
	cc.Metrics = m
	return cc
}

package cli

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is read from the environment; command-line flags override it.
type Config struct {
	URL         string        `env:"REALTIME_URL"          envDefault:"ws://localhost:8081/realtime"`
	Origin      string        `env:"REALTIME_ORIGIN"`
	CACert      string        `env:"REALTIME_CA_CERT"`
	CallTimeout time.Duration `env:"REALTIME_CALL_TIMEOUT" envDefault:"10s"`
	ListenAddr  string        `env:"REALTIME_LISTEN_ADDR"  envDefault:":8081"`
	Heartbeat   time.Duration `env:"REALTIME_HEARTBEAT"    envDefault:"25s"`
	RedisAddr   string        `env:"REALTIME_REDIS_ADDR"`
	MaxCalls    uint32        `env:"REALTIME_MAX_CALLS"`
	MetricsAddr string        `env:"REALTIME_METRICS_ADDR"`
	LogLevel    string        `env:"REALTIME_LOG_LEVEL"    envDefault:"info"`
}

// LoadConfig reads Config from the process environment.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// NewLogger builds a console logger writing to stderr at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = lvl.Level() > zapcore.DebugLevel
	return cfg.Build()
}

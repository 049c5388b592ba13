// This package defines a common config struct which can be used by any subsystem within the engine.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// chunking
	MaxChunkSize         int
	MaxMessageSize       int
	ChunkIdleTimeoutMs   int64
	MaxPendingAssemblies int
	CompletedCacheSize   int

	// gap tracking and backfill
	MaxSequenceGap         uint64
	MaxRangeSize           uint64
	BackfillTimeoutMs      int64
	BackfillRetryCeiling   int
	ServeRequestsPerSecond float64
	ServeBurst             int
	SweepIntervalMs        int64

	RequireSignatures bool
	EventBufferSize   int

	// transport
	LookupTimeoutMs     int64
	RequestTimeoutMs    int64
	PreflightIntervalMs int64

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxChunkSize(n int) Option {
	return func(c *Config) {
		c.MaxChunkSize = n
	}
}

// WithMaxMessageSize bounds a sealed message. Chunk sets claiming more pieces than it allows are rejected.
func WithMaxMessageSize(n int) Option {
	return func(c *Config) {
		c.MaxMessageSize = n
	}
}

func WithChunkIdleTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ChunkIdleTimeoutMs = n
	}
}

func WithMaxPendingAssemblies(n int) Option {
	return func(c *Config) {
		c.MaxPendingAssemblies = n
	}
}

func WithCompletedCacheSize(n int) Option {
	return func(c *Config) {
		c.CompletedCacheSize = n
	}
}

// WithMaxSequenceGap bounds how far past the watermark observations are buffered. Zero is ignored.
func WithMaxSequenceGap(n uint64) Option {
	return func(c *Config) {
		if n != 0 {
			c.MaxSequenceGap = n
		}
	}
}

func WithMaxRangeSize(n uint64) Option {
	return func(c *Config) {
		c.MaxRangeSize = n
	}
}

func WithBackfillTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.BackfillTimeoutMs = n
	}
}

func WithBackfillRetryCeiling(n int) Option {
	return func(c *Config) {
		c.BackfillRetryCeiling = n
	}
}

// WithServeRate limits how many range requests per second a single peer may have answered.
func WithServeRate(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.ServeRequestsPerSecond = perSecond
		c.ServeBurst = burst
	}
}

func WithSweepIntervalMs(n int64) Option {
	return func(c *Config) {
		c.SweepIntervalMs = n
	}
}

func WithRequireSignatures(r bool) Option {
	return func(c *Config) {
		c.RequireSignatures = r
	}
}

func WithEventBufferSize(n int) Option {
	return func(c *Config) {
		c.EventBufferSize = n
	}
}

func WithLookupTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.LookupTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithPreflightIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PreflightIntervalMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		RootDir:       ".",
		LoggingPrefix: "",

		MaxChunkSize:         64 * 1024,
		MaxMessageSize:       16 * 1024 * 1024,
		ChunkIdleTimeoutMs:   30000,
		MaxPendingAssemblies: 1024,
		CompletedCacheSize:   4096,

		MaxSequenceGap:         1000,
		MaxRangeSize:           256,
		BackfillTimeoutMs:      10000,
		BackfillRetryCeiling:   3,
		ServeRequestsPerSecond: 20,
		ServeBurst:             40,
		SweepIntervalMs:        500,

		RequireSignatures: true,
		EventBufferSize:   1024,

		LookupTimeoutMs:     1000,
		RequestTimeoutMs:    5000,
		PreflightIntervalMs: 15000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	c.writer = writer
	return c
}

// This package defines a common config struct which can be used by any subsystem within arbor.
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
	Debug               bool
	RootDir             string
	LoggingPrefix       string
	AuthServiceURL      string
	QueueServiceURL     string
	RequestTimeoutMs    int64
	PullIntervalMs      int64
	PushIntervalMs      int64
	MaxRetries          uint64
	AttachmentWorkers   int
	AttachmentChunkSize int64
	PackageLifetimeSec  int64
	writer              io.Writer
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
	sugar := logger.Sugar()
	return sugar
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

func WithAuthServiceURL(u string) Option {
	return func(c *Config) {
		c.AuthServiceURL = u
	}
}

func WithQueueServiceURL(u string) Option {
	return func(c *Config) {
		c.QueueServiceURL = u
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithPullIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PullIntervalMs = n
	}
}

func WithPushIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PushIntervalMs = n
	}
}

func WithMaxRetries(n uint64) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

func WithAttachmentWorkers(n int) Option {
	return func(c *Config) {
		c.AttachmentWorkers = n
	}
}

func WithAttachmentChunkSize(n int64) Option {
	return func(c *Config) {
		c.AttachmentChunkSize = n
	}
}

func WithPackageLifetimeSec(n int64) Option {
	return func(c *Config) {
		c.PackageLifetimeSec = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:               os.Getenv("DEBUG") == "1",
		LoggingPrefix:       "",
		RootDir:             ".",
		RequestTimeoutMs:    5000,
		PullIntervalMs:      1000,
		PushIntervalMs:      500,
		MaxRetries:          5,
		AttachmentWorkers:   3,
		AttachmentChunkSize: 256 * 1024,
		PackageLifetimeSec:  30 * 24 * 3600,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}

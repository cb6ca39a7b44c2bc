package logx

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const (
	CtxKeyJobID  ctxKey = "job_id"
	CtxKeyChatID ctxKey = "chat_id"
)

// Config via env or code
type Config struct {
	Service        string // "bot", "worker" or "dubctl"
	Level          string // debug|info|warn|error
	Format         string // json|console
	FilePath       string // e.g. /var/log/dubber/worker.log ("" = disabled)
	FileMaxSizeMB  int    // rotate at ~MB (default 50)
	FileMaxBackups int    // keep N old logs (default 3)
	FileMaxAgeDays int    // keep #days (default 7)
	FileCompress   bool   // gzip old logs (default true)
	SampleEveryN   int    // >0 enables BasicSampler (e.g., 10 = keep 1/10 logs)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

// FromEnv builds config from environment with sane defaults.
func FromEnv(service string) Config {
	return Config{
		Service:        service,
		Level:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		Format:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		FilePath:       getenv("LOG_FILE", ""),
		FileMaxSizeMB:  getenvInt("LOG_FILE_MAX_SIZE", 50),
		FileMaxBackups: getenvInt("LOG_FILE_MAX_BACKUPS", 3),
		FileMaxAgeDays: getenvInt("LOG_FILE_MAX_AGE", 7),
		FileCompress:   getenvBool("LOG_FILE_COMPRESS", true),
		SampleEveryN:   getenvInt("LOG_SAMPLE_EVERY", 0),
	}
}

// Setup configures zerolog global `log` and returns the logger instance.
func Setup(c Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	if c.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, os.Stdout)
	}
	if c.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.FileMaxSizeMB,
			MaxBackups: c.FileMaxBackups,
			MaxAge:     c.FileMaxAgeDays,
			Compress:   c.FileCompress,
		})
	}
	multi := io.MultiWriter(writers...)

	logger := zerolog.New(multi).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()

	if c.SampleEveryN > 0 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(c.SampleEveryN)})
	}

	log.Logger = logger
	return logger
}

// WithJob stores the job and chat ids so FromCtx can attach them.
func WithJob(ctx context.Context, jobID string, chatID int64) context.Context {
	ctx = context.WithValue(ctx, CtxKeyJobID, jobID)
	return context.WithValue(ctx, CtxKeyChatID, chatID)
}

// FromCtx attaches standard fields (if present) to the global logger.
func FromCtx(ctx context.Context) zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return l
	}
	if v, ok := ctx.Value(CtxKeyJobID).(string); ok && v != "" {
		l = l.With().Str("job", v).Logger()
	}
	if v, ok := ctx.Value(CtxKeyChatID).(int64); ok {
		l = l.With().Int64("chat", v).Logger()
	}
	return l
}

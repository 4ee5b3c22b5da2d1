// Package logging provides structured logging for Omikuji, wrapping logrus
// with the service/network/feed fields every component logs with.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for values carried on a context.
type ContextKey string

// RunIDKey is the context key for the per-process run identifier, attached
// to the log entries WithContext builds so operators can correlate a
// daemon restart's output.
const RunIDKey ContextKey = "run_id"

// Logger wraps logrus.Logger with a fixed service name and convenience
// constructors for the daemon's per-task fields.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger. format is "json" or "text"; unknown values fall
// back to text. level is any logrus level name; invalid values fall back
// to info.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a logger from OMIKUJI_LOG_LEVEL / OMIKUJI_LOG_FORMAT,
// defaulting to info/text to match a bare terminal run.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("OMIKUJI_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("OMIKUJI_LOG_FORMAT"))
	if format == "" {
		format = "text"
	}
	return New(service, level, format)
}

// WithNetwork returns an entry scoped to a network.
func (l *Logger) WithNetwork(network string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "network": network})
}

// WithFeed returns an entry scoped to a network/feed pair.
func (l *Logger) WithFeed(network, feed string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "network": network, "feed": feed})
}

// WithTask returns an entry scoped to a network/scheduled-task pair.
func (l *Logger) WithTask(network, task string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "network": network, "task": task})
}

// WithContext attaches the run ID carried on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		entry = entry.WithField("run_id", runID)
	}
	return entry
}

// WithRunID attaches a run ID to ctx for later retrieval by WithContext.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// NewRunID generates a fresh run identifier for WithRunID.
func NewRunID() string {
	return uuid.New().String()
}

package logger

import (
	"io"
	"os"
	"time"

	"bytemomo/sonar/internal/domain"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger writing human readable lines to stderr.
func New(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return log
}

// SetLoggerToStructured switches log to JSON lines, teeing into filePath when set.
func SetLoggerToStructured(log *logrus.Logger, level logrus.Level, filePath string) {
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetLevel(level)

	if filePath == "" {
		log.SetOutput(os.Stderr)
		return
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.SetOutput(os.Stderr)
		log.WithError(err).Error("Could not create file for logging")
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
}

// FromConfig builds the engine logger described by cfg.
func FromConfig(cfg domain.LogConfig) *logrus.Logger {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := New(level)
	if cfg.Structured || cfg.File != "" {
		SetLoggerToStructured(log, level, cfg.File)
	}
	if err != nil && cfg.Level != "" {
		log.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}
	return log
}

// Discard returns an entry that drops everything, for tests and library use.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

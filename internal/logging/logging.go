// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "RELAY_LOG_LEVEL"
	EnvLogFormat = "RELAY_LOG_FORMAT"
)

type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// Configure applies opts, then the environment overrides, to the standard
// logger and returns it.
func Configure(opts Options) *logrus.Logger {
	log := logrus.StandardLogger()
	apply(log, opts)
	return log
}

// New returns a fresh logger configured like Configure would.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	apply(log, opts)
	return log
}

func apply(log *logrus.Logger, opts Options) {
	applyEnvOverrides(&opts)

	level, ok := parseLevel(opts.Level)
	if !ok {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stderr)
	}
}

func applyEnvOverrides(opts *Options) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		opts.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		opts.Format = v
	}
}

func parseLevel(raw string) (logrus.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logrus.InfoLevel, false
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	case "fatal":
		return logrus.FatalLevel, true
	case "off", "none", "disabled":
		return logrus.PanicLevel, true
	default:
		return logrus.InfoLevel, false
	}
}

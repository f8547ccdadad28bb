package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want logrus.Level
		ok   bool
	}{
		{"", logrus.InfoLevel, false},
		{"DEBUG", logrus.DebugLevel, true},
		{" warning ", logrus.WarnLevel, true},
		{"off", logrus.PanicLevel, true},
		{"loud", logrus.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := parseLevel(tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
	}
}

func TestNewJSONFormat(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")

	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Output: &buf})
	log.WithField("conn_id", "c1").Debug("registered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "registered", line["msg"])
	assert.Equal(t, "c1", line["conn_id"])
	assert.Equal(t, "debug", line["level"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "text")

	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Output: &buf})
	assert.Equal(t, logrus.ErrorLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)

	log.Info("hidden")
	assert.Zero(t, buf.Len())
}

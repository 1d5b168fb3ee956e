package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "defaults"},
		{name: "debug console", level: "debug", format: "console"},
		{name: "warn json", level: "warn", format: "json"},
		{name: "bad level", level: "loud", wantErr: true},
		{name: "bad format", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger.Underlying())
		})
	}
}

func TestLevelsAndFields(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(zap.New(core))

	tests := []struct {
		name  string
		log   func(msg string, args ...any)
		level zapcore.Level
	}{
		{"debug", logger.Debug, zapcore.DebugLevel},
		{"info", logger.Info, zapcore.InfoLevel},
		{"warn", logger.Warn, zapcore.WarnLevel},
		{"error", logger.Error, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.log(tt.name+" message", "thread_id", "t1", "tokens", 42)

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			assert.Equal(t, tt.name+" message", logs[0].Message)
			fields := logs[0].ContextMap()
			assert.Equal(t, "t1", fields["thread_id"])
			assert.EqualValues(t, 42, fields["tokens"])
		})
	}
}

func TestWith(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := NewFromZap(zap.New(core)).With("component", "sync")

	logger.Info("hydrated")
	logger.Debug("filtered out")

	logs := observed.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "sync", logs[0].ContextMap()["component"])
}

func TestNewFromZapNil(t *testing.T) {
	logger := NewFromZap(nil)
	logger.Info("discarded")
	assert.NoError(t, logger.Sync())
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		development bool
		level       string
		enabled     zapcore.Level
		disabled    []zapcore.Level
	}{
		{name: "development default", development: true, enabled: zapcore.DebugLevel},
		{name: "production default", enabled: zapcore.InfoLevel, disabled: []zapcore.Level{zapcore.DebugLevel}},
		{
			name:     "production warn",
			level:    "warn",
			enabled:  zapcore.WarnLevel,
			disabled: []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.development, tt.level)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush

			require.True(t, logger.Core().Enabled(tt.enabled))
			for _, lvl := range tt.disabled {
				require.False(t, logger.Core().Enabled(lvl))
			}
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(false, "loud")
	require.Error(t, err)
}

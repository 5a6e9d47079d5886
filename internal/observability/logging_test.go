package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/tablesync/internal/config"
)

func TestNewLogger_LevelsAndFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			logger, err := NewLogger(config.LoggingConfig{Level: level, Format: format}, "sessiond")
			require.NoError(t, err, "%s/%s", format, level)
			want, err := zapcore.ParseLevel(level)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(want))
			if want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(want-1), "%s/%s lets lower levels through", format, level)
			}
		}
	}
}

func TestNewLogger_Rejects(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"}, "")
	assert.ErrorContains(t, err, "log level")

	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"}, "")
	assert.ErrorContains(t, err, "log format")
}

package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T) (*PipelineLogger, *bytes.Buffer) {
	t.Helper()
	t.Setenv("ARBCORE_LOG_LEVEL", "")
	t.Setenv("ARBCORE_DEBUG", "")
	t.Setenv("ARBCORE_LOG_FORMAT", "")
	t.Setenv("KUBERNETES_SERVICE_HOST", "")

	logger := NewPipelineLogger("test-service")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	return logger, buf
}

func TestLoggerTextFormat(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.Info("Opportunity forwarded", map[string]interface{}{
		"opportunity_id": "opp-1",
		"chain":          "ethereum",
	})

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "[test-service]")
	assert.Contains(t, line, "Opportunity forwarded")
	assert.Contains(t, line, "chain=ethereum")

	// opportunity_id is pinned before free-form fields
	assert.Less(t, strings.Index(line, "opportunity_id=opp-1"), strings.Index(line, "chain=ethereum"))
}

func TestLoggerJSONFormat(t *testing.T) {
	t.Setenv("ARBCORE_LOG_FORMAT", "json")
	t.Setenv("ARBCORE_LOG_LEVEL", "")
	t.Setenv("ARBCORE_DEBUG", "")

	logger := NewPipelineLogger("test-service")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Warn("Service heartbeat stale", map[string]interface{}{
		"service_id": "exec-1",
		"service":    "must-not-overwrite",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "Service heartbeat stale", entry["message"])
	assert.Equal(t, "exec-1", entry["service_id"])
}

func TestLoggerKubernetesDetection(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	t.Setenv("ARBCORE_LOG_FORMAT", "")
	t.Setenv("ARBCORE_LOG_LEVEL", "")
	t.Setenv("ARBCORE_DEBUG", "")

	logger := NewPipelineLogger("test-service")
	assert.Equal(t, "json", logger.format)
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	// INFO default: debug suppressed
	logger.Debug("hidden", nil)
	assert.Empty(t, buf.String())

	logger.SetLevel("WARN")
	logger.Info("also hidden", nil)
	assert.Empty(t, buf.String())
	logger.Warn("visible", nil)
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	logger.SetLevel("DEBUG")
	logger.Debug("now visible", nil)
	assert.Contains(t, buf.String(), "now visible")
}

func TestLoggerErrorRateLimit(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	for i := 0; i < 10; i++ {
		logger.Error("substrate down", nil)
	}

	// One line per second regardless of burst size
	assert.Equal(t, 1, strings.Count(buf.String(), "substrate down"))
}

func TestRateLimiter(t *testing.T) {
	r := newRateLimiter(20 * time.Millisecond)

	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, r.Allow())
}

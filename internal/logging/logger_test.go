package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_LevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "dispatch-api")

	logger.Info("dropped")
	logger.Warn("kept", "ride_id", "r1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "dispatch-api", rec["service"])
	assert.Equal(t, "r1", rec["ride_id"])
}

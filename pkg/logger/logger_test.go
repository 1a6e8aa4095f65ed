package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithOutput_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithOutput("warn", "text", &buf))

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")
}

func TestInitWithOutput_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithOutput("debug", "json", &buf))

	WithFields(map[string]interface{}{"session_id": "s1"}).Info("Conversation started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "Conversation started", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestInitWithOutput_UnknownLevel(t *testing.T) {
	assert.Error(t, InitWithOutput("verbose", "text", &bytes.Buffer{}))
}

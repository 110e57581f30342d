package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duorpc/config"
)

func TestConsoleVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(&buf, config.Log{Verbosity: 1})
	log.Info("shown", "method", "echo")
	log.V(1).Info("also shown")
	log.V(2).Info("hidden")
	require.NoError(t, closer())

	out := buf.String()
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "also shown")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"method": "echo"`)
}

func TestDebugEnablesFirstLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(&buf, config.Log{Debug: true})
	log.V(1).Info("debug record")
	require.NoError(t, closer())
	assert.Contains(t, buf.String(), "debug record")
}

func TestFileReceivesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.log")
	var console bytes.Buffer
	log, closer := New(&console, config.Log{File: path, MaxSizeMB: 1})
	log.Info("rpc", "method", "sum", "args", []int{1, 2})
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "rpc", rec["msg"])
	assert.Equal(t, "sum", rec["method"])
	assert.NotEmpty(t, rec["caller"], "file records keep the caller")
	assert.NotContains(t, console.String(), "logging_test.go", "console records drop the caller")
}

func TestLevelClamp(t *testing.T) {
	assert.Equal(t, int8(0), int8(level(-5, false).Level()))
	assert.Equal(t, int8(-127), int8(level(500, false).Level()))
	assert.Equal(t, int8(-1), int8(level(0, true).Level()))
	assert.Equal(t, int8(-3), int8(level(3, true).Level()))
}

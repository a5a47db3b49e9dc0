package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestReporterSuppressesToDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewReporter(NewWriter(&buf, "info"), true)

	r.Failure("update failed", errors.New("device busy"), true)
	assert.Empty(t, decodeLines(t, &buf), "suppressed failure must not reach info level")

	r.Failure("command failed", errors.New("boom"), false)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "boom", lines[0]["err"])
}

func TestReporterWarnsWhenNotSuppressed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewReporter(NewWriter(&buf, "info"), false)

	r.Failure("update failed", errors.New("device busy"), true, String("driver", "switch"))
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "switch", lines[0]["driver"])

	r.SetSuppress(true)
	assert.True(t, r.Suppressed())
}

func TestReporterDebugCarriesChain(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewReporter(NewWriter(&buf, "debug"), true)

	inner := errors.New("link lost")
	r.Failure("update failed", inner, true)
	r.Failure("command failed", errors.Join(inner), false)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, true, lines[0]["suppressed"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.NotNil(t, lines[1]["err_chain"])
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	l := Slog(NewWriter(&buf, "info"))
	l.Debug("hidden")
	l.WithGroup("broker").Info("client connected", "id", "c1", "n", 2)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "client connected", lines[0]["message"])
	assert.Equal(t, "c1", lines[0]["broker.id"])
	assert.EqualValues(t, 2, lines[0]["broker.n"])
}

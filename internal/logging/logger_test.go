package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileLogIsWrittenAndReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "reliefline.log")
	log, closeLog, err := New(Options{Level: "error", File: path})
	require.NoError(t, err)

	log.Debug("task accepted", zap.String("task", "t-1"))
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "task accepted", entry["msg"])
	require.Equal(t, "t-1", entry["task"])

	// The descriptor is gone once closed, so a second close reports it.
	require.ErrorIs(t, closeLog(), os.ErrClosed)
}

func TestConsoleOnlyCloseIsNoop(t *testing.T) {
	_, closeLog, err := New(Options{Level: "warn"})
	require.NoError(t, err)
	require.NoError(t, closeLog())
}

func TestInvalidLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

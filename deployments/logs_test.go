package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSanitizeLogFile reproduces scenario S6: three valid JSON lines
// interleaved with two corrupted ones.
func TestSanitizeLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "device.log")
	content := `{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","message":"starting"}
not valid json at all
{"timestamp":"2024-01-01T00:00:01Z","level":"INFO","message":"downloading"}
{{{broken
{"timestamp":"2024-01-01T00:00:02Z","level":"INFO","message":"done"}
`
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o600))

	sidePath, length, err := SanitizeLogFile(logPath)
	require.NoError(t, err)
	defer os.Remove(sidePath)

	raw, err := os.ReadFile(sidePath)
	require.NoError(t, err)
	require.EqualValues(t, len(raw), length)

	var envelope struct {
		Messages []logRecord `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))

	// notice + 2 corrupted + 3 valid = 6
	require.Len(t, envelope.Messages, 6)
	require.Equal(t, corruptedNotice, envelope.Messages[0].Message)

	var corruptedCount, validCount int
	for _, m := range envelope.Messages[1:] {
		if m.Message == corruptedLine {
			corruptedCount++
		} else {
			validCount++
		}
	}
	require.Equal(t, 2, corruptedCount)
	require.Equal(t, 3, validCount)
}

func TestSanitizeLogFileNoCorruption(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "device.log")
	content := `{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","message":"a"}
{"timestamp":"2024-01-01T00:00:01Z","level":"INFO","message":"b"}
`
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o600))

	sidePath, _, err := SanitizeLogFile(logPath)
	require.NoError(t, err)
	defer os.Remove(sidePath)

	raw, err := os.ReadFile(sidePath)
	require.NoError(t, err)

	var envelope struct {
		Messages []logRecord `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Len(t, envelope.Messages, 2)
}

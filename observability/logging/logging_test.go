package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesKeysAndTagsService(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("pegd", "test", WithWriter(&buf))
	logger.Info("hello", "currency", "USD")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "hello", record["message"])
	require.Equal(t, "INFO", record["severity"])
	require.Equal(t, "pegd", record["service"])
	require.Equal(t, "test", record["env"])
	require.Contains(t, record, "timestamp")
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "pegd.log")
	var buf bytes.Buffer
	logger := Setup("pegd", "", WithWriter(&buf), WithFile(FileConfig{Path: path, MaxSizeMB: 1}))
	logger.Warn("buffer low")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "buffer low")
	require.Equal(t, buf.String(), string(data))
}

func TestFileFromEnv(t *testing.T) {
	t.Setenv("PEGD_LOG_FILE", "")
	require.Nil(t, FileFromEnv("pegd"))
	t.Setenv("PEGD_LOG_FILE", filepath.Join(t.TempDir(), "x.log"))
	require.NotNil(t, FileFromEnv("pegd"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("bearer_token", "secret").Value.String())
	require.Equal(t, "boom", MaskField("error", "boom").Value.String())
	require.Equal(t, "", MaskField("jwt", "").Value.String())
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "ledgerd", Env: "test", Output: &buf, File: filepath.Join(t.TempDir(), "ledgerd.log")})
	defer closer.Close()

	logger.Info("record mined", slog.String("hash", "th_1"), MaskField("worker_secret", "deadbeef"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "record mined", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "ledgerd", line["service"])
	require.Equal(t, "th_1", line["hash"])
	require.Equal(t, RedactedValue, line["worker_secret"])
	require.Contains(t, line, "timestamp")
}

func TestMaskDSN(t *testing.T) {
	attr := MaskDSN("dsn", "postgres://ledger:hunter2@db:5432/ledger?sslmode=disable")
	require.Equal(t, "postgres://%5BREDACTED%5D@db:5432/ledger", attr.Value.String())
	require.Equal(t, RedactedValue, MaskDSN("dsn", "file:ledger.db").Value.String())
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
}

package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONAndAuditStreams(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("receipt").Debug("hashed", "algorithm", "sha256")
	Audit().Info("receipt issued", "receipt_id", "abc")
	require.NoError(t, Sync())

	content, err := os.ReadFile(appLog)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry))
	assert.Equal(t, "receipt", entry["component"])
	assert.Equal(t, "sha256", entry["algorithm"])

	audit, err := os.ReadFile(auditLog)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"receipt_id":"abc"`)
	assert.Contains(t, string(audit), `"stream":"audit"`)
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}

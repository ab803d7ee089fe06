package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteguard/internal/kdf"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, kdf.DefaultParams(), cfg.KDF.Params())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`
version = 1

[logging]
level = "debug"
format = "json"

[kdf]
memory_kib = 131072
iterations = 4
parallelism = 2

[fast_unlock]
enabled = true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, uint32(131072), cfg.KDF.MemoryKiB)
	assert.True(t, cfg.FastUnlock.Enabled)
}

func TestLoadRejectsWeakKDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`
version = 1

[kdf]
memory_kib = 1024
iterations = 3
parallelism = 4
`), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, kdf.ErrWeakParameters)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOTEGUARD_LOG_LEVEL", "error")
	t.Setenv("NOTEGUARD_WORKSPACE", "/tmp/ws")

	cfg, err := Load(filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "/tmp/ws", cfg.Workspace.Root)
}

func TestValidateRejectsUnknownLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestVaultMetaRoundTrip(t *testing.T) {
	meta := NewVaultMeta("v1", "Personal")
	raw, err := EncodeVaultMeta(meta)
	require.NoError(t, err)

	got, err := ParseVaultMeta(raw)
	require.NoError(t, err)
	assert.Equal(t, meta.VaultID, got.VaultID)
	assert.Equal(t, meta.Name, got.Name)
	assert.Equal(t, CipherXChaCha20Poly1305, got.Cipher)
}

func TestVaultMetaRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing fields", `{"version": 1}`},
		{"wrong cipher", `{"version":1,"vault_id":"v1","name":"n","cipher":"aes-gcm","created_at":"2026-01-01T00:00:00Z"}`},
		{"unknown field", `{"version":1,"vault_id":"v1","name":"n","cipher":"xchacha20poly1305","created_at":"2026-01-01T00:00:00Z","extra":true}`},
		{"bad version", `{"version":2,"vault_id":"v1","name":"n","cipher":"xchacha20poly1305","created_at":"2026-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVaultMeta([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

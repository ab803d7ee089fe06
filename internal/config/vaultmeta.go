package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// VaultMetaFileName is the plaintext descriptor inside a vault
// directory. It carries no secrets and no note data, only enough for a
// client to recognize the vault and pick the right primitives.
const VaultMetaFileName = ".vault-meta.json"

// VaultMeta describes one vault.
type VaultMeta struct {
	Version   int       `json:"version"`
	VaultID   string    `json:"vault_id"`
	Name      string    `json:"name"`
	Cipher    string    `json:"cipher"`
	CreatedAt time.Time `json:"created_at"`
}

// CipherXChaCha20Poly1305 is the only cipher this version writes.
const CipherXChaCha20Poly1305 = "xchacha20poly1305"

const vaultMetaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "vault_id", "name", "cipher", "created_at"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "minimum": 1, "maximum": 1},
    "vault_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "cipher": {"const": "xchacha20poly1305"},
    "created_at": {"type": "string", "format": "date-time"}
  }
}`

var (
	vaultMetaOnce     sync.Once
	vaultMetaCompiled *jsonschema.Schema
	vaultMetaErr      error
)

func vaultMetaSchemaCompiled() (*jsonschema.Schema, error) {
	vaultMetaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("vault-meta.schema.json", bytes.NewReader([]byte(vaultMetaSchema))); err != nil {
			vaultMetaErr = err
			return
		}
		vaultMetaCompiled, vaultMetaErr = compiler.Compile("vault-meta.schema.json")
	})
	return vaultMetaCompiled, vaultMetaErr
}

// ParseVaultMeta validates raw against the schema and decodes it. A
// descriptor another client wrote with unknown fields or a different
// cipher is rejected here rather than half-understood.
func ParseVaultMeta(raw []byte) (*VaultMeta, error) {
	schema, err := vaultMetaSchemaCompiled()
	if err != nil {
		return nil, fmt.Errorf("config: compile vault meta schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("config: parse vault meta: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("config: invalid vault meta: %w", err)
	}

	var meta VaultMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("config: parse vault meta: %w", err)
	}
	return &meta, nil
}

// EncodeVaultMeta serializes a descriptor for writing.
func EncodeVaultMeta(meta *VaultMeta) ([]byte, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("config: encode vault meta: %w", err)
	}
	return data, nil
}

// NewVaultMeta builds a descriptor for a freshly created vault.
func NewVaultMeta(vaultID, name string) *VaultMeta {
	return &VaultMeta{
		Version:   1,
		VaultID:   vaultID,
		Name:      name,
		Cipher:    CipherXChaCha20Poly1305,
		CreatedAt: time.Now().UTC(),
	}
}

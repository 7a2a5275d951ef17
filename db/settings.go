package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/onnwee/streambot/crypto"
	"github.com/onnwee/streambot/settings"
)

// secretPrefix marks settings encrypted at rest when an encryption key
// is configured.
const secretPrefix = "secrets/"

// SettingsDAO persists settings rows. Implements settings.Persister.
type SettingsDAO struct {
	DB *sql.DB
}

// NewSettingsDAO wraps an open connection.
func NewSettingsDAO(db *sql.DB) *SettingsDAO { return &SettingsDAO{DB: db} }

func isSecret(key string) bool { return strings.HasPrefix(key, secretPrefix) }

// LoadAll reads every settings row, decrypting secret values. A row that
// cannot be decrypted fails the whole load: starting with silently
// missing secrets is worse than not starting.
func (d *SettingsDAO) LoadAll(ctx context.Context) (map[string]settings.Value, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value, encrypted FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]settings.Value)
	for rows.Next() {
		var key string
		var raw []byte
		var encrypted bool
		if err := rows.Scan(&key, &raw, &encrypted); err != nil {
			return nil, fmt.Errorf("scan settings row: %w", err)
		}
		if encrypted {
			raw, err = d.decrypt(key, raw)
			if err != nil {
				return nil, err
			}
		}
		v, err := settings.RawValue(raw)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return out, nil
}

// Save upserts one settings row, encrypting secret values when a key is
// configured.
func (d *SettingsDAO) Save(ctx context.Context, key string, v settings.Value) error {
	raw := []byte(v.Raw())
	encrypted := false
	if isSecret(key) {
		enc, err := getEncryptor()
		if err != nil {
			return err
		}
		if enc != nil {
			ct, err := crypto.EncryptString(enc, string(raw))
			if err != nil {
				return fmt.Errorf("encrypt setting %s: %w", key, err)
			}
			// The ciphertext goes into the JSONB column as a JSON string.
			raw, err = json.Marshal(ct)
			if err != nil {
				return err
			}
			encrypted = true
		}
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, encrypted = $3, updated_at = NOW()`,
		key, raw, encrypted)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// Delete removes one settings row. Absent keys are not an error.
func (d *SettingsDAO) Delete(ctx context.Context, key string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

func (d *SettingsDAO) decrypt(key string, raw []byte) ([]byte, error) {
	enc, err := getEncryptor()
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("setting %s is encrypted but ENCRYPTION_KEY is not set", key)
	}
	var ct string
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, fmt.Errorf("setting %s: malformed ciphertext envelope: %w", key, err)
	}
	pt, err := crypto.DecryptString(enc, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt setting %s: %w", key, err)
	}
	return []byte(pt), nil
}

var _ settings.Persister = (*SettingsDAO)(nil)

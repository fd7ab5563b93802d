package secrets

import (
	"encoding/json"

	"github.com/rendis/conex/pkg/schema"
)

// Vault decrypts connection secrets for the lifetime of one run.
// Credentials are encrypted at rest (AES-256-GCM) and only exist in clear
// text in process memory.
type Vault interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(blob string) ([]byte, error)
}

// ConnectionRecord is the caller-owned, encrypted form of a connection.
type ConnectionRecord struct {
	ID                   string `json:"id"`
	Type                 string `json:"type,omitempty"`
	EncryptedCredentials string `json:"encryptedCredentials"`
}

// DecryptCredentials decrypts blob and decodes it as a credential object.
func DecryptCredentials(v Vault, blob string) (Credentials, error) {
	plain, err := v.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, schema.NewError(schema.ErrCodeDecryption, "decrypted credentials are not a JSON object")
	}
	if creds == nil {
		creds = Credentials{}
	}
	return creds, nil
}

// DecryptConnections decrypts every record, keyed by connection id.
// It stops at the first failure; the blob itself is never echoed.
func DecryptConnections(v Vault, records []ConnectionRecord) (map[string]Credentials, error) {
	out := make(map[string]Credentials, len(records))
	for _, rec := range records {
		creds, err := DecryptCredentials(v, rec.EncryptedCredentials)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDecryption,
				"failed to decrypt connection %q", rec.ID).WithCause(err)
		}
		out[rec.ID] = creds
	}
	return out, nil
}

// EncryptCredentials is the provisioning-side dual of DecryptCredentials.
func EncryptCredentials(v Vault, creds Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "encode credentials: %s", err.Error())
	}
	return v.Encrypt(raw)
}

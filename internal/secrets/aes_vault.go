package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rendis/conex/pkg/schema"
)

const (
	keySize = 32
	ivSize  = 16
	tagSize = 16
)

// VaultConfig configures the AES vault key.
// Provide one of HexKey (64 hex chars), MasterKey (raw 32 bytes) or
// Passphrase + Salt.
type VaultConfig struct {
	HexKey     string // CONNECTIONS_ENCRYPTION_KEY form
	MasterKey  []byte // raw 32-byte key
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault implements Vault with AES-256-GCM and a 16-byte IV.
// Blob layout: hex(IV ‖ tag ‖ ciphertext).
type AESVault struct {
	aead cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault creates a vault from cfg. A missing key is an error.
func NewAESVault(cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if cfg.HexKey != "" {
		key, err := hex.DecodeString(strings.TrimSpace(cfg.HexKey))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "encryption key must be hex encoded")
		}
		if len(key) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"encryption key must be %d bytes, got %d", keySize, len(key))
		}
		return key, nil
	}
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "encryption key is not configured")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

// Encrypt seals plaintext under a fresh random IV.
func (v *AESVault) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	// Seal yields ciphertext ‖ tag; the wire layout puts the tag first.
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt.
func (v *AESVault) Decrypt(blob string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(blob))
	if err != nil || len(raw) < ivSize+tagSize {
		return nil, schema.NewError(schema.ErrCodeDecryption, "invalid encrypted data format")
	}
	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ct := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDecryption, "authentication failed").WithCause(err)
	}
	return plaintext, nil
}

// Package vault implements authenticated symmetric encryption of secrets
// at rest: host passwords, private keys, key passphrases,
// sudo passwords, and notification-channel provider secrets.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize        = 32 // AES-256
	nonceSize      = 12
	pbkdf2Iters    = 480_000
	saltFileMode   = 0o600
	legacySaltSeed = "ludash-legacy-salt-v1"
)

// Vault encrypts and decrypts secrets with AES-256-GCM. It holds no
// package-level state; callers construct one at boot and pass it
// explicitly to the components that need it (store, notify).
type Vault struct {
	key             []byte
	saltJustCreated bool
}

// New builds a Vault from configured key material. If rawKey base64-decodes
// to exactly 32 bytes it is used verbatim as the AES key; otherwise rawKey
// is treated as a passphrase and run through PBKDF2-HMAC-SHA256 against the
// salt persisted at saltPath (created on first use).
func New(rawKey, saltPath string) (*Vault, error) {
	if decoded, err := base64.StdEncoding.DecodeString(rawKey); err == nil && len(decoded) == keySize {
		return &Vault{key: decoded}, nil
	}

	salt, created, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, fmt.Errorf("vault: load salt: %w", err)
	}
	key := pbkdf2.Key([]byte(rawKey), salt, pbkdf2Iters, keySize, sha256.New)
	return &Vault{key: key, saltJustCreated: created}, nil
}

// JustRotatedSalt reports whether New minted a brand-new salt file, which
// is the trigger condition for the legacy-salt migration routine run once
// at startup.
func (v *Vault) JustRotatedSalt() bool { return v.saltJustCreated }

func loadOrCreateSalt(path string) (salt []byte, created bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, false, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create salt dir: %w", err)
	}
	if err := os.WriteFile(path, salt, saltFileMode); err != nil {
		return nil, false, fmt.Errorf("write salt: %w", err)
	}
	return salt, true, nil
}

// LegacySalt returns the fixed salt used before per-instance salts existed,
// for the one-shot re-encryption migration.
func LegacySalt() []byte {
	return []byte(legacySaltSeed + "00000000") // 29 bytes, fixed
}

// Encrypt returns a base64 token: nonce || ciphertext+tag.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return decryptWithKey(v.key, raw)
}

// decryptWithKey is split out so the migration routine can decrypt with
// the legacy key without constructing a second Vault.
func decryptWithKey(key, raw []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// DecryptLegacy decrypts a token that was sealed under the fixed
// pre-migration salt, deriving the legacy key from the same passphrase.
func DecryptLegacy(passphrase, token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	legacyKey := pbkdf2.Key([]byte(passphrase), LegacySalt(), pbkdf2Iters, keySize, sha256.New)
	return decryptWithKey(legacyKey, raw)
}

// ConstantTimeEqual compares two tokens without leaking timing information
// through the comparison.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

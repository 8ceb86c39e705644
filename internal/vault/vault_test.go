package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	v, err := New("correct horse battery staple", filepath.Join(dir, "db.sqlite.salt"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte("hunter2-super-secret-password")

	token, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := v.Decrypt(token)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte("same plaintext twice")

	t1, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	t2, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if t1 == t2 {
		t.Error("expected distinct ciphertexts for identical plaintext (random nonce)")
	}
}

func TestNewWithRaw32ByteKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, keySize)
	encoded := base64.StdEncoding.EncodeToString(raw)

	v, err := New(encoded, filepath.Join(t.TempDir(), "unused.salt"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v.saltJustCreated {
		t.Error("raw key path should not create a salt file")
	}
	if !bytes.Equal(v.key, raw) {
		t.Error("expected raw key used verbatim")
	}
}

func TestSaltFileIsPersistedAndReused(t *testing.T) {
	dir := t.TempDir()
	saltPath := filepath.Join(dir, "db.salt")

	v1, err := New("a passphrase", saltPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !v1.JustRotatedSalt() {
		t.Fatal("expected salt to be freshly created")
	}

	info, err := os.Stat(saltPath)
	if err != nil {
		t.Fatalf("stat salt file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected salt file mode 0600, got %o", info.Mode().Perm())
	}

	v2, err := New("a passphrase", saltPath)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if v2.JustRotatedSalt() {
		t.Error("expected second load to reuse the existing salt file")
	}
	if !bytes.Equal(v1.key, v2.key) {
		t.Error("expected same passphrase+salt to derive the same key")
	}
}

func TestDecryptLegacyMigration(t *testing.T) {
	passphrase := "legacy passphrase"

	// Encrypt under the legacy fixed salt directly, then verify DecryptLegacy recovers it.
	legacyKey := pbkdf2.Key([]byte(passphrase), LegacySalt(), pbkdf2Iters, keySize, sha256.New)
	legacyVault := &Vault{key: legacyKey}
	token, err := legacyVault.Encrypt([]byte("old secret"))
	if err != nil {
		t.Fatalf("Encrypt under legacy key: %v", err)
	}

	got, err := DecryptLegacy(passphrase, token)
	if err != nil {
		t.Fatalf("DecryptLegacy: %v", err)
	}
	if string(got) != "old secret" {
		t.Errorf("got %q want %q", got, "old secret")
	}
}

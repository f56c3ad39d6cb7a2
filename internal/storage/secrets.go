package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/skywang16/orbitx/internal/errdef"
)

// Argon2id parameters for deriving the process encryption key from the
// master password. Fixed so existing rows stay decryptable.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = chacha20poly1305.KeySize
)

// SecretBox encrypts sensitive columns (API keys) at rest. The key lives in a
// read-write cell: SetMasterPassword is the only mutation, encrypt/decrypt
// hold read guards only for the duration of one operation. Plaintext secrets
// never touch disk.
type SecretBox struct {
	mu   sync.RWMutex
	key  []byte
	salt []byte
}

// NewSecretBox creates a locked box. salt is per-scope and stable; derive it
// from the scope root so the same password yields the same key per install.
func NewSecretBox(scopeID string) *SecretBox {
	sum := sha256.Sum256([]byte("orbitx-secret-salt:" + scopeID))
	return &SecretBox{salt: sum[:16]}
}

// SetMasterPassword derives the encryption key. Passing an empty password
// locks the box again.
func (s *SecretBox) SetMasterPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if password == "" {
		s.key = nil
		return
	}
	s.key = argon2.IDKey([]byte(password), s.salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

// Unlocked reports whether a key is present.
func (s *SecretBox) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// Encrypt seals plaintext with a fresh random nonce. Output is
// base64(nonce || ciphertext), safe to store in a TEXT column.
func (s *SecretBox) Encrypt(plaintext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return "", errdef.New(errdef.KindPermission, "secret store is locked")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errdef.Wrap(err, errdef.KindSystem, "init cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errdef.Wrap(err, errdef.KindSystem, "generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. A wrong key or tampered value
// yields Permission, never a panic; callers treat that as "sensitive column
// unreadable" and keep the repository read-only for those fields.
func (s *SecretBox) Decrypt(encoded string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return "", errdef.New(errdef.KindPermission, "secret store is locked")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errdef.Wrap(err, errdef.KindSerialization, "decode secret")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errdef.Wrap(err, errdef.KindSystem, "init cipher")
	}
	if len(raw) < aead.NonceSize() {
		return "", errdef.New(errdef.KindPermission, "secret value truncated")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errdef.New(errdef.KindPermission, "secret decryption failed")
	}
	return string(plain), nil
}

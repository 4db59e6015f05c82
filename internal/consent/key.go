package consent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyDestroyed is returned by Seal/Open after the key has been scrubbed.
var ErrKeyDestroyed = errors.New("consent: key destroyed")

// keyInfo binds derived keys to this protocol so the same session id used by
// another application yields a different key.
const keyInfo = "peercall/signaling/v1"

// Key is a session-scoped symmetric key.  Both endpoints derive the same key
// independently from the shared session id, so it is never transmitted.
//
// The derivation proves nothing about who holds it: anyone who knows the
// session id can derive the key.  It protects signaling payloads from the
// relay operator, not from an endpoint impersonator; an authenticated key
// exchange with confirmation would be the production upgrade.
type Key struct {
	mu        sync.Mutex
	material  []byte
	destroyed bool
}

// DeriveKey derives the session key with HKDF-SHA256.  Deterministic: the same
// sessionID always yields the same key on every endpoint.
func DeriveKey(sessionID string) (*Key, error) {
	if sessionID == "" {
		return nil, errors.New("consent: empty session id")
	}
	r := hkdf.New(sha256.New, []byte(sessionID), nil, []byte(keyInfo))
	material := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Key{material: material}, nil
}

// Seal encrypts a JSON-encodable payload.  Output is nonce || ciphertext.
func (k *Key) Seal(payload any) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil, ErrKeyDestroyed
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	aead, err := chacha20poly1305.NewX(k.material)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts sealed data into out.  Tampered or foreign ciphertext fails
// authentication and is reported as an error.
func (k *Key) Open(sealed []byte, out any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return ErrKeyDestroyed
	}

	aead, err := chacha20poly1305.NewX(k.material)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return errors.New("open: sealed data too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	return json.Unmarshal(plain, out)
}

// Destroy zeroes the key material.  Idempotent; part of the mandatory call-end
// cleanup sequence.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.material {
		k.material[i] = 0
	}
	k.material = nil
	k.destroyed = true
}

// Destroyed reports whether the key material has been scrubbed.
func (k *Key) Destroyed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.destroyed
}

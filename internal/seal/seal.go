// Package seal encrypts proctoring log records at rest with an AEAD keyed
// from the service master key.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the required master key length in bytes (256 bits).
const KeySize = 32

const (
	version    byte = 1
	recordInfo      = "exstem-proctor/event-log/v1"
)

var (
	ErrInvalidKey = errors.New("seal: master key must be 32 bytes")
	ErrDecrypt    = errors.New("seal: record authentication failed")
)

// Cipher seals and opens individual records. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// ParseHexKey decodes a hex master key and checks its length.
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// New derives the record key from master with HKDF-SHA256.
func New(master []byte) (*Cipher, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte(recordInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext bound to ad. The output layout is
// version | nonce | ciphertext+tag; every call uses a fresh random nonce.
func (c *Cipher) Seal(plaintext, ad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+c.aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1 : 1+ns]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return c.aead.Seal(out, out[1:1+ns], plaintext, ad), nil
}

// Open reverses Seal. Any tampering, truncation or wrong ad yields
// ErrDecrypt.
func (c *Cipher) Open(sealed, ad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < 1+ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: record too short", ErrDecrypt)
	}
	if sealed[0] != version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrDecrypt, sealed[0])
	}
	plain, err := c.aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// GenerateKey returns a random master key in hex, suitable for
// ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

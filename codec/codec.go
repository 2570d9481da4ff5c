// Package codec implements the authenticated symmetric cipher used to
// encrypt certificate payloads before they are handed to the orchestrator,
// per SPEC_FULL.md §4.1. The key is process-wide, loaded once at startup,
// and never rotated.
package codec

import (
	"crypto/rand"
	"encoding/pem"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// nonceSize is XChaCha20-Poly1305's extended nonce length; a 24-byte nonce
// is large enough to pick uniformly at random per call without a
// birthday-bound collision risk over the service's lifetime.
const nonceSize = chacha20poly1305.NonceSizeX

// Cipher encrypts and decrypts certificate payloads with a process-wide
// symmetric key.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// LoadKeyFile reads a PEM-encoded symmetric key from path and constructs a
// Cipher. Rotating the key is out of scope: it would invalidate every
// certificate already encrypted for the orchestrator.
func LoadKeyFile(path string) (*Cipher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ierrors.InternalServerError("failed to open key file: %s", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ierrors.InternalServerError("failed to parse pem file")
	}
	return New(block.Bytes)
}

// New constructs a Cipher directly from raw key bytes.
func New(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ierrors.InternalServerError("failed to init symmetric key: %s", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a freshly random nonce and returns both.
func (c *Cipher) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, ierrors.InternalServerError("failed to read random nonce: %s", err)
	}
	ciphertext = c.aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext under nonce. A tag mismatch (including any
// single-bit corruption of ciphertext or nonce) is reported as an
// ierrors.Integrity error, never silently returned as partial plaintext.
func (c *Cipher) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, ierrors.IntegrityError("invalid nonce length %d", len(nonce))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ierrors.IntegrityError("certificate payload failed integrity check: %s", err)
	}
	return plaintext, nil
}

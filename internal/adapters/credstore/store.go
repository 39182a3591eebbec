// Package credstore encrypts long-lived platform refresh tokens at rest.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"replypilot/internal/domain"
)

const keyInfo = "replypilot/credential-store/v1"

// Cipher seals and opens credentials with AES-256-GCM. The key is derived
// from the server secret with HKDF-SHA256; ciphertext is base64(nonce||sealed).
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("credential secret is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, domain.ErrCrypto
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.ErrCrypto
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.ErrCrypto
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", domain.ErrCrypto
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt never wraps the underlying error: GCM failures say nothing useful
// and the raw input must not end up in logs.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", domain.ErrCrypto
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", domain.ErrCrypto
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", domain.ErrCrypto
	}
	return string(plain), nil
}

type tokenSource interface {
	EncryptedRefreshToken(ctx context.Context, accountID int64) (string, error)
}

// Store resolves an account's refresh token, decrypting on every call.
type Store struct {
	repo   tokenSource
	cipher *Cipher
}

func New(repo tokenSource, c *Cipher) *Store {
	return &Store{repo: repo, cipher: c}
}

func (s *Store) RefreshToken(ctx context.Context, accountID int64) (string, error) {
	enc, err := s.repo.EncryptedRefreshToken(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("account %d: %w", accountID, domain.ErrNoCredential)
		}
		return "", err
	}
	tok, err := s.cipher.Decrypt(enc)
	if err != nil {
		return "", fmt.Errorf("account %d: %w", accountID, err)
	}
	return tok, nil
}

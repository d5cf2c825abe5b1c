package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Ошибки шифрования
var (
	ErrEmptySecret        = errors.New("encryption secret must not be empty")
	ErrShortSecret        = errors.New("encryption secret must be at least 16 bytes")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

const (
	keySize = 32 // AES-256

	hkdfSalt = "tradebridge/token-store/v1"
)

// DeriveKey выводит 32-байтный ключ AES-256 из секрета через HKDF-SHA256
//
// purpose разделяет ключи для разных назначений при одном секрете.
func DeriveKey(secret, purpose string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if len(secret) < 16 {
		return nil, ErrShortSecret
	}

	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// TokenCipher шифрует токены брокера перед записью в БД (AES-256-GCM)
//
// Формат: base64(nonce || ciphertext || tag).
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher создает шифр из секрета конфигурации
func NewTokenCipher(secret string) (*TokenCipher, error) {
	key, err := DeriveKey(secret, "broker-tokens")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// Seal шифрует plaintext. Пустая строка остается пустой.
func (c *TokenCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open расшифровывает значение, полученное от Seal
func (c *TokenCipher) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", ErrCiphertextTooShort
	}

	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

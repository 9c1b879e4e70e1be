// Package crypto implements authenticated encryption of individual monetary
// values stored in the contract ledger.
//
// A value is sealed with AES-256-GCM under a 128-bit random nonce and encoded
// as the cipher triple
//
//	<nonceHex>:<authTagHex>:<cipherHex>
//
// Encrypting the same plaintext twice yields different triples.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 16
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	delimiter = ":"
)

var (
	ErrInvalidKey           = errors.New("encryption key must be 64 hex characters (32 bytes)")
	ErrEmptyPlaintext       = errors.New("plaintext must not be empty")
	ErrMalformedCiphertext  = errors.New("malformed ciphertext: expected nonce:tag:ciphertext")
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")
)

var fingerprintInfo = []byte("contract-ledger-key-fingerprint")

// AmountCipher seals and opens cipher triples. It holds no mutable state and
// is safe for concurrent use.
type AmountCipher struct {
	aead        cipher.AEAD
	fingerprint string
}

// ParseKey decodes a 64 character hex key.
func ParseKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if len(value) != KeySize*2 {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// GenerateKey returns a fresh random key in hex form.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// NewAmountCipher builds a cipher from a 32 byte key.
func NewAmountCipher(key []byte) (*AmountCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	fp, err := deriveFingerprint(key)
	if err != nil {
		return nil, err
	}
	return &AmountCipher{aead: aead, fingerprint: fp}, nil
}

// NewAmountCipherFromHex parses the key and builds the cipher.
func NewAmountCipherFromHex(value string) (*AmountCipher, error) {
	key, err := ParseKey(value)
	if err != nil {
		return nil, err
	}
	return NewAmountCipher(key)
}

// Fingerprint identifies the key without revealing it.
func (c *AmountCipher) Fingerprint() string {
	return c.fingerprint
}

// Encrypt seals plaintext into a cipher triple.
func (c *AmountCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(body),
	}, delimiter), nil
}

// Decrypt opens a cipher triple. Shape problems are reported as
// ErrMalformedCiphertext before any cryptographic work, and tag mismatches as
// ErrAuthenticationFailed.
func (c *AmountCipher) Decrypt(triple string) (string, error) {
	nonce, tag, body, err := splitTriple(triple)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

// EncryptDecimal seals a decimal amount.
func (c *AmountCipher) EncryptDecimal(d decimal.Decimal) (string, error) {
	return c.Encrypt(d.String())
}

// DecryptDecimal opens a cipher triple holding a decimal amount.
func (c *AmountCipher) DecryptDecimal(triple string) (decimal.Decimal, error) {
	plain, err := c.Decrypt(triple)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(plain)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode decrypted amount: %w", err)
	}
	return d, nil
}

func splitTriple(triple string) (nonce, tag, body []byte, err error) {
	parts := strings.Split(triple, delimiter)
	if len(parts) != 3 {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	for _, p := range parts {
		if p == "" {
			return nil, nil, nil, ErrMalformedCiphertext
		}
	}
	if len(parts[0]) != NonceSize*2 || len(parts[1]) != TagSize*2 {
		return nil, nil, nil, ErrMalformedCiphertext
	}

	if nonce, err = hex.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	if body, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	return nonce, tag, body, nil
}

func deriveFingerprint(key []byte) (string, error) {
	reader := hkdf.New(sha256.New, key, nil, fingerprintInfo)
	out := make([]byte, 8)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("derive key fingerprint: %w", err)
	}
	return hex.EncodeToString(out), nil
}

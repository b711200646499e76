package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	sealerTime    = 1
	sealerMemory  = 19 * 1024
	sealerThreads = 2
	sealerKeyLen  = 32
)

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Sealer encrypts small secrets (external system credentials) with AES-256-GCM
// under a key derived from a configured passphrase with Argon2id.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase is required")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("crypto: salt must be at least 16 bytes (got %d)", len(salt))
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), sealerTime, sealerMemory, sealerThreads, sealerKeyLen)
	return newSealerWithKey(key)
}

func newSealerWithKey(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

func (s *Sealer) Open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	size := s.aead.NonceSize()
	if len(data) < size {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, data[:size], data[size:], nil)
}

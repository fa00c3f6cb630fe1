package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"chatsync/internal/constants"
	"chatsync/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

// encryptor seals local store values with AES-GCM. A nil gcm means
// encryption is off and values pass through unchanged.
type encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor reads the encryption switches from the environment
func NewEncryptor() (*encryptor, error) {
	if !isEncryptionEnabled() {
		return &encryptor{gcm: nil}, nil
	}
	return newEncryptorWithSecret(os.Getenv(constants.EnvEncryptionSecret))
}

func newEncryptorWithSecret(secret string) (*encryptor, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || e.gcm == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < models.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when encryption is enabled", constants.EnvEncryptionSecret)
	}
	if len(secret) < constants.MinEncryptionSecret {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinEncryptionSecret)
	}

	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), models.Iterations, models.KeySize, sha256.New), nil
}

// EncryptForLookup produces the same ciphertext for the same plaintext so
// encrypted storage keys can be used in WHERE clauses.
// #nosec G407 - deterministic nonce is required for lookups
func (e *encryptor) EncryptForLookup(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	hash := sha256.Sum256([]byte(plaintext + constants.EncryptionLookupSalt))
	nonce := hash[:models.NonceSize]

	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func (e *encryptor) EncryptIfEnabled(plaintext string) (string, error) {
	if e.gcm == nil {
		return plaintext, nil
	}
	return e.Encrypt(plaintext)
}

func (e *encryptor) EncryptForLookupIfEnabled(plaintext string) (string, error) {
	if e.gcm == nil {
		return plaintext, nil
	}
	return e.EncryptForLookup(plaintext)
}

func (e *encryptor) DecryptIfEnabled(ciphertext string) (string, error) {
	if e.gcm == nil {
		return ciphertext, nil
	}
	return e.Decrypt(ciphertext)
}

func isEncryptionEnabled() bool {
	return os.Getenv(constants.EnvEnableEncryption) == "true"
}

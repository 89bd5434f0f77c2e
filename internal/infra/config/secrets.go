package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const encPrefix = "ENC["

// EncryptValue encrypts a secret for storage in the config file. The result
// is wrapped in an ENC[...] marker so Load knows to decrypt it.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: ENC[hex(salt) + ":" + hex(nonce+ciphertext)]
	return encPrefix + hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext) + "]", nil
}

// DecryptValue reverses EncryptValue. The input must include the ENC[...]
// marker.
func DecryptValue(encrypted, passphrase string) (string, error) {
	if !strings.HasPrefix(encrypted, encPrefix) || !strings.HasSuffix(encrypted, "]") {
		return "", fmt.Errorf("missing ENC[] marker")
	}
	encrypted = strings.TrimSuffix(strings.TrimPrefix(encrypted, encPrefix), "]")

	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// decryptSecrets walks provider API keys and decrypts any ENC[...] values.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Providers {
		key := cfg.Providers[i].APIKey
		if !strings.HasPrefix(key, encPrefix) {
			continue
		}
		plain, err := DecryptValue(key, passphrase)
		if err != nil {
			return fmt.Errorf("provider %q api_key: %w", cfg.Providers[i].Name, err)
		}
		cfg.Providers[i].APIKey = plain
	}
	return nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

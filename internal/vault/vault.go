// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rapidaai/voice-core/pkg/commons"
)

// keyLength is the AES-256 key size. Startup refuses shorter keys.
const keyLength = 32

// Vault encrypts provider credentials at rest with AES-256-CBC. The stored
// format is exactly hex(iv):hex(ciphertext) with a random 16-byte IV per
// encryption — no headers, no versioning.
//
// Plaintext never leaves the vault except into a provider driver instance.
// The vault is stateless and safe for concurrent use.
type Vault struct {
	logger commons.Logger
	key    []byte
}

// NewVault creates the process-wide credential vault. The key must be at
// least 32 bytes; longer keys are truncated to the first 32.
func NewVault(logger commons.Logger, key string) (*Vault, error) {
	logger.Infof("credential vault initializing with key length %d", len(key))
	if len(key) < keyLength {
		return nil, fmt.Errorf("credential vault key must be at least %d bytes, got %d", keyLength, len(key))
	}
	return &Vault{
		logger: logger,
		key:    []byte(key)[:keyLength],
	}, nil
}

// Encrypt encrypts a plaintext field into the hex(iv):hex(ct) format.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. It rejects payloads that are not exactly
// hex(iv):hex(ct) with a full-block IV and block-aligned ciphertext.
func (v *Vault) Decrypt(payload string) (string, error) {
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed vault payload: missing iv separator")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed vault payload iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("malformed vault payload: iv length %d", len(iv))
	}

	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed vault payload ciphertext: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("malformed vault payload: ciphertext length %d", len(ct))
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("failed to unpad vault payload: %w", err)
	}
	return string(unpadded), nil
}

// EncryptMap encrypts every value of a credential bag, field by field.
func (v *Vault) EncryptMap(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, val := range fields {
		enc, err := v.Encrypt(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential field %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptMap decrypts every value of a stored credential bag.
func (v *Vault) DecryptMap(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, val := range fields {
		dec, err := v.Decrypt(val)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential field %s: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}

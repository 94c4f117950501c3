// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sigcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// IVSize is the AES-GCM nonce size used on the wire.
const IVSize = 16

// sealSeparator splits the IV list from the ciphertext.
const sealSeparator = "$"

// hkdfInfoSignaling provides domain separation for the signaling key.
// Changing it makes every peer on the old value unable to decrypt.
var hkdfInfoSignaling = []byte("meshroom.signaling.v1")

// ErrMalformed is returned when a sealed string does not have the
// iv$ciphertext shape.
var ErrMalformed = errors.New("malformed sealed payload")

// Key seals and opens session descriptions for one room. Safe for
// concurrent use.
type Key struct {
	aead cipher.AEAD
}

// DeriveKey derives the signaling key for a room. An empty password is
// valid and yields a key shared by everyone who knows the app and room
// ids.
func DeriveKey(password, appID, roomID string) (*Key, error) {
	salt := []byte(TopicPath(appID, roomID))
	reader := hkdf.New(sha256.New, []byte(password), salt, hkdfInfoSignaling)

	keyBytes := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, keyBytes); err != nil {
		return nil, fmt.Errorf("deriving signaling key: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("creating AES-GCM: %w", err)
	}
	return &Key{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random IV.
func (k *Key) Seal(plaintext string) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}
	ciphertext := k.aead.Seal(nil, iv, []byte(plaintext), nil)

	var builder strings.Builder
	for index, b := range iv {
		if index > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.Itoa(int(b)))
	}
	builder.WriteString(sealSeparator)
	builder.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	return builder.String(), nil
}

// Open decrypts a value produced by Seal. A wrong key surfaces as an
// authentication error from AES-GCM.
func (k *Key) Open(sealed string) (string, error) {
	ivPart, cipherPart, ok := strings.Cut(sealed, sealSeparator)
	if !ok {
		return "", ErrMalformed
	}

	fields := strings.Split(ivPart, ",")
	if len(fields) != IVSize {
		return "", fmt.Errorf("%w: IV has %d bytes, want %d", ErrMalformed, len(fields), IVSize)
	}
	iv := make([]byte, IVSize)
	for index, field := range fields {
		value, err := strconv.ParseUint(field, 10, 8)
		if err != nil {
			return "", fmt.Errorf("%w: IV byte %d: %v", ErrMalformed, index, err)
		}
		iv[index] = byte(value)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cipherPart)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}

	plaintext, err := k.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed payload: %w", err)
	}
	return string(plaintext), nil
}

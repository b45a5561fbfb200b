// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec seals vote payloads into confidential, tamper-evident blobs.
// Payloads are encrypted with XChaCha20-Poly1305 under a key selected by id,
// and a keyed BLAKE2b-256 digest of the plaintext is kept alongside the
// ciphertext so records can be correlated for audit without being decrypted.
package codec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of both encryption and MAC keys
const KeySize = chacha20poly1305.KeySize

var (
	// ErrIntegrity is returned whenever a sealed payload or signature fails
	// verification. Callers must treat it as fatal for the affected record.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrNoActiveKey is returned when encryption is attempted without an active key
	ErrNoActiveKey = errors.New("no active encryption key")
)

// KeyProvider supplies key material to the codec. Implemented by keystore.KeyStore.
type KeyProvider interface {
	// ActiveEncryptionKey returns the key new payloads are sealed with
	ActiveEncryptionKey() (string, []byte, error)
	// EncryptionKey returns the key with the given id, active or not
	EncryptionKey(keyID string) ([]byte, error)
	// MACKey returns the key used for record signatures
	MACKey() ([]byte, error)
}

// Sealed is an encrypted payload together with everything needed to open it
type Sealed struct {
	Ciphertext  []byte
	IV          []byte
	PayloadHash string
	KeyID       string
}

// Codec encrypts, decrypts and signs payloads using keys from a KeyProvider
type Codec struct {
	keys KeyProvider
}

// New returns a Codec backed by the given key provider
func New(keys KeyProvider) *Codec {
	return &Codec{keys: keys}
}

var digestLabel = []byte("ballotd/payload-digest")

// Digest returns the hex encoded keyed BLAKE2b-256 digest of a plaintext
// payload. Equal payloads give equal digests under the same MAC key.
func (c *Codec) Digest(payload []byte) (string, error) {
	sum, err := c.Sign(digestLabel, payload)
	if err != nil {
		return "", fmt.Errorf("payload digest: %w", err)
	}
	return hex.EncodeToString(sum), nil
}

// Encrypt seals a payload with the active key
func (c *Codec) Encrypt(payload []byte) (*Sealed, error) {
	keyID, key, err := c.keys.ActiveEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoActiveKey, err)
	}
	digest, err := c.Digest(payload)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &Sealed{
		Ciphertext:  aead.Seal(nil, iv, payload, []byte(keyID)),
		IV:          iv,
		PayloadHash: digest,
		KeyID:       keyID,
	}, nil
}

// Decrypt opens a sealed payload using the key named by its key id. Any
// authentication failure returns ErrIntegrity and no plaintext.
func (c *Codec) Decrypt(s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrIntegrity)
	}
	key, err := c.keys.EncryptionKey(s.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(s.IV) != aead.NonceSize() {
		return nil, fmt.Errorf(
			"%w: invalid nonce size %d",
			ErrIntegrity,
			len(s.IV),
		)
	}
	plaintext, err := aead.Open(nil, s.IV, s.Ciphertext, []byte(s.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if s.PayloadHash != "" {
		digest, err := c.Digest(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
		if subtle.ConstantTimeCompare([]byte(digest), []byte(s.PayloadHash)) != 1 {
			return nil, fmt.Errorf("%w: payload hash mismatch", ErrIntegrity)
		}
	}
	return plaintext, nil
}

// Sign computes a keyed BLAKE2b-256 MAC over the given parts. Each part is
// length-prefixed so that different splits of the same bytes never collide.
func (c *Codec) Sign(parts ...[]byte) ([]byte, error) {
	key, err := c.keys.MACKey()
	if err != nil {
		return nil, err
	}
	mac, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create MAC: %w", err)
	}
	var lenBuf [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		mac.Write(lenBuf[:])
		mac.Write(part)
	}
	return mac.Sum(nil), nil
}

// Verify checks a signature produced by Sign
func (c *Codec) Verify(sig []byte, parts ...[]byte) error {
	expected, err := c.Sign(parts...)
	if err != nil {
		return err
	}
	if len(sig) != len(expected) ||
		subtle.ConstantTimeCompare(sig, expected) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrIntegrity)
	}
	return nil
}

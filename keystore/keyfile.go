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

package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/univote/ballotd/codec"
	"github.com/univote/ballotd/keystore/sops"
)

// Key file types.
const (
	KeyTypeEncryption = "VoteEncryptionKey_XChaCha20Poly1305"
	KeyTypeMAC        = "VoteMACKey_Blake2b256"
)

// KeyFile is the JSON envelope stored on disk.
type KeyFile struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	KeyID       string `json:"keyId,omitempty"`
	KeyHex      string `json:"keyHex"`

	Key []byte `json:"-"`
}

// loadKeyFromFile loads a key envelope from path, decrypting SOPS envelopes.
// Returns ErrInsecureFileMode if the file has group or other access.
//
// Permissions are checked on the open handle to avoid a race between the
// check and the read.
func loadKeyFromFile(path string) (*KeyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file %q: %w", path, err)
	}
	defer f.Close()

	if err := checkOpenFilePermissions(f); err != nil {
		return nil, err
	}

	const maxKeyFileSize = 1 << 20
	data, err := io.ReadAll(io.LimitReader(f, maxKeyFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %q: %w", path, err)
	}
	if sops.IsEncrypted(data) {
		data, err = sops.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("key file %q: %w", path, err)
		}
	}
	kf, err := parseKeyEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %q: %w", path, err)
	}
	return kf, nil
}

func parseKeyEnvelope(data []byte) (*KeyFile, error) {
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("could not parse key file envelope: %w", err)
	}
	switch kf.Type {
	case KeyTypeEncryption:
		if kf.KeyID == "" {
			return nil, errors.New("encryption key file has no keyId")
		}
	case KeyTypeMAC:
	default:
		return nil, fmt.Errorf("unknown key type: %s", kf.Type)
	}
	key, err := hex.DecodeString(kf.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("could not decode key from hex: %w", err)
	}
	if len(key) != codec.KeySize {
		return nil, fmt.Errorf(
			"%w: expected %d, got %d",
			ErrInvalidKeySize,
			codec.KeySize,
			len(key),
		)
	}
	kf.Key = key
	return &kf, nil
}

// GenerateKey creates a new random key envelope. An empty keyID for an
// encryption key gets a random UUID.
func GenerateKey(keyType, keyID string) (*KeyFile, error) {
	kf := &KeyFile{Type: keyType}
	switch keyType {
	case KeyTypeEncryption:
		if keyID == "" {
			keyID = uuid.NewString()
		}
		kf.KeyID = keyID
		kf.Description = "Vote payload encryption key"
	case KeyTypeMAC:
		kf.Description = "Vote record signing key"
	default:
		return nil, fmt.Errorf("unknown key type: %s", keyType)
	}
	kf.Key = make([]byte, codec.KeySize)
	if _, err := rand.Read(kf.Key); err != nil {
		return nil, err
	}
	kf.KeyHex = hex.EncodeToString(kf.Key)
	return kf, nil
}

// WriteKeyFile writes kf to path with owner-only permissions, optionally
// wrapping it in a SOPS envelope. Existing files are never overwritten.
func WriteKeyFile(path string, kf *KeyFile, sopsEncrypt bool) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if sopsEncrypt {
		data, err = sops.Encrypt(data)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file %q: %w", path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

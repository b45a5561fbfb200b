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

// Package keystore provides key management for vote payload protection.
// It holds the symmetric encryption keys (by key id, so sealed records can
// be opened after rotation) and the MAC key used to sign stored votes.
// A KeyStore is constructed by the process entry point and injected into
// the codec; there is no package level key state.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/univote/ballotd/codec"
)

// Common errors returned by KeyStore operations.
var (
	ErrKeysNotLoaded    = errors.New("keys not loaded")
	ErrMACKeyNotLoaded  = errors.New("MAC key not loaded")
	ErrNoActiveKey      = errors.New("no active encryption key")
	ErrUnknownKeyID     = errors.New("unknown key id")
	ErrDuplicateKeyID   = errors.New("duplicate key id")
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInsecureFileMode = errors.New("insecure file permissions")
)

// Config holds configuration for the KeyStore.
type Config struct {
	// EncryptionKeyPaths lists encryption key files. Every listed key can
	// decrypt, only the active one encrypts.
	EncryptionKeyPaths []string
	// ActiveKeyID selects the encryption key. Defaults to the last key loaded.
	ActiveKeyID string
	// MACKeyPath is the path to the record signing key file.
	MACKeyPath string
	// Logger for keystore events.
	Logger *slog.Logger
}

// KeyStore manages vote encryption and signing keys.
type KeyStore struct {
	config Config
	logger *slog.Logger

	mu          sync.RWMutex
	encKeys     map[string][]byte
	keyOrder    []string
	activeKeyID string
	macKey      []byte
}

var _ codec.KeyProvider = (*KeyStore)(nil)

// New creates a new KeyStore with the given configuration.
func New(config Config) *KeyStore {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &KeyStore{
		config:  config,
		logger:  config.Logger.With("component", "keystore"),
		encKeys: make(map[string][]byte),
	}
}

// LoadFromFiles loads all keys from the configured file paths.
// Security: key files must not be readable by group or other.
func (ks *KeyStore) LoadFromFiles() error {
	if len(ks.config.EncryptionKeyPaths) == 0 {
		return fmt.Errorf("%w: no encryption key files configured", ErrKeysNotLoaded)
	}
	for _, path := range ks.config.EncryptionKeyPaths {
		kf, err := loadKeyFromFile(path)
		if err != nil {
			return fmt.Errorf("failed to load encryption key: %w", err)
		}
		if kf.Type != KeyTypeEncryption {
			return fmt.Errorf(
				"key file %q: expected %s, got %s",
				path,
				KeyTypeEncryption,
				kf.Type,
			)
		}
		if err := ks.AddEncryptionKey(kf.KeyID, kf.Key); err != nil {
			return fmt.Errorf("key file %q: %w", path, err)
		}
	}
	if ks.config.MACKeyPath != "" {
		kf, err := loadKeyFromFile(ks.config.MACKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load MAC key: %w", err)
		}
		if kf.Type != KeyTypeMAC {
			return fmt.Errorf(
				"key file %q: expected %s, got %s",
				ks.config.MACKeyPath,
				KeyTypeMAC,
				kf.Type,
			)
		}
		if err := ks.SetMACKey(kf.Key); err != nil {
			return err
		}
	}
	if ks.config.ActiveKeyID != "" {
		if err := ks.SetActiveKey(ks.config.ActiveKeyID); err != nil {
			return err
		}
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ks.logger.Info(
		"vote keys loaded",
		"key_ids", ks.keyOrder,
		"active_key_id", ks.activeKeyID,
		"mac_key", ks.macKey != nil,
	)
	return nil
}

// AddEncryptionKey registers an encryption key. The most recently added key
// becomes active unless an active key was explicitly selected.
func (ks *KeyStore) AddEncryptionKey(keyID string, key []byte) error {
	if keyID == "" {
		return errors.New("empty key id")
	}
	if len(key) != codec.KeySize {
		return fmt.Errorf(
			"%w: expected %d, got %d",
			ErrInvalidKeySize,
			codec.KeySize,
			len(key),
		)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.encKeys[keyID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKeyID, keyID)
	}
	ks.encKeys[keyID] = bytes.Clone(key)
	ks.keyOrder = append(ks.keyOrder, keyID)
	if ks.config.ActiveKeyID == "" {
		ks.activeKeyID = keyID
	}
	return nil
}

// SetActiveKey selects the key used for new encryptions.
func (ks *KeyStore) SetActiveKey(keyID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.encKeys[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}
	if ks.activeKeyID != keyID {
		ks.logger.Info(
			"active encryption key changed",
			"old_key_id", ks.activeKeyID,
			"new_key_id", keyID,
		)
	}
	ks.activeKeyID = keyID
	return nil
}

// SetMACKey sets the record signing key.
func (ks *KeyStore) SetMACKey(key []byte) error {
	if len(key) != codec.KeySize {
		return fmt.Errorf(
			"%w: expected %d, got %d",
			ErrInvalidKeySize,
			codec.KeySize,
			len(key),
		)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.macKey = bytes.Clone(key)
	return nil
}

// ActiveEncryptionKey returns the active key id and a copy of the key.
func (ks *KeyStore) ActiveEncryptionKey() (string, []byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.activeKeyID == "" {
		return "", nil, ErrNoActiveKey
	}
	return ks.activeKeyID, bytes.Clone(ks.encKeys[ks.activeKeyID]), nil
}

// EncryptionKey returns a copy of the key with the given id.
func (ks *KeyStore) EncryptionKey(keyID string) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.encKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, keyID)
	}
	return bytes.Clone(key), nil
}

// MACKey returns a copy of the signing key.
func (ks *KeyStore) MACKey() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.macKey == nil {
		return nil, ErrMACKeyNotLoaded
	}
	return bytes.Clone(ks.macKey), nil
}

// KeyIDs returns the loaded encryption key ids in load order.
func (ks *KeyStore) KeyIDs() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return slices.Clone(ks.keyOrder)
}

// IsLoaded returns true if an active encryption key is available.
func (ks *KeyStore) IsLoaded() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.activeKeyID != ""
}

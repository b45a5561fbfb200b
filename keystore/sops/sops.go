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

// Package sops wraps SOPS envelope encryption for key files at rest.
// Master keys come from the environment: age recipients, GCP KMS resource
// ids and AWS KMS ARNs.
package sops

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	sopsapi "github.com/getsops/sops/v3"
	"github.com/getsops/sops/v3/aes"
	"github.com/getsops/sops/v3/age"
	scommon "github.com/getsops/sops/v3/cmd/sops/common"
	"github.com/getsops/sops/v3/config"
	"github.com/getsops/sops/v3/decrypt"
	"github.com/getsops/sops/v3/gcpkms"
	skeys "github.com/getsops/sops/v3/keys"
	awskms "github.com/getsops/sops/v3/kms"
	jsonstore "github.com/getsops/sops/v3/stores/json"
	"github.com/getsops/sops/v3/version"
)

const (
	EnvAgeRecipients    = "BALLOTD_AGE_RECIPIENTS"
	EnvGCPKMSResourceID = "BALLOTD_GCP_KMS_RESOURCE_ID"
	EnvAWSKMSKeyARNs    = "BALLOTD_AWS_KMS_KEY_ARNS"
	EnvAWSKMSProfile    = "BALLOTD_AWS_KMS_PROFILE"
)

var ErrAlreadyEncrypted = errors.New("already encrypted")

// IsEncrypted reports whether data looks like a SOPS binary envelope.
func IsEncrypted(data []byte) bool {
	return bytes.Contains(data, []byte(`"sops"`)) &&
		bytes.Contains(data, []byte(`"mac"`))
}

// Decrypt opens a SOPS binary envelope and returns the original bytes.
func Decrypt(data []byte) ([]byte, error) {
	ret, err := decrypt.Data(data, "binary")
	if err != nil {
		return nil, fmt.Errorf("sops decrypt: %w", err)
	}
	return ret, nil
}

// Encrypt seals data in a SOPS binary envelope using master keys from the
// environment.
func Encrypt(data []byte) ([]byte, error) {
	if IsEncrypted(data) {
		return nil, ErrAlreadyEncrypted
	}
	storeConfig := &config.JSONBinaryStoreConfig{}
	store := jsonstore.NewBinaryStore(storeConfig)

	branches, err := store.LoadPlainFile(data)
	if err != nil {
		return nil, fmt.Errorf("error loading data: %w", err)
	}
	tree := sopsapi.Tree{Branches: branches}
	keyGroups, err := masterKeyGroupsFromEnv()
	if err != nil {
		return nil, err
	}
	tree.Metadata = sopsapi.Metadata{
		KeyGroups: keyGroups,
		Version:   version.Version,
	}

	dataKey, errs := tree.GenerateDataKey()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed generating data key: %v", errs)
	}
	if err := scommon.EncryptTree(scommon.EncryptTreeOpts{
		DataKey: dataKey,
		Tree:    &tree,
		Cipher:  aes.NewCipher(),
	}); err != nil {
		return nil, fmt.Errorf("failed encrypt: %w", err)
	}

	encrypted, err := store.EmitEncryptedFile(tree)
	if err != nil {
		return nil, fmt.Errorf("failed output: %w", err)
	}
	return encrypted, nil
}

func masterKeyGroupsFromEnv() ([]sopsapi.KeyGroup, error) {
	keyGroups := []sopsapi.KeyGroup{}

	if recipients := os.Getenv(EnvAgeRecipients); recipients != "" {
		ageKeys, err := age.MasterKeysFromRecipients(recipients)
		if err != nil {
			return nil, fmt.Errorf("parse age recipients: %w", err)
		}
		keys := []skeys.MasterKey{}
		for _, k := range ageKeys {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}

	if rid := os.Getenv(EnvGCPKMSResourceID); rid != "" {
		keys := []skeys.MasterKey{}
		for _, k := range gcpkms.MasterKeysFromResourceIDString(rid) {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}

	if arns := os.Getenv(EnvAWSKMSKeyARNs); arns != "" {
		keys := []skeys.MasterKey{}
		profile := os.Getenv(EnvAWSKMSProfile)
		for _, k := range awskms.MasterKeysFromArnString(arns, nil, profile) {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}

	if len(keyGroups) == 0 {
		return nil, fmt.Errorf(
			"SOPS requires at least one master key to encrypt: set %s, %s or %s",
			EnvAgeRecipients,
			EnvGCPKMSResourceID,
			EnvAWSKMSKeyARNs,
		)
	}
	return keyGroups, nil
}

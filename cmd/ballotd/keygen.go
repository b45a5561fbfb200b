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

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/univote/ballotd/keystore"
)

func keygenCommand() *cobra.Command {
	var (
		keyType     string
		keyID       string
		sopsEncrypt bool
	)
	cmd := &cobra.Command{
		Use:         "keygen <output-file>",
		Short:       "Generate a vote encryption or MAC key file",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"config": "optional"},
		Run: func(cmd *cobra.Command, args []string) {
			var fileType string
			switch keyType {
			case "encryption":
				fileType = keystore.KeyTypeEncryption
			case "mac":
				fileType = keystore.KeyTypeMAC
			default:
				slog.Error(fmt.Sprintf("unknown key type %q, want encryption or mac", keyType))
				os.Exit(1)
			}
			kf, err := keystore.GenerateKey(fileType, keyID)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if err := keystore.WriteKeyFile(args[0], kf, sopsEncrypt); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			fmt.Printf("wrote %s key to %s\n", keyType, args[0])
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "encryption", "key type: encryption or mac")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id for encryption keys, random when empty")
	cmd.Flags().BoolVar(&sopsEncrypt, "sops", false, "encrypt the key file with SOPS using the environment's key settings")
	return cmd
}

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

	"github.com/univote/ballotd/database"
	"github.com/univote/ballotd/internal/node"
)

func seedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load elections, candidates and voters into the ledger database",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configFromCmd(cmd)
			logger := commonRun()
			fixtures, err := database.LoadFixtures(args[0])
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			db, err := node.OpenDatabase(cfg, logger, nil)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			defer db.Close()
			if err := db.Seed(cmd.Context(), *fixtures); err != nil {
				slog.Error(fmt.Sprintf("failed to seed database: %s", err))
				os.Exit(1)
			}
			logger.Info(
				"seeded database",
				"component", programName,
				"elections", len(fixtures.Elections),
				"candidates", len(fixtures.Candidates),
				"voters", len(fixtures.Voters),
			)
		},
	}
	return cmd
}

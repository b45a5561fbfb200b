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
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/univote/ballotd/internal/agent"
)

// withAgent opens the local agent, runs fn and closes it, exiting on error.
func withAgent(cmd *cobra.Command, fn func(context.Context, *agent.Agent) error) {
	cfg := configFromCmd(cmd)
	logger := commonRun()
	a, err := agent.Open(cfg, agent.Options{Logger: logger})
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	err = fn(cmd.Context(), a)
	if closeErr := a.Close(); closeErr != nil {
		logger.Error("failed to close agent", "component", programName, "error", closeErr)
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

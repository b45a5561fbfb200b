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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/univote/ballotd/internal/agent"
	"github.com/univote/ballotd/syncer"
)

func enqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an operation for the next sync",
	}
	cmd.AddCommand(enqueueVoteCommand())
	cmd.AddCommand(enqueueTokenCommand())
	return cmd
}

func enqueueVoteCommand() *cobra.Command {
	var v syncer.VoteCast
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Queue a vote, using the cached ballot token unless --token is given",
		Run: func(cmd *cobra.Command, args []string) {
			withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
				id, err := a.EnqueueVote(ctx, v)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&v.VoterID, "voter", "", "voter id")
	cmd.Flags().StringVar(&v.ElectionID, "election", "", "election id")
	cmd.Flags().StringVar(&v.CandidateID, "candidate", "", "candidate id")
	cmd.Flags().StringVar(&v.BallotToken, "token", "", "ballot token")
	for _, name := range []string{"voter", "election", "candidate"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func enqueueTokenCommand() *cobra.Command {
	var voterID, electionID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Queue a ballot token request",
		Run: func(cmd *cobra.Command, args []string) {
			withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
				id, err := a.EnqueueTokenRefresh(ctx, voterID, electionID)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&voterID, "voter", "", "voter id")
	cmd.Flags().StringVar(&electionID, "election", "", "election id")
	_ = cmd.MarkFlagRequired("voter")
	_ = cmd.MarkFlagRequired("election")
	return cmd
}

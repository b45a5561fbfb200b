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
	"time"

	"github.com/spf13/cobra"

	"github.com/univote/ballotd/internal/agent"
	"github.com/univote/ballotd/queue"
)

func queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queue depth by status and terminal failures",
		Run: func(cmd *cobra.Command, args []string) {
			withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
				stats, err := a.Queue().Stats(ctx)
				if err != nil {
					return err
				}
				for _, status := range []queue.Status{
					queue.StatusPending,
					queue.StatusInFlight,
					queue.StatusFailed,
				} {
					fmt.Printf("%s\t%d\n", status, stats[status])
				}
				failures, err := a.Queue().Failures(ctx)
				if err != nil {
					return err
				}
				if len(failures) == 0 {
					return nil
				}
				fmt.Println("\nterminal failures:")
				for _, item := range failures {
					fmt.Printf(
						"%s\t%s\t%s\t%s\t%s\n",
						item.ID,
						item.OperationType,
						item.UpdatedAt.Format(time.RFC3339),
						item.ErrorClass,
						item.LastError,
					)
				}
				return nil
			})
		},
	}
	return cmd
}

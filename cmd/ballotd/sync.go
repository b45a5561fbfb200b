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
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/univote/ballotd/internal/agent"
	"github.com/univote/ballotd/syncer"
)

func syncCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the local operation queue to the ballot server",
		Run: func(cmd *cobra.Command, args []string) {
			withAgent(cmd, func(ctx context.Context, a *agent.Agent) error {
				if once {
					report, err := a.SyncOnce(ctx)
					if report != nil {
						printReport(os.Stdout, report)
					}
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return a.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func printReport(w io.Writer, report *syncer.Report) {
	for _, res := range report.Results {
		line := fmt.Sprintf("%s\t%s\t%s", res.ID, res.OperationType, res.Outcome)
		if res.Reason != "" {
			line += "\t" + string(res.Reason)
		} else if res.Class != "" {
			line += "\t" + res.Class
		}
		fmt.Fprintln(w, line)
	}
	for _, item := range report.Expired {
		fmt.Fprintf(w, "%s\t%s\texpired\n", item.ID, item.OperationType)
	}
	fmt.Fprintf(
		w,
		"synced=%d retrying=%d failed=%d expired=%d\n",
		report.Synced(),
		report.Retrying(),
		len(report.Failures()),
		len(report.Expired),
	)
}

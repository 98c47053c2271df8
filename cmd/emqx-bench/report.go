// Copyright 2023 The emqx-go Authors
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
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/emqx-bench/pkg/metrics"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "report <events.jsonl>...",
		Short:       "Summarize JSON lines event files written by run --events",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			agg := metrics.NewAggregator()
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				events, err := metrics.ReadEvents(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				for _, ev := range events {
					_ = agg.Record(ev)
				}
			}
			return metrics.WriteReport(cmd.OutOrStdout(), agg.Summaries())
		},
	}
}

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
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/emqx-bench/pkg/auth"
	"github.com/turtacn/emqx-bench/pkg/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate and inspect configuration",
	}

	var (
		users     []string
		algorithm string
	)
	generate := &cobra.Command{
		Use:         "generate <path>",
		Short:       "Write the default configuration to a .yaml or .json file",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			for _, u := range users {
				name, password, ok := strings.Cut(u, ":")
				if !ok || name == "" || password == "" {
					return fmt.Errorf("invalid --user %q, want name:password", u)
				}
				if err := cfg.AddUser(name, password, algorithm, false); err != nil {
					return err
				}
			}
			if err := config.SaveConfig(cfg, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", args[0])
			return nil
		},
	}
	generate.Flags().StringSliceVar(&users, "user", nil, "add a devbroker user as name:password (repeatable)")
	generate.Flags().StringVar(&algorithm, "algo", string(auth.HashBcrypt), "password hash for --user: plain or bcrypt")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(generate, show)
	return cmd
}

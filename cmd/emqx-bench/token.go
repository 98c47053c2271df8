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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	var showClaims bool
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Print a signed token for subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := a.issuer()
			if err != nil {
				return err
			}
			tok, err := issuer.Issue(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tok.Raw)
			if showClaims {
				data, err := json.MarshalIndent(tok.Claims, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			}
			return nil
		},
	}
	cmd.Flags().String("private-key", "", "PEM private key used to sign tokens")
	cmd.Flags().BoolVar(&showClaims, "claims", false, "also print the decoded claims")
	return cmd
}

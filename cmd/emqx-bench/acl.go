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
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/emqx-bench/pkg/acl"
)

func newACLCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Inspect and edit ACL entries in the store",
	}
	cmd.PersistentFlags().String("redis", "", "ACL store address")

	grant := &cobra.Command{
		Use:   "grant <subject> <topic> [permission]",
		Short: "Grant subject a permission (sub, pub or pubsub) on a topic filter",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm := acl.PublishSubscribe
			if len(args) == 3 {
				p, err := acl.ParsePermission(args[2])
				if err != nil {
					return err
				}
				perm = p
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			prov := acl.NewProvisioner(store, nil, a.logger, a.cfg.Timeouts.Provision)
			if err := prov.Grant(cmd.Context(), args[0], args[1], perm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s on %s to %s\n", perm, args[1], args[0])
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <subject>",
		Short: "Remove every entry of subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeletePermissions(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <subject>",
		Short: "List the entries of subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			perms, err := store.Permissions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(perms) == 0 {
				fmt.Fprintf(out, "no entries for %s\n", args[0])
				return nil
			}

			topics := make([]string, 0, len(perms))
			for t := range perms {
				topics = append(topics, t)
			}
			sort.Strings(topics)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tPERMISSION\tVALUE")
			for _, t := range topics {
				fmt.Fprintf(w, "%s\t%s\t%d\n", t, perms[t], int(perms[t]))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(grant, revoke, show)
	return cmd
}

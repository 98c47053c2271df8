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
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/emqx-bench/pkg/auth"
	"github.com/turtacn/emqx-bench/pkg/broker"
	"github.com/turtacn/emqx-bench/pkg/metrics"
)

func newDevBrokerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devbroker",
		Short: "Serve an embedded MQTT broker with token auth and Redis ACLs",
		Long: `Devbroker runs a single-node broker that authenticates exactly like the
webhook: tokens signed for the username, plus the static users listed under
devbroker.users. Topic access comes from the ACL store; static superusers
bypass it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := a.verifier()
			if err != nil {
				return err
			}
			chain := auth.NewAuthChain(a.logger)
			static, err := a.cfg.ConfigureAuth(chain, v, a.logger)
			if err != nil {
				return err
			}
			authz := auth.NewACLAuthorizer(store, static.IsSuperuser, a.logger)

			srv, err := broker.New(broker.Config{Address: a.cfg.DevBroker.Listen}, chain, authz, a.logger)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if a.cfg.Metrics.Listen != "" {
				g.Go(func() error { return metrics.Serve(gctx, a.cfg.Metrics.Listen, a.logger) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().String("broker-listen", "", "MQTT listen address")
	cmd.Flags().String("redis", "", "ACL store address")
	cmd.Flags().String("public-key", "", "PEM public key used to verify tokens")
	cmd.Flags().String("metrics-listen", "", "serve /metrics on this address")
	return cmd
}

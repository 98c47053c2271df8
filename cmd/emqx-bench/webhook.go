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

	"github.com/turtacn/emqx-bench/pkg/auth"
	"github.com/turtacn/emqx-bench/pkg/webhook"
)

func newWebhookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Serve the broker authorization webhook",
		Long: `Webhook answers the broker's auth_on_register, auth_on_subscribe and
auth_on_publish hooks. Registration requires a username and password and,
unless disabled, a token signed for that username. Topic hooks consult the
ACL store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			chain := auth.NewAuthChain(a.logger)
			chain.AddAuthenticator(auth.RequireCredentials{})
			if a.cfg.Webhook.VerifyTokens {
				v, err := a.verifier()
				if err != nil {
					return err
				}
				chain.AddAuthenticator(auth.NewJWTAuthenticator(v, a.logger))
			}

			h := webhook.NewHandler(chain, auth.NewACLAuthorizer(store, nil, a.logger), a.logger)
			return webhook.Serve(ctx, a.cfg.Webhook.Listen, h, a.logger)
		},
	}
	cmd.Flags().String("listen", "", "webhook listen address")
	cmd.Flags().String("redis", "", "ACL store address")
	cmd.Flags().String("public-key", "", "PEM public key used to verify tokens")
	return cmd
}

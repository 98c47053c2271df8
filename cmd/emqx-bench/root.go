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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/config"
	"github.com/turtacn/emqx-bench/pkg/credential"
	"github.com/turtacn/emqx-bench/pkg/logging"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// app is the state shared by every command once configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	// registry receives the run's event collectors; nil means the default
	// Prometheus registerer.
	registry prometheus.Registerer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "emqx-bench",
		Short:         "Load and verification harness for a token-authenticated MQTT cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				a.cfg = config.DefaultConfig()
				a.logger = zap.NewNop()
				return nil
			}
			cfg, err := config.LoadConfig(a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML or JSON configuration file")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("dev", false, "human friendly development logging")

	root.AddCommand(
		newRunCmd(a),
		newTokenCmd(a),
		newACLCmd(a),
		newWebhookCmd(a),
		newDevBrokerCmd(a),
		newConfigCmd(a),
		newReportCmd(),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) openStore(ctx context.Context) (*acl.RedisStore, error) {
	store, err := acl.OpenRedisStore(ctx, acl.RedisOptions{
		Addr:      a.cfg.Redis.Addr,
		Password:  a.cfg.Redis.Password,
		DB:        a.cfg.Redis.DB,
		KeyPrefix: a.cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ACL store at %s: %w", a.cfg.Redis.Addr, err)
	}
	return store, nil
}

func (a *app) issuer() (*credential.Issuer, error) {
	key, err := credential.LoadPrivateKey(a.cfg.Token.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return credential.NewIssuer(key,
		credential.WithIssuer(a.cfg.Token.Issuer),
		credential.WithUserID(a.cfg.Token.UserID),
		credential.WithTTL(a.cfg.Token.TTL),
	)
}

func (a *app) verifier() (*credential.Verifier, error) {
	key, err := credential.LoadPublicKey(a.cfg.Token.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	return credential.NewVerifier(key, a.cfg.Token.Issuer), nil
}

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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/admin"
	"github.com/turtacn/emqx-bench/pkg/cluster"
	"github.com/turtacn/emqx-bench/pkg/discovery"
	"github.com/turtacn/emqx-bench/pkg/loadgen"
	"github.com/turtacn/emqx-bench/pkg/metrics"
	"github.com/turtacn/emqx-bench/pkg/session"
	"github.com/turtacn/emqx-bench/pkg/topic"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run simulated clients against the broker cluster",
		Long: `Run starts simulated clients at the configured spawn rate. Each client
pushes an ACL entry for its own topic, connects with a signed token to a
random broker node, subscribes, and publishes to itself until it has run
max-messages iterations. Interrupting the run tears every client down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.run(ctx, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringSlice("nodes", nil, "broker nodes as host:port")
	f.Int("qos", 0, "QoS for subscribe and publish")
	f.Bool("discover", false, "discover broker nodes from a Kubernetes service")
	f.String("kubeconfig", "", "kubeconfig for discovery; in-cluster config when empty")
	f.String("namespace", "", "namespace of the broker service")
	f.String("service", "", "headless broker service name")
	f.String("redis", "", "ACL store address")
	f.String("private-key", "", "PEM private key used to sign tokens")
	f.Int("clients", 0, "number of simulated clients")
	f.Float64("spawn-rate", 0, "clients started per second")
	f.Duration("run-time", 0, "stop the run after this long; 0 waits for every client")
	f.Int("max-messages", 0, "publish and receipt iterations per client")
	f.Duration("message-wait", 0, "pause between iterations")
	f.Int("payload-size", 0, "minimum payload size in bytes")
	f.Int64("seed", 0, "node selection seed; 0 picks one from the clock")
	f.String("events", "", "append every event to this JSON lines file")
	f.String("postgres", "", "also store events in PostgreSQL")
	f.String("metrics-listen", "", "serve /metrics and the admin API on this address")
	return cmd
}

func (a *app) nodes(ctx context.Context) ([]cluster.Endpoint, error) {
	b := a.cfg.Broker
	var d discovery.Discovery
	if b.Discovery.Enabled {
		kd, err := discovery.NewKubeDiscovery(b.Discovery.Kubeconfig, b.Discovery.Namespace, b.Discovery.Service, b.Discovery.PortName)
		if err != nil {
			return nil, err
		}
		d = kd
	} else {
		eps, err := a.cfg.Endpoints()
		if err != nil {
			return nil, err
		}
		d = discovery.Static(eps)
	}

	nodes, err := d.DiscoverNodes(ctx)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, cluster.ErrNoNodes
	}
	return nodes, nil
}

// sinks opens the configured event sinks. The aggregator is always first.
func (a *app) sinks(ctx context.Context, agg *metrics.Aggregator) ([]metrics.Sink, error) {
	sinks := []metrics.Sink{agg}

	reg := a.registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	prom, err := metrics.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, prom)

	if path := a.cfg.Metrics.JSONLPath; path != "" {
		jsonl, err := metrics.OpenJSONLSink(path)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, jsonl)
	}

	if dsn := a.cfg.Metrics.PostgresDSN; dsn != "" {
		pg, err := metrics.OpenPostgresSink(ctx, dsn, a.cfg.Metrics.PostgresTable)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	return sinks, nil
}

func closeSinks(sinks []metrics.Sink) {
	metrics.NewEmitter(nil, sinks...).Close()
}

func (a *app) run(ctx context.Context, out io.Writer) error {
	cfg := a.cfg
	logger := a.logger

	nodes, err := a.nodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve broker nodes: %w", err)
	}
	seed := cfg.Workload.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	selector, err := cluster.NewSelector(nodes, seed)
	if err != nil {
		return err
	}

	issuer, err := a.issuer()
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	agg := metrics.NewAggregator()
	sinks, err := a.sinks(ctx, agg)
	if err != nil {
		return err
	}
	emitter := metrics.NewEmitter(logger, sinks...)
	defer emitter.Close()

	paho := session.DefaultPahoConfig()
	paho.KeepAlive = cfg.Broker.KeepAlive
	paho.ConnectTimeout = cfg.Timeouts.Connect

	env := &loadgen.Environment{
		Issuer:      issuer,
		Selector:    selector,
		Provisioner: acl.NewProvisioner(store, emitter, logger, cfg.Timeouts.Provision),
		Emitter:     emitter,
		Transports:  session.PahoFactory(paho),
		Namer:       topic.NewNamer(cfg.Workload.SubjectPrefix, cfg.Workload.TopicPrefix),
		Options: loadgen.Options{
			QoS:              byte(cfg.Broker.QoS),
			Permission:       acl.Permission(cfg.Workload.Permission),
			ConnectTimeout:   cfg.Timeouts.Connect,
			SubscribeTimeout: cfg.Timeouts.Subscribe,
			ReceiptTimeout:   cfg.Timeouts.Receipt,
			MaxMessages:      cfg.Workload.MaxMessagesPerClient,
			MessageWait:      cfg.Workload.MessageWait,
			PayloadSize:      cfg.Workload.PayloadSize,
		},
		Logger: logger,
	}
	runner, err := loadgen.NewRunner(env, loadgen.RunnerConfig{
		Clients:   cfg.Workload.Clients,
		SpawnRate: cfg.Workload.SpawnRate,
		RunTime:   cfg.Workload.RunTime,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		api := admin.NewAPIServer(runner, agg)
		api.RegisterCheck("redis", store.Ping)
		adminCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := admin.Serve(adminCtx, cfg.Metrics.Listen, api, logger); err != nil {
				logger.Warn("admin API server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("load run configured",
		zap.Int("nodes", len(nodes)),
		zap.Int64("seed", seed),
		zap.String("redis", cfg.Redis.Addr))

	stats, runErr := runner.Run(ctx)
	printStats(out, stats)
	if err := metrics.WriteReport(out, agg.Summaries()); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func printStats(w io.Writer, s loadgen.RunStats) {
	fmt.Fprintf(w, "clients: %d started, %d completed, %d startup failures, %d session failures, %d aborted\n",
		s.Started, s.Completed, s.StartupFailures, s.SessionFailures, s.Aborted)
	fmt.Fprintf(w, "iterations: %d (%d failed) in %s\n\n",
		s.Iterations, s.FailedIterations, s.Elapsed.Round(time.Millisecond))
}

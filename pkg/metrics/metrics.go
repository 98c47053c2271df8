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

// Package metrics records the duration and outcome of every phase a
// simulated client goes through and exposes them to aggregators: Prometheus,
// JSON lines files, PostgreSQL, and an in-process summary.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ActiveClients is the number of simulated clients currently running.
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_bench_active_clients",
		Help: "The number of simulated clients currently running.",
	})

	// ClientsTotal counts finished simulated clients by how they ended.
	ClientsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_bench_clients_total",
		Help: "The total number of simulated clients, by final result.",
	},
		[]string{"result"},
	)
)

// Client results used as the ClientsTotal label.
const (
	ClientCompleted     = "completed"
	ClientStartupFailed = "startup_failed"
	ClientAborted       = "aborted"
	ClientSessionFailed = "session_failed"
)

// Serve exposes the default Prometheus registry on addr at /metrics until ctx
// is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

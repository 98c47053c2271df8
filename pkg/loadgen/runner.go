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

package loadgen

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/turtacn/emqx-bench/pkg/metrics"
)

// RunnerConfig controls how many clients start and how fast.
type RunnerConfig struct {
	// Clients is the total number of clients to start.
	Clients int
	// SpawnRate is the number of clients started per second.
	SpawnRate float64
	// RunTime aborts every client still running after it elapses. Zero
	// waits for all clients to finish on their own.
	RunTime time.Duration
}

// RunStats summarizes a run.
type RunStats struct {
	Started          int
	Completed        int
	StartupFailures  int
	SessionFailures  int
	Aborted          int
	Iterations       int
	FailedIterations int
	Elapsed          time.Duration
}

// Runner starts clients at a fixed rate and waits for them.
type Runner struct {
	env    *Environment
	cfg    RunnerConfig
	logger *zap.Logger

	mu    sync.Mutex
	stats RunStats
}

// NewRunner validates env and cfg.
func NewRunner(env *Environment, cfg RunnerConfig) (*Runner, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if cfg.Clients < 0 {
		return nil, errors.New("loadgen: clients cannot be negative")
	}
	if cfg.Clients > 0 && cfg.SpawnRate <= 0 {
		return nil, errors.New("loadgen: spawn rate must be positive")
	}
	return &Runner{
		env:    env,
		cfg:    cfg,
		logger: env.logger().With(zap.String("component", "runner")),
	}, nil
}

// Stats returns a snapshot of the counters so far.
func (r *Runner) Stats() RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Run starts the configured clients and returns once every started client
// has torn down. Cancelling ctx aborts the run; the stats are still returned
// along with ctx.Err(). Reaching RunTime is a normal end.
func (r *Runner) Run(ctx context.Context) (RunStats, error) {
	begin := time.Now()
	runCtx := ctx
	if r.cfg.RunTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTime)
		defer cancel()
	}

	r.logger.Info("starting run",
		zap.Int("clients", r.cfg.Clients),
		zap.Float64("spawn_rate", r.cfg.SpawnRate),
		zap.Duration("run_time", r.cfg.RunTime))

	var g errgroup.Group
	if r.cfg.Clients > 0 {
		limiter := rate.NewLimiter(rate.Limit(r.cfg.SpawnRate), 1)
		for i := 0; i < r.cfg.Clients; i++ {
			if err := limiter.Wait(runCtx); err != nil {
				r.logger.Info("stopped spawning clients", zap.Int("started", i), zap.Error(err))
				break
			}
			client, err := NewClient(r.env)
			if err != nil {
				return r.Stats(), err
			}
			r.mu.Lock()
			r.stats.Started++
			r.mu.Unlock()

			g.Go(func() error {
				r.runClient(runCtx, client)
				return nil
			})
		}
	}
	_ = g.Wait()

	r.mu.Lock()
	r.stats.Elapsed = time.Since(begin)
	stats := r.stats
	r.mu.Unlock()

	r.logger.Info("run finished",
		zap.Int("started", stats.Started),
		zap.Int("completed", stats.Completed),
		zap.Int("startup_failures", stats.StartupFailures),
		zap.Int("session_failures", stats.SessionFailures),
		zap.Int("aborted", stats.Aborted),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, ctx.Err()
}

func (r *Runner) runClient(ctx context.Context, c *Client) {
	metrics.ActiveClients.Inc()
	defer metrics.ActiveClients.Dec()

	err := c.Run(ctx)

	var startupErr *StartupError
	result := metrics.ClientCompleted
	switch {
	case err == nil:
	case errors.As(err, &startupErr):
		result = metrics.ClientStartupFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = metrics.ClientAborted
	default:
		result = metrics.ClientSessionFailed
	}
	metrics.ClientsTotal.WithLabelValues(result).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Iterations += c.Iterations()
	r.stats.FailedIterations += c.Failures()
	switch result {
	case metrics.ClientCompleted:
		r.stats.Completed++
	case metrics.ClientStartupFailed:
		r.stats.StartupFailures++
	case metrics.ClientAborted:
		r.stats.Aborted++
	default:
		r.stats.SessionFailures++
	}
}

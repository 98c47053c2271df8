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
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/cluster"
	"github.com/turtacn/emqx-bench/pkg/credential"
	"github.com/turtacn/emqx-bench/pkg/metrics"
	"github.com/turtacn/emqx-bench/pkg/topic"
)

// TestLiveClusterRouting drives a short run against a real cluster. It needs
// two or more nodes, for example from docker-compose:
//
//	EMQX_BENCH_LIVE_NODES=localhost:1883,localhost:1884
//	EMQX_BENCH_LIVE_REDIS=localhost:6379
//	EMQX_BENCH_LIVE_KEY=config/jwt_private_key.pem
func TestLiveClusterRouting(t *testing.T) {
	nodes := os.Getenv("EMQX_BENCH_LIVE_NODES")
	redisAddr := os.Getenv("EMQX_BENCH_LIVE_REDIS")
	keyPath := os.Getenv("EMQX_BENCH_LIVE_KEY")
	if nodes == "" || redisAddr == "" || keyPath == "" {
		t.Skip("EMQX_BENCH_LIVE_NODES, EMQX_BENCH_LIVE_REDIS and EMQX_BENCH_LIVE_KEY not set")
	}

	endpoints, err := cluster.ParseEndpoints(strings.Split(nodes, ","))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(endpoints), 2, "routing needs at least two nodes")
	selector, err := cluster.NewSelector(endpoints, time.Now().UnixNano())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	store, err := acl.OpenRedisStore(ctx, acl.RedisOptions{Addr: redisAddr})
	require.NoError(t, err)
	defer store.Close()

	key, err := credential.LoadPrivateKey(keyPath)
	require.NoError(t, err)
	issuer, err := credential.NewIssuer(key)
	require.NoError(t, err)

	agg := metrics.NewAggregator()
	emitter := metrics.NewEmitter(nil, agg)
	opts := DefaultOptions()
	opts.MaxMessages = 5
	env := &Environment{
		Issuer:      issuer,
		Selector:    selector,
		Provisioner: acl.NewProvisioner(store, emitter, nil, acl.DefaultTimeout),
		Emitter:     emitter,
		Transports:  pahoFactory(),
		Namer:       topic.NewNamer("live", "bench/live"),
		Options:     opts,
	}

	runner, err := NewRunner(env, RunnerConfig{Clients: 10, SpawnRate: 5})
	require.NoError(t, err)
	stats, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Completed)
	assert.Zero(t, stats.StartupFailures)
	assert.Zero(t, stats.FailedIterations)
	for _, s := range agg.Summaries() {
		assert.Zero(t, s.Failures, s.Name)
	}
}

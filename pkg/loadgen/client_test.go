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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/cluster"
	"github.com/turtacn/emqx-bench/pkg/credential/credentialtest"
	"github.com/turtacn/emqx-bench/pkg/metrics"
	"github.com/turtacn/emqx-bench/pkg/session"
	"github.com/turtacn/emqx-bench/pkg/topic"
)

// fakeTransport acknowledges everything and echoes publishes back unless a
// hook says otherwise.
type fakeTransport struct {
	mu          sync.Mutex
	h           session.Handler
	creds       session.Credentials
	published   int
	disconnects int

	connackCode byte
	subackCode  byte
	// drop reports whether publish number n (1-based) is lost.
	drop func(n int) bool
	// lose drops the connection on publish number n (1-based).
	lose int
}

func (f *fakeTransport) Connect(_ cluster.Endpoint, creds session.Credentials, h session.Handler) error {
	f.mu.Lock()
	f.h, f.creds = h, creds
	code := f.connackCode
	f.mu.Unlock()
	go h.OnConnect(code, nil)
	return nil
}

func (f *fakeTransport) Subscribe(_ string, qos byte) error {
	f.mu.Lock()
	h, code := f.h, f.subackCode
	f.mu.Unlock()
	if code == 0 {
		code = qos
	}
	go h.OnSubscribe(code, nil)
	return nil
}

func (f *fakeTransport) Publish(id uint64, topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	f.published++
	n, h := f.published, f.h
	dropped := f.drop != nil && f.drop(n)
	lost := f.lose == n
	f.mu.Unlock()

	body := append([]byte(nil), payload...)
	go func() {
		h.OnPublish(id, nil)
		switch {
		case lost:
			h.OnConnectionLost(errors.New("connection reset by peer"))
		case !dropped:
			h.OnMessage(topic, body)
		}
	}()
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) stats() (published, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published, f.disconnects
}

type testEnv struct {
	env       *Environment
	agg       *metrics.Aggregator
	mr        *miniredis.Miniredis
	transport *fakeTransport
	dials     int
}

func newTestEnv(t *testing.T, ft *fakeTransport, mutate func(*Options)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	selector, err := cluster.NewSelector([]cluster.Endpoint{{Host: "node-a", Port: 1883}, {Host: "node-b", Port: 1884}}, 1)
	require.NoError(t, err)

	te := &testEnv{agg: metrics.NewAggregator(), mr: mr, transport: ft}
	emitter := metrics.NewEmitter(nil, te.agg)

	opts := DefaultOptions()
	opts.MaxMessages = 3
	opts.ConnectTimeout = time.Second
	opts.SubscribeTimeout = time.Second
	opts.ReceiptTimeout = time.Second
	if mutate != nil {
		mutate(&opts)
	}

	te.env = &Environment{
		Issuer:      credentialtest.Issuer(t),
		Selector:    selector,
		Provisioner: acl.NewProvisioner(acl.NewRedisStore(client, ""), emitter, nil, time.Second),
		Emitter:     emitter,
		Transports: func() session.Transport {
			te.dials++
			return ft
		},
		Namer:   topic.NewNamer("loadtest", "chat/test-topic"),
		Options: opts,
	}
	return te
}

func (te *testEnv) summary(name string) metrics.Summary {
	for _, s := range te.agg.Summaries() {
		if s.Name == name {
			return s
		}
	}
	return metrics.Summary{Name: name}
}

func newClient(t *testing.T, te *testEnv) *Client {
	t.Helper()
	c, err := NewClient(te.env)
	require.NoError(t, err)
	return c
}

func TestClientRunsExactlyMaxMessages(t *testing.T) {
	ft := &fakeTransport{}
	te := newTestEnv(t, ft, nil)
	c := newClient(t, te)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 3, c.Iterations())
	assert.Equal(t, 0, c.Failures())

	published, disconnects := ft.stats()
	assert.Equal(t, 3, published, "no fourth iteration")
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, session.StateTerminated, c.Session().State())

	assert.True(t, strings.HasPrefix(c.Subject(), "loadtest-"))
	assert.Equal(t, c.Subject(), ft.creds.ClientID)
	assert.Equal(t, c.Subject(), ft.creds.Username)
	claims, err := credentialtest.Verifier(t).Verify(ft.creds.Password)
	require.NoError(t, err)
	assert.Equal(t, c.Subject(), claims.Subject)

	assert.False(t, te.mr.Exists(acl.DefaultKeyPrefix+c.Subject()), "entry revoked at teardown")

	for name, count := range map[string]int{
		metrics.NamePushACL:   1,
		metrics.NameToken:     1,
		metrics.NameConnect:   1,
		metrics.NameSubscribe: 1,
		metrics.NamePublish:   3,
		metrics.NameReceive:   3,
		metrics.NameDeleteACL: 1,
	} {
		s := te.summary(name)
		assert.Equal(t, count, s.Count, name)
		assert.Zero(t, s.Failures, name)
	}
}

func TestClientZeroMessages(t *testing.T) {
	ft := &fakeTransport{}
	te := newTestEnv(t, ft, func(o *Options) { o.MaxMessages = 0 })
	c := newClient(t, te)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 0, c.Iterations())
	published, disconnects := ft.stats()
	assert.Zero(t, published)
	assert.Equal(t, 1, disconnects)
}

func TestClientRunsOnce(t *testing.T) {
	te := newTestEnv(t, &fakeTransport{}, func(o *Options) { o.MaxMessages = 1 })
	c := newClient(t, te)
	require.NoError(t, c.Run(context.Background()))
	assert.Error(t, c.Run(context.Background()))
	assert.Equal(t, 1, te.dials)
}

func TestClientProvisionFailure(t *testing.T) {
	ft := &fakeTransport{}
	te := newTestEnv(t, ft, nil)
	te.mr.SetError("READONLY You can't write against a read only replica.")
	c := newClient(t, te)

	err := c.Run(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, PhaseProvision, startupErr.Phase)
	var provErr *acl.ProvisioningError
	assert.ErrorAs(t, err, &provErr)

	assert.Zero(t, te.dials, "never connects without an ACL entry")
	assert.Nil(t, c.Session())
	assert.Equal(t, 1, te.summary(metrics.NamePushACL).Failures)
	assert.Equal(t, 1, te.summary(metrics.NameDeleteACL).Count, "teardown still revokes")
	assert.Zero(t, te.summary(metrics.NameConnect).Count)
}

func TestClientConnectRejected(t *testing.T) {
	ft := &fakeTransport{connackCode: 5}
	te := newTestEnv(t, ft, nil)
	c := newClient(t, te)

	err := c.Run(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, PhaseConnect, startupErr.Phase)

	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, session.KindRejected, connErr.Kind)
	assert.Equal(t, session.CategoryNotAuthorized, connErr.Rejection.Category)

	assert.Equal(t, 1, te.summary(metrics.NameConnect).Failures)
	assert.Zero(t, te.summary(metrics.NameSubscribe).Count)
	assert.False(t, te.mr.Exists(acl.DefaultKeyPrefix+c.Subject()))
}

func TestClientSubscribeDenied(t *testing.T) {
	ft := &fakeTransport{subackCode: 0x80}
	te := newTestEnv(t, ft, nil)
	c := newClient(t, te)

	err := c.Run(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, PhaseSubscribe, startupErr.Phase)
	assert.ErrorIs(t, err, session.ErrSubscriptionDenied)

	published, disconnects := ft.stats()
	assert.Zero(t, published)
	assert.Equal(t, 1, disconnects, "a failed session still releases the transport")
	assert.False(t, te.mr.Exists(acl.DefaultKeyPrefix+c.Subject()))
}

func TestClientIterationFailureContinues(t *testing.T) {
	ft := &fakeTransport{drop: func(n int) bool { return n == 2 }}
	te := newTestEnv(t, ft, func(o *Options) { o.ReceiptTimeout = 50 * time.Millisecond })
	c := newClient(t, te)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 3, c.Iterations())
	assert.Equal(t, 1, c.Failures())

	recv := te.summary(metrics.NameReceive)
	assert.Equal(t, 3, recv.Count)
	assert.Equal(t, 1, recv.Failures)
	require.Len(t, recv.Errors, 1)
	for reason := range recv.Errors {
		assert.Contains(t, reason, session.ErrDeliveryTimeout.Error())
	}
}

func TestClientStopsWhenSessionFails(t *testing.T) {
	ft := &fakeTransport{lose: 2}
	te := newTestEnv(t, ft, nil)
	c := newClient(t, te)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionFailed)
	var startupErr *StartupError
	assert.False(t, errors.As(err, &startupErr))

	assert.Equal(t, 2, c.Iterations())
	published, disconnects := ft.stats()
	assert.Equal(t, 2, published)
	assert.Equal(t, 1, disconnects)
	assert.False(t, te.mr.Exists(acl.DefaultKeyPrefix+c.Subject()))
}

func TestClientAbortTearsDown(t *testing.T) {
	ft := &fakeTransport{drop: func(int) bool { return true }}
	te := newTestEnv(t, ft, func(o *Options) { o.ReceiptTimeout = time.Minute })
	c := newClient(t, te)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		published, _ := ft.stats()
		return published == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after abort")
	}

	_, disconnects := ft.stats()
	assert.Equal(t, 1, disconnects)
	assert.False(t, te.mr.Exists(acl.DefaultKeyPrefix+c.Subject()), "abort still revokes")
	assert.Equal(t, 1, te.summary(metrics.NameDeleteACL).Count)
}

func TestClientMessageWait(t *testing.T) {
	te := newTestEnv(t, &fakeTransport{}, func(o *Options) {
		o.MaxMessages = 3
		o.MessageWait = 30 * time.Millisecond
	})
	c := newClient(t, te)

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	// Two pauses; none after the last iteration.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestNewClientValidatesEnvironment(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	te := newTestEnv(t, &fakeTransport{}, nil)
	env := *te.env
	env.Issuer = nil
	_, err = NewClient(&env)
	assert.Error(t, err)

	env = *te.env
	env.Options.QoS = 3
	_, err = NewClient(&env)
	assert.Error(t, err)
}

func TestPayload(t *testing.T) {
	assert.Equal(t, "Load test message from alice #1", string(Payload("alice", 1, 0)))

	p := Payload("alice", 12, 64)
	assert.Len(t, p, 64)
	assert.True(t, strings.HasPrefix(string(p), "Load test message from alice #12."))

	assert.NotEqual(t, Payload("alice", 1, 0), Payload("alice", 2, 0))
}

func TestStartupErrorMessage(t *testing.T) {
	err := &StartupError{Subject: "alice", Phase: PhaseConnect, Err: session.ErrSessionFailed}
	assert.Equal(t, "client alice failed to connect: session: session failed", err.Error())
	assert.ErrorIs(t, err, session.ErrSessionFailed)
}

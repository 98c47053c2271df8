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

package broker

import (
	"context"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-bench/pkg/auth"
)

type allowFunc func(username, password string) bool

func (f allowFunc) Allow(u, p string) bool { return f(u, p) }

type topicRules map[string]bool

func (r topicRules) Authorize(_ context.Context, username, topic string, action auth.Action) bool {
	return r[username+"|"+topic+"|"+action.String()]
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startBroker(t *testing.T, authn Authenticator, authz Authorizer) *Server {
	t.Helper()
	srv, err := New(Config{Address: freeAddr(t)}, authn, authz, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, addr, user, pass string, onMsg mqtt.MessageHandler) (mqtt.Client, mqtt.Token) {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(user).
		SetUsername(user).
		SetPassword(pass).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	if onMsg != nil {
		opts.SetDefaultPublishHandler(onMsg)
	}
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(3*time.Second))
	return c, tok
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	srv := startBroker(t, nil, nil)
	assert.Error(t, srv.Start())
}

func TestOpenBrokerEchoesToSubscriber(t *testing.T) {
	srv := startBroker(t, nil, nil)

	got := make(chan string, 1)
	c, tok := dial(t, srv.Addr(), "u1", "p", func(_ mqtt.Client, m mqtt.Message) {
		got <- string(m.Payload())
	})
	require.NoError(t, tok.Error())
	defer c.Disconnect(50)

	sub := c.Subscribe("chat/1", 0, nil)
	require.True(t, sub.WaitTimeout(2*time.Second))
	require.NoError(t, sub.Error())

	pub := c.Publish("chat/1", 0, false, "hello")
	require.True(t, pub.WaitTimeout(2*time.Second))

	select {
	case payload := <-got:
		assert.Equal(t, "hello", payload)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestAuthenticationRejected(t *testing.T) {
	srv := startBroker(t, allowFunc(func(u, p string) bool { return p == "right" }), nil)

	_, tok := dial(t, srv.Addr(), "u1", "wrong", nil)
	require.Error(t, tok.Error())
	ct, ok := tok.(*mqtt.ConnectToken)
	require.True(t, ok)
	assert.Equal(t, byte(4), ct.ReturnCode(), "v3 clients see bad username or password")

	c, tok := dial(t, srv.Addr(), "u2", "right", nil)
	require.NoError(t, tok.Error())
	c.Disconnect(50)

	stats := srv.Stats()
	assert.Equal(t, int64(1), stats.ConnectsRejected)
	assert.Equal(t, int64(1), stats.ConnectsAccepted)
}

func TestSubscriptionDenied(t *testing.T) {
	srv := startBroker(t, nil, topicRules{"u1|chat/1|subscribe": true})

	c, tok := dial(t, srv.Addr(), "u1", "p", nil)
	require.NoError(t, tok.Error())
	defer c.Disconnect(50)

	allowed := c.Subscribe("chat/1", 1, nil)
	require.True(t, allowed.WaitTimeout(2*time.Second))
	assert.Equal(t, byte(1), allowed.(*mqtt.SubscribeToken).Result()["chat/1"])

	denied := c.Subscribe("chat/2", 1, nil)
	require.True(t, denied.WaitTimeout(2*time.Second))
	assert.Equal(t, byte(0x80), denied.(*mqtt.SubscribeToken).Result()["chat/2"])

	assert.GreaterOrEqual(t, srv.Stats().ACLDenied, int64(1))
}

func TestPublishDeniedIsDropped(t *testing.T) {
	srv := startBroker(t, nil, topicRules{"u1|chat/1|subscribe": true})

	got := make(chan struct{}, 1)
	c, tok := dial(t, srv.Addr(), "u1", "p", func(mqtt.Client, mqtt.Message) { got <- struct{}{} })
	require.NoError(t, tok.Error())
	defer c.Disconnect(50)

	sub := c.Subscribe("chat/1", 0, nil)
	require.True(t, sub.WaitTimeout(2*time.Second))
	require.Equal(t, byte(0), sub.(*mqtt.SubscribeToken).Result()["chat/1"])

	pub := c.Publish("chat/1", 0, false, "x")
	require.True(t, pub.WaitTimeout(2*time.Second))

	select {
	case <-got:
		t.Fatal("publish without permission must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, err := New(Config{Address: freeAddr(t)}, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", srv.Addr())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

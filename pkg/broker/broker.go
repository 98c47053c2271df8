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

// Package broker runs an embedded MQTT broker for development and tests. It
// authenticates clients with the same chain the webhook uses and authorizes
// topics from the Redis ACL store, so the load generator can be exercised
// end to end without a cluster.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/auth"
)

// Authenticator decides whether a CONNECT is accepted.
type Authenticator interface {
	Allow(username, password string) bool
}

// Authorizer decides topic access.
type Authorizer interface {
	Authorize(ctx context.Context, username, topic string, action auth.Action) bool
}

// Config configures the embedded broker.
type Config struct {
	// Address is the TCP listen address, for example ":1883".
	Address string
	// ListenerID names the listener in broker logs.
	ListenerID string
	// Logger receives the broker's internal logs. Nil discards them.
	Logger *slog.Logger
}

// Server is an embedded broker.
type Server struct {
	mqtt    *mqtt.Server
	tcp     *listeners.TCP
	hook    *accessHook
	logger  *zap.Logger
	started atomic.Bool
}

// New creates a broker. A nil authn accepts every client; a nil authz allows
// every topic.
func New(cfg Config, authn Authenticator, authz Authorizer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Address == "" {
		return nil, errors.New("broker: listen address is required")
	}
	if cfg.ListenerID == "" {
		cfg.ListenerID = "tcp"
	}
	slogger := cfg.Logger
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}

	logger = logger.With(zap.String("component", "broker"))
	srv := mqtt.New(&mqtt.Options{Logger: slogger})
	hook := &accessHook{authn: authn, authz: authz, logger: logger}
	if err := srv.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add access hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: cfg.ListenerID, Address: cfg.Address})
	if err := srv.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	return &Server{mqtt: srv, tcp: tcp, hook: hook, logger: logger}, nil
}

// Start begins accepting connections and returns immediately.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("broker: already started")
	}
	if err := s.mqtt.Serve(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	s.logger.Info("MQTT broker listening", zap.String("addr", s.Addr()))
	return nil
}

// Run starts the broker and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.tcp.Address()
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() error {
	s.logger.Info("MQTT broker shutting down")
	return s.mqtt.Close()
}

// Stats returns counters kept by the access hook.
func (s *Server) Stats() Stats {
	return s.hook.stats()
}

// Stats counts access decisions.
type Stats struct {
	ConnectsAccepted int64
	ConnectsRejected int64
	ACLAllowed       int64
	ACLDenied        int64
}

type accessHook struct {
	mqtt.HookBase
	authn  Authenticator
	authz  Authorizer
	logger *zap.Logger

	connectsAccepted atomic.Int64
	connectsRejected atomic.Int64
	aclAllowed       atomic.Int64
	aclDenied        atomic.Int64
}

func (h *accessHook) ID() string { return "emqx-bench-access" }

func (h *accessHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnConnectAuthenticate, mqtt.OnACLCheck}, []byte{b})
}

func (h *accessHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	username := string(pk.Connect.Username)
	if h.authn != nil && !h.authn.Allow(username, string(pk.Connect.Password)) {
		h.connectsRejected.Add(1)
		h.logger.Debug("connect rejected", zap.String("client_id", cl.ID), zap.String("username", username))
		return false
	}
	h.connectsAccepted.Add(1)
	return true
}

func (h *accessHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if h.authz == nil {
		h.aclAllowed.Add(1)
		return true
	}
	action := auth.ActionSubscribe
	if write {
		action = auth.ActionPublish
	}
	if !h.authz.Authorize(context.Background(), string(cl.Properties.Username), topic, action) {
		h.aclDenied.Add(1)
		return false
	}
	h.aclAllowed.Add(1)
	return true
}

func (h *accessHook) stats() Stats {
	return Stats{
		ConnectsAccepted: h.connectsAccepted.Load(),
		ConnectsRejected: h.connectsRejected.Load(),
		ACLAllowed:       h.aclAllowed.Load(),
		ACLDenied:        h.aclDenied.Load(),
	}
}

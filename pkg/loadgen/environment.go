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

// Package loadgen drives simulated MQTT clients. Each client provisions its
// own identity and ACL entry, connects to one broker node, runs a bounded
// number of publish and receipt iterations on its private topic, and always
// tears down its connection and entry afterwards.
package loadgen

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/cluster"
	"github.com/turtacn/emqx-bench/pkg/credential"
	"github.com/turtacn/emqx-bench/pkg/metrics"
	"github.com/turtacn/emqx-bench/pkg/session"
	"github.com/turtacn/emqx-bench/pkg/topic"
)

// Options shape every client of a run.
type Options struct {
	QoS              byte
	Permission       acl.Permission
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration
	ReceiptTimeout   time.Duration
	// MaxMessages is the number of publish and receipt iterations per
	// client. Zero runs none.
	MaxMessages int
	// MessageWait is the pause after each iteration.
	MessageWait time.Duration
	// PayloadSize pads each payload to at least this many bytes.
	PayloadSize int
}

// DefaultOptions returns the options of the original Locust scenario.
func DefaultOptions() Options {
	return Options{
		QoS:              0,
		Permission:       acl.PublishSubscribe,
		ConnectTimeout:   session.DefaultConnectTimeout,
		SubscribeTimeout: session.DefaultSubscribeTimeout,
		ReceiptTimeout:   session.DefaultReceiptTimeout,
		MaxMessages:      20,
	}
}

// Environment holds what every client of a run shares. It is built once
// before the first client starts and is never mutated afterwards.
type Environment struct {
	Issuer      *credential.Issuer
	Selector    *cluster.Selector
	Provisioner *acl.Provisioner
	Emitter     *metrics.Emitter
	Transports  session.TransportFactory
	Namer       *topic.Namer
	Options     Options
	Logger      *zap.Logger
}

func (env *Environment) validate() error {
	switch {
	case env == nil:
		return errors.New("loadgen: nil environment")
	case env.Issuer == nil:
		return errors.New("loadgen: environment has no token issuer")
	case env.Selector == nil:
		return errors.New("loadgen: environment has no node selector")
	case env.Provisioner == nil:
		return errors.New("loadgen: environment has no ACL provisioner")
	case env.Transports == nil:
		return errors.New("loadgen: environment has no transport factory")
	case env.Namer == nil:
		return errors.New("loadgen: environment has no namer")
	case env.Options.MaxMessages < 0:
		return errors.New("loadgen: max messages cannot be negative")
	case env.Options.QoS > 2:
		return errors.New("loadgen: qos must be 0, 1 or 2")
	}
	return nil
}

func (env *Environment) logger() *zap.Logger {
	if env.Logger == nil {
		return zap.NewNop()
	}
	return env.Logger
}

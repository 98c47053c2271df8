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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/metrics"
	"github.com/turtacn/emqx-bench/pkg/session"
)

// Startup phases, in order.
const (
	PhaseProvision = "provision"
	PhaseToken     = "token"
	PhaseConnect   = "connect"
	PhaseSubscribe = "subscribe"
)

// StartupError reports the phase a client could not get past. The client
// never reaches its message loop after one.
type StartupError struct {
	Subject string
	Phase   string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("client %s failed to %s: %v", e.Subject, e.Phase, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Client is one simulated client. A Client runs once.
type Client struct {
	env    *Environment
	logger *zap.Logger

	subject string
	topic   string
	sess    *session.Session

	ran        atomic.Bool
	iterations atomic.Int64
	failures   atomic.Int64
	teardown   sync.Once
}

// NewClient creates a client bound to env.
func NewClient(env *Environment) (*Client, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &Client{
		env:    env,
		logger: env.logger().With(zap.String("component", "client")),
	}, nil
}

// Subject returns the generated identity, empty before Run.
func (c *Client) Subject() string { return c.subject }

// Topic returns the private topic, empty before Run.
func (c *Client) Topic() string { return c.topic }

// Iterations returns the number of publish and receipt iterations run so
// far, successful or not.
func (c *Client) Iterations() int { return int(c.iterations.Load()) }

// Failures returns the number of failed iterations.
func (c *Client) Failures() int { return int(c.failures.Load()) }

// Session returns the broker session, nil before the connect phase.
func (c *Client) Session() *session.Session { return c.sess }

// Run executes the client's whole lifecycle. It returns a *StartupError when
// a startup phase fails, ctx.Err() when aborted, an error wrapping
// session.ErrSessionFailed when the session dies mid-run, and nil once
// MaxMessages iterations have run. Teardown has completed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.New("loadgen: client already ran")
	}
	defer c.close()

	if err := c.start(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return c.loop(ctx)
}

func (c *Client) start(ctx context.Context) error {
	env := c.env
	opts := env.Options

	c.subject, c.topic = env.Namer.Next()
	c.logger = c.logger.With(zap.String("subject", c.subject))

	if err := env.Provisioner.Grant(ctx, c.subject, c.topic, opts.Permission); err != nil {
		return &StartupError{Subject: c.subject, Phase: PhaseProvision, Err: err}
	}

	start := time.Now()
	token, err := env.Issuer.Issue(c.subject)
	env.Emitter.Emit(metrics.CategoryCredential, metrics.NameToken, start, err, metrics.WithSubject(c.subject))
	if err != nil {
		return &StartupError{Subject: c.subject, Phase: PhaseToken, Err: err}
	}

	endpoint := env.Selector.Select()
	c.sess = session.New(env.Transports(), session.WithLogger(c.logger))

	start = time.Now()
	err = c.sess.Connect(ctx, endpoint, session.Credentials{
		ClientID: c.subject,
		Username: c.subject,
		Password: token.Raw,
	}, opts.ConnectTimeout)
	env.Emitter.Emit(metrics.CategoryMQTT, metrics.NameConnect, start, err, metrics.WithSubject(c.subject))
	if err != nil {
		c.logger.Error("failed to connect", zap.Stringer("endpoint", endpoint), zap.Error(err))
		return &StartupError{Subject: c.subject, Phase: PhaseConnect, Err: err}
	}

	start = time.Now()
	err = c.sess.Subscribe(ctx, c.topic, opts.QoS, opts.SubscribeTimeout)
	env.Emitter.Emit(metrics.CategoryMQTT, metrics.NameSubscribe, start, err, metrics.WithSubject(c.subject))
	if err != nil {
		c.logger.Error("failed to subscribe", zap.String("topic", c.topic), zap.Error(err))
		return &StartupError{Subject: c.subject, Phase: PhaseSubscribe, Err: err}
	}

	c.logger.Info("client started", zap.Stringer("endpoint", endpoint), zap.String("topic", c.topic))
	return nil
}

func (c *Client) loop(ctx context.Context) error {
	opts := c.env.Options
	for c.Iterations() < opts.MaxMessages {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.iterate(ctx); err != nil {
			c.failures.Add(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.sess.State() == session.StateFailed {
				if last := c.sess.LastError(); last != nil {
					err = last
				}
				c.logger.Warn("session failed, stopping client", zap.Error(err))
				return fmt.Errorf("client %s: %w", c.subject, err)
			}
			c.logger.Warn("iteration failed", zap.Int("iteration", c.Iterations()), zap.Error(err))
		}

		if opts.MessageWait > 0 && c.Iterations() < opts.MaxMessages {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.MessageWait):
			}
		}
	}
	c.logger.Info("client completed", zap.Int("iterations", c.Iterations()), zap.Int("failures", c.Failures()))
	return nil
}

// iterate publishes one sequenced payload and waits for it to come back.
// The iteration counts whether or not it succeeds.
func (c *Client) iterate(ctx context.Context) error {
	defer c.iterations.Add(1)

	env := c.env
	seq := c.iterations.Load() + 1
	payload := Payload(c.subject, seq, env.Options.PayloadSize)
	size := metrics.WithPayloadSize(len(payload))
	subject := metrics.WithSubject(c.subject)

	start := time.Now()
	err := c.sess.Publish(c.topic, payload, env.Options.QoS)
	env.Emitter.Emit(metrics.CategoryMQTT, metrics.NamePublish, start, err, size, subject)
	if err != nil {
		return err
	}

	start = time.Now()
	latency, err := c.sess.AwaitReceipt(ctx, env.Options.ReceiptTimeout)
	if err != nil {
		env.Emitter.Emit(metrics.CategoryMQTT, metrics.NameReceive, start, err, size, subject)
		return err
	}
	env.Emitter.Emit(metrics.CategoryMQTT, metrics.NameReceive, start, nil, size, subject, metrics.WithDuration(latency))
	c.logger.Debug("message received", zap.Int64("seq", seq), zap.Duration("latency", latency))
	return nil
}

// close disconnects and revokes the ACL entry exactly once. Neither step
// can fail from the caller's point of view.
func (c *Client) close() {
	c.teardown.Do(func() {
		if c.sess != nil {
			c.sess.Disconnect()
		}
		if c.subject != "" {
			c.env.Provisioner.Revoke(context.Background(), c.subject)
		}
		c.logger.Debug("client torn down")
	})
}

// Payload builds the message for iteration seq of subject, padded with dots
// to size bytes.
func Payload(subject string, seq int64, size int) []byte {
	msg := fmt.Sprintf("Load test message from %s #%d", subject, seq)
	if pad := size - len(msg); pad > 0 {
		msg += strings.Repeat(".", pad)
	}
	return []byte(msg)
}

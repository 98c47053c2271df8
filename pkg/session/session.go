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

// Package session drives one persistent broker connection through
// connect, subscribe and publish/receive cycles. The transport reports
// outcomes asynchronously; Session turns them into blocking calls with
// deadlines.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/cluster"
)

// Default deadlines for the blocking operations.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultSubscribeTimeout = 5 * time.Second
	DefaultReceiptTimeout   = 5 * time.Second
)

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

var errWaitTimeout = errors.New("wait timed out")

// Timestamps records when each phase last completed.
type Timestamps struct {
	ConnectedAt  time.Time
	SubscribedAt time.Time
	PublishedAt  time.Time
	AcceptedAt   time.Time
	ReceivedAt   time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the state machine for one broker connection. Only one goroutine
// should drive it; the transport's callbacks may arrive on any goroutine.
type Session struct {
	transport Transport
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	changed chan struct{}
	state   State
	open    bool

	endpoint   cluster.Endpoint
	resultCode byte
	lastErr    error
	times      Timestamps

	connDone bool
	connErr  error
	subDone  bool
	granted  byte
	subErr   error
	lost     error

	pubSeq   uint64
	pubDone  bool
	pubErr   error
	expTopic string
	expBody  []byte
	received bool
	stale    int
}

// New creates a Session in the Disconnected state.
func New(transport Transport, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		logger:    zap.NewNop(),
		now:       time.Now,
		changed:   make(chan struct{}),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResultCode returns the last CONNACK code.
func (s *Session) ResultCode() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultCode
}

// LastError returns the error that last failed an operation.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Endpoint returns the endpoint passed to Connect.
func (s *Session) Endpoint() cluster.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Times returns the phase timestamps.
func (s *Session) Times() Timestamps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.times
}

// Discarded returns how many delivered messages did not match the pending
// publish.
func (s *Session) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Connect opens the session using creds and blocks until the broker answers,
// timeout elapses or ctx is done. A timeout <= 0 means
// DefaultConnectTimeout. Failures move the session to Failed and are
// reported as *ConnectionError, or ctx.Err().
func (s *Session) Connect(ctx context.Context, endpoint cluster.Endpoint, creds Credentials, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		defer s.mu.Unlock()
		return stateError("connect", s.state)
	}
	s.endpoint = endpoint
	s.open = true
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.transport.Connect(endpoint, creds, handler{s}); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.failLocked(&ConnectionError{Kind: KindNetwork, Endpoint: endpoint, Err: err})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	werr := s.waitLocked(ctx, timeout, func() bool { return s.connDone || s.lost != nil })
	switch {
	case errors.Is(werr, errWaitTimeout):
		return s.failLocked(&ConnectionError{Kind: KindNoResponse, Endpoint: endpoint, Err: werr})
	case werr != nil:
		return s.failLocked(werr)
	case s.state != StateConnecting:
		return stateError("connect", s.state)
	}

	if s.lost != nil && !s.connDone {
		return s.failLocked(&ConnectionError{Kind: KindNetwork, Endpoint: endpoint, Err: s.lost})
	}
	code := s.resultCode
	switch {
	case code != 0 && code < 0xFE:
		return s.failLocked(&ConnectionError{Kind: KindRejected, Endpoint: endpoint, Rejection: ClassifyConnack(code), Err: s.connErr})
	case s.connErr != nil:
		return s.failLocked(&ConnectionError{Kind: KindNetwork, Endpoint: endpoint, Err: s.connErr})
	case code != 0:
		return s.failLocked(&ConnectionError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("connack code %d", code)})
	}

	s.times.ConnectedAt = s.now()
	s.setStateLocked(StateConnected)
	s.logger.Debug("connected", zap.Stringer("endpoint", endpoint))
	return nil
}

// Subscribe requests topic at qos and blocks until the SUBACK arrives,
// timeout elapses or ctx is done. Valid only when Connected. A timeout <= 0
// means DefaultSubscribeTimeout.
func (s *Session) Subscribe(ctx context.Context, topic string, qos byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}

	s.mu.Lock()
	if s.state != StateConnected {
		defer s.mu.Unlock()
		return stateError("subscribe", s.state)
	}
	s.subDone, s.subErr, s.granted = false, nil, 0
	s.setStateLocked(StateSubscribing)
	s.mu.Unlock()

	if err := s.transport.Subscribe(topic, qos); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.failLocked(fmt.Errorf("subscribe %q: %w", topic, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	werr := s.waitLocked(ctx, timeout, func() bool { return s.subDone || s.lost != nil })
	switch {
	case errors.Is(werr, errWaitTimeout):
		return s.failLocked(fmt.Errorf("subscribe %q: %w", topic, ErrSubscribeTimeout))
	case werr != nil:
		return s.failLocked(werr)
	case s.state != StateSubscribing:
		return stateError("subscribe", s.state)
	case !s.subDone:
		return s.failLocked(fmt.Errorf("subscribe %q: %w: %v", topic, ErrSessionFailed, s.lost))
	case s.subErr != nil:
		return s.failLocked(fmt.Errorf("subscribe %q: %w", topic, s.subErr))
	case s.granted >= subackFailure || s.granted > 2:
		return s.failLocked(fmt.Errorf("subscribe %q (code 0x%02x): %w", topic, s.granted, ErrSubscriptionDenied))
	}

	s.times.SubscribedAt = s.now()
	s.setStateLocked(StateSubscribed)
	s.logger.Debug("subscribed", zap.String("topic", topic), zap.Uint8("granted_qos", s.granted))
	return nil
}

// Publish hands payload to the transport and returns without waiting for
// delivery. Valid only when Subscribed; on success the session awaits the
// receipt of exactly this topic and payload.
func (s *Session) Publish(topic string, payload []byte, qos byte) error {
	s.mu.Lock()
	if s.state != StateSubscribed {
		defer s.mu.Unlock()
		return stateError("publish", s.state)
	}
	s.pubSeq++
	id := s.pubSeq
	s.expTopic = topic
	s.expBody = append(s.expBody[:0], payload...)
	s.received = false
	s.pubDone, s.pubErr = false, nil
	s.times.PublishedAt = s.now()
	s.times.AcceptedAt = time.Time{}
	s.times.ReceivedAt = time.Time{}
	s.setStateLocked(StatePublishing)
	s.mu.Unlock()

	err := s.transport.Publish(id, topic, qos, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePublishing {
		return stateError("publish", s.state)
	}
	if err != nil {
		s.lastErr = fmt.Errorf("%w: %v", ErrPublishFailed, err)
		s.setStateLocked(StateSubscribed)
		return s.lastErr
	}
	s.setStateLocked(StateAwaitingReceipt)
	return nil
}

// AwaitReceipt blocks until the message sent by the last Publish is
// delivered back, timeout elapses or ctx is done, and returns the end-to-end
// latency. Deliveries that do not match the pending topic and payload are
// discarded. A timeout <= 0 means DefaultReceiptTimeout.
//
// A delivery timeout fails the iteration only: the session returns to
// Subscribed. Losing the transport fails the session.
func (s *Session) AwaitReceipt(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingReceipt {
		return 0, stateError("await receipt", s.state)
	}

	werr := s.waitLocked(ctx, timeout, func() bool {
		return s.received || s.lost != nil || (s.pubDone && s.pubErr != nil)
	})
	switch {
	case s.state != StateAwaitingReceipt:
		return 0, stateError("await receipt", s.state)
	case s.received:
		s.setStateLocked(StateSubscribed)
		return s.latencyLocked(), nil
	case s.lost != nil:
		return 0, s.failLocked(fmt.Errorf("await receipt: %w: %v", ErrSessionFailed, s.lost))
	case s.pubDone && s.pubErr != nil:
		s.lastErr = fmt.Errorf("%w: %v", ErrPublishFailed, s.pubErr)
		s.setStateLocked(StateSubscribed)
		return 0, s.lastErr
	case errors.Is(werr, errWaitTimeout):
		s.lastErr = fmt.Errorf("topic %q: %w", s.expTopic, ErrDeliveryTimeout)
		s.setStateLocked(StateSubscribed)
		return 0, s.lastErr
	default:
		return 0, s.failLocked(werr)
	}
}

// latencyLocked measures from the moment the transport confirmed the send
// to the delivery callback. Without a send confirmation it measures from the
// Publish call.
func (s *Session) latencyLocked() time.Duration {
	t := s.times
	end := t.ReceivedAt
	if end.IsZero() {
		end = s.now()
	}
	if !t.AcceptedAt.IsZero() && !end.Before(t.AcceptedAt) {
		return end.Sub(t.AcceptedAt)
	}
	return end.Sub(t.PublishedAt)
}

// Disconnect stops the transport and moves the session to Terminated. A
// Failed session keeps its state but still releases the transport. Calling
// Disconnect again, or on a session that never connected, does nothing more.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateTerminated || s.state == StateDisconnecting {
		s.mu.Unlock()
		return
	}
	failed := s.state == StateFailed
	open := s.open
	s.open = false
	if !failed {
		s.setStateLocked(StateDisconnecting)
	}
	s.mu.Unlock()

	if open {
		s.transport.Disconnect()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !failed {
		s.setStateLocked(StateTerminated)
	}
	s.logger.Debug("disconnected", zap.Stringer("state", s.state))
}

// waitLocked blocks until done reports true, the deadline passes or ctx is
// done. s.mu must be held; it is released while waiting and held again on
// return.
func (s *Session) waitLocked(ctx context.Context, timeout time.Duration, done func() bool) error {
	if done() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !done() {
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
		case <-timer.C:
			s.mu.Lock()
			if done() {
				return nil
			}
			return errWaitTimeout
		case <-ctx.Done():
			s.mu.Lock()
			if done() {
				return nil
			}
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) setStateLocked(st State) {
	if s.state != st {
		s.logger.Debug("state transition", zap.Stringer("from", s.state), zap.Stringer("to", st))
	}
	s.state = st
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) failLocked(err error) error {
	s.lastErr = err
	if s.state != StateTerminated {
		s.setStateLocked(StateFailed)
	}
	return err
}

// handler adapts transport callbacks to the session.
type handler struct{ s *Session }

func (h handler) OnConnect(code byte, err error) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}
	s.connDone = true
	s.resultCode = code
	s.connErr = err
	s.notifyLocked()
}

func (h handler) OnSubscribe(granted byte, err error) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSubscribing {
		return
	}
	s.subDone = true
	s.granted = granted
	s.subErr = err
	s.notifyLocked()
}

func (h handler) OnPublish(id uint64, err error) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePublishing && s.state != StateAwaitingReceipt {
		return
	}
	// Acks of earlier publishes can complete after their receipt.
	if id != s.pubSeq || s.pubDone {
		s.logger.Debug("ignoring stale publish completion", zap.Uint64("id", id), zap.Uint64("current", s.pubSeq))
		return
	}
	s.pubDone = true
	s.pubErr = err
	if err == nil {
		s.times.AcceptedAt = s.now()
	}
	s.notifyLocked()
}

func (h handler) OnMessage(topic string, payload []byte) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.state == StatePublishing || s.state == StateAwaitingReceipt
	if !pending || s.received || topic != s.expTopic || !bytes.Equal(payload, s.expBody) {
		s.stale++
		return
	}
	s.received = true
	s.times.ReceivedAt = s.now()
	s.notifyLocked()
}

func (h handler) OnConnectionLost(err error) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errors.New("connection lost")
	}
	if s.lost == nil {
		s.lost = err
	}
	if s.state.live() && s.state != StateConnecting {
		s.lastErr = fmt.Errorf("%w: %v", ErrSessionFailed, err)
		s.setStateLocked(StateFailed)
		return
	}
	s.notifyLocked()
}

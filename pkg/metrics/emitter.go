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

package metrics

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Sink consumes emitted events. Implementations must be safe for concurrent
// use; every simulated client emits from its own goroutine.
type Sink interface {
	Record(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

// Record calls f(ev).
func (f SinkFunc) Record(ev Event) error { return f(ev) }

// EmitOption adjusts a single emitted event.
type EmitOption func(*Event)

// WithDuration overrides the elapsed time computed from the start time. Used
// when latency is measured end-to-end rather than around a call.
func WithDuration(d time.Duration) EmitOption {
	return func(ev *Event) { ev.Duration = d }
}

// WithPayloadSize records the number of payload bytes involved in the phase.
func WithPayloadSize(n int) EmitOption {
	return func(ev *Event) { ev.PayloadSize = n }
}

// WithSubject tags the event with the simulated client it belongs to.
func WithSubject(subject string) EmitOption {
	return func(ev *Event) { ev.Subject = subject }
}

// Emitter fans events out to its sinks. Emitting never fails from the caller's
// point of view: sink errors and panics are logged and discarded.
type Emitter struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewEmitter creates an Emitter writing to sinks.
func NewEmitter(logger *zap.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		sinks:  sinks,
		logger: logger.With(zap.String("component", "metrics")),
		now:    time.Now,
	}
}

// Emit records one phase that started at start. A nil err is a success; a
// non-nil err is a failure carrying err.Error() as detail.
//
// A nil *Emitter discards everything.
func (e *Emitter) Emit(category, name string, start time.Time, err error, opts ...EmitOption) {
	if e == nil {
		return
	}
	now := e.now()
	ev := Event{
		Timestamp: now,
		Category:  category,
		Name:      name,
		Duration:  now.Sub(start),
		Outcome:   OutcomeSuccess,
	}
	if err != nil {
		ev.Outcome = OutcomeFailure
		ev.Error = err.Error()
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if ev.Duration < 0 {
		ev.Duration = 0
	}
	e.Record(ev)
}

// Record passes a fully built event to every sink.
func (e *Emitter) Record(ev Event) {
	if e == nil {
		return
	}
	for _, s := range e.sinks {
		e.recordOne(s, ev)
	}
}

func (e *Emitter) recordOne(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("metric sink panicked",
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Any("panic", r),
				zap.String("event", ev.Name))
		}
	}()
	if err := s.Record(ev); err != nil {
		e.logger.Warn("failed to record metric event",
			zap.String("sink", fmt.Sprintf("%T", s)),
			zap.String("event", ev.Name),
			zap.Error(err))
	}
}

// Close closes every sink that implements io.Closer.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	for _, s := range e.sinks {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			e.logger.Warn("failed to close metric sink", zap.String("sink", fmt.Sprintf("%T", s)), zap.Error(err))
		}
	}
}

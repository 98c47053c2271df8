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

package session

import (
	"errors"
	"fmt"

	"github.com/turtacn/emqx-bench/pkg/cluster"
)

var (
	// ErrInvalidState is returned when an operation is called from a state
	// that does not allow it.
	ErrInvalidState = errors.New("session: invalid state for operation")
	// ErrSessionFailed is returned once the transport has been lost.
	ErrSessionFailed = errors.New("session: session failed")
	// ErrSubscriptionDenied is returned when the SUBACK carries a failure code.
	ErrSubscriptionDenied = errors.New("session: subscription denied")
	// ErrSubscribeTimeout is returned when no SUBACK arrives in time.
	ErrSubscribeTimeout = errors.New("session: subscription not acknowledged")
	// ErrDeliveryTimeout is returned when the published message is not
	// delivered back in time.
	ErrDeliveryTimeout = errors.New("session: receipt not observed")
	// ErrPublishFailed is returned when the transport reports that a publish
	// could not be sent.
	ErrPublishFailed = errors.New("session: publish failed")
)

// ConnectionErrorKind distinguishes why a connect attempt failed.
type ConnectionErrorKind int

// Connection failure kinds.
const (
	// KindRejected means the broker answered with a non-zero CONNACK.
	KindRejected ConnectionErrorKind = iota
	// KindNetwork means the broker could not be reached or the link broke.
	KindNetwork
	// KindNoResponse means no CONNACK arrived before the deadline.
	KindNoResponse
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindNetwork:
		return "network"
	case KindNoResponse:
		return "no response"
	default:
		return "unknown"
	}
}

// ConnectionError reports a failed connect.
type ConnectionError struct {
	Kind      ConnectionErrorKind
	Endpoint  cluster.Endpoint
	Rejection Rejection
	Err       error
}

func (e *ConnectionError) Error() string {
	switch e.Kind {
	case KindRejected:
		return fmt.Sprintf("connect to %s rejected: %s", e.Endpoint, e.Rejection)
	case KindNoResponse:
		return fmt.Sprintf("connect to %s: no response", e.Endpoint)
	default:
		return fmt.Sprintf("connect to %s: network error: %v", e.Endpoint, e.Err)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func stateError(op string, s State) error {
	if s == StateFailed {
		return fmt.Errorf("%s: %w", op, ErrSessionFailed)
	}
	return fmt.Errorf("%s in state %s: %w", op, s, ErrInvalidState)
}

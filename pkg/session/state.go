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

// State is the lifecycle phase of a Session.
type State int

// Session states. Disconnected is initial; Terminated and Failed are
// terminal.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateSubscribed
	StatePublishing
	StateAwaitingReceipt
	StateDisconnecting
	StateTerminated
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StatePublishing:
		return "publishing"
	case StateAwaitingReceipt:
		return "awaiting_receipt"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// live reports whether the transport may be delivering callbacks.
func (s State) live() bool {
	switch s {
	case StateConnecting, StateConnected, StateSubscribing, StateSubscribed, StatePublishing, StateAwaitingReceipt:
		return true
	}
	return false
}

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

import "github.com/turtacn/emqx-bench/pkg/cluster"

// Credentials identify a client to the broker.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// Handler receives the asynchronous outcomes of Transport calls. Methods may
// be called from any goroutine, concurrently with each other.
type Handler interface {
	// OnConnect reports the CONNACK return code, or a non-nil err when no
	// CONNACK was read.
	OnConnect(code byte, err error)
	// OnSubscribe reports the granted QoS, or 0x80 for a denied filter.
	OnSubscribe(granted byte, err error)
	// OnPublish reports that the publish tagged id left the client (QoS 0) or
	// was acknowledged by the broker (QoS 1 and 2).
	OnPublish(id uint64, err error)
	// OnMessage delivers an inbound PUBLISH.
	OnMessage(topic string, payload []byte)
	// OnConnectionLost reports that an established connection dropped.
	OnConnectionLost(err error)
}

// Transport is one broker connection. Calls return as soon as the request is
// handed off; outcomes arrive on the Handler given to Connect.
type Transport interface {
	Connect(endpoint cluster.Endpoint, creds Credentials, h Handler) error
	Subscribe(topic string, qos byte) error
	// Publish sends payload and reports its completion with OnPublish(id, ...).
	Publish(id uint64, topic string, qos byte, payload []byte) error
	Disconnect()
}

// TransportFactory creates a fresh Transport for each Session.
type TransportFactory func() Transport

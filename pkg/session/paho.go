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
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/turtacn/emqx-bench/pkg/cluster"
)

// PahoConfig tunes the paho client behind PahoTransport.
type PahoConfig struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Quiesce is how long Disconnect waits for in-flight work.
	Quiesce time.Duration
}

// DefaultPahoConfig returns the settings used by the load generator.
func DefaultPahoConfig() PahoConfig {
	return PahoConfig{
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Quiesce:        250 * time.Millisecond,
	}
}

var errNotConnected = errors.New("transport not connected")

// PahoTransport is a Transport backed by the Eclipse paho client. Automatic
// reconnection is off: a lost connection ends the session.
type PahoTransport struct {
	cfg PahoConfig

	mu     sync.Mutex
	client mqtt.Client
	h      Handler
}

// NewPahoTransport creates an unconnected transport.
func NewPahoTransport(cfg PahoConfig) *PahoTransport {
	return &PahoTransport{cfg: cfg}
}

// PahoFactory returns a TransportFactory producing PahoTransports.
func PahoFactory(cfg PahoConfig) TransportFactory {
	return func() Transport { return NewPahoTransport(cfg) }
}

// Connect implements Transport.
func (t *PahoTransport) Connect(endpoint cluster.Endpoint, creds Credentials, h Handler) error {
	opts := mqtt.NewClientOptions().
		AddBroker(endpoint.URL()).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(t.cfg.KeepAlive).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetWriteTimeout(t.cfg.WriteTimeout).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			h.OnMessage(msg.Topic(), msg.Payload())
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			h.OnConnectionLost(err)
		})

	client := mqtt.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.h = h
	t.mu.Unlock()

	token := client.Connect()
	go func() {
		<-token.Done()
		var code byte
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			code = ct.ReturnCode()
		}
		h.OnConnect(code, token.Error())
	}()
	return nil
}

func (t *PahoTransport) current() (mqtt.Client, Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, t.h
}

// Subscribe implements Transport. Messages on topic go to the default
// publish handler, that is Handler.OnMessage.
func (t *PahoTransport) Subscribe(topic string, qos byte) error {
	client, h := t.current()
	if client == nil {
		return errNotConnected
	}
	token := client.Subscribe(topic, qos, nil)
	go func() {
		<-token.Done()
		granted := byte(0x80)
		if st, ok := token.(*mqtt.SubscribeToken); ok {
			if code, found := st.Result()[topic]; found {
				granted = code
			}
		}
		h.OnSubscribe(granted, token.Error())
	}()
	return nil
}

// Publish implements Transport.
func (t *PahoTransport) Publish(id uint64, topic string, qos byte, payload []byte) error {
	client, h := t.current()
	if client == nil {
		return errNotConnected
	}
	token := client.Publish(topic, qos, false, payload)
	go func() {
		<-token.Done()
		h.OnPublish(id, token.Error())
	}()
	return nil
}

// Disconnect implements Transport. It is safe to call more than once.
func (t *PahoTransport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return
	}
	quiesce := t.cfg.Quiesce
	if quiesce < 0 {
		quiesce = 0
	}
	client.Disconnect(uint(quiesce / time.Millisecond))
}

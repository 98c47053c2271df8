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

// Package cluster describes the set of equivalent broker nodes a load run
// targets and spreads simulated clients across them.
package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a single broker node reachable over MQTT/TCP.
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ParseEndpoint parses "host:port". A leading "tcp://" or "mqtt://" scheme is
// accepted and stripped.
func ParseEndpoint(s string) (Endpoint, error) {
	raw := strings.TrimSpace(s)
	for _, scheme := range []string{"tcp://", "mqtt://"} {
		raw = strings.TrimPrefix(raw, scheme)
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: empty host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port: %w", s, err)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: port %d out of range", s, port)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// ParseEndpoints parses every entry of list, failing on the first bad one.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(list))
	for _, s := range list {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// Address returns "host:port".
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the broker URL understood by the MQTT client, e.g. tcp://host:1883.
func (e Endpoint) URL() string {
	return "tcp://" + e.Address()
}

func (e Endpoint) String() string {
	return e.Address()
}

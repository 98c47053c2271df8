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

package cluster

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrNoNodes is returned when a selector is built from an empty node set.
var ErrNoNodes = errors.New("cluster: no broker nodes configured")

// Selector picks a broker node uniformly at random. The node list is copied on
// construction and never mutated, so one Selector can be shared by every
// simulated client.
type Selector struct {
	nodes []Endpoint

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a Selector over nodes.
//
//   - nodes: the equivalent broker nodes; must be non-empty.
//   - seed: random seed. Zero means seed from the wall clock; any other value
//     makes the sequence of selections reproducible.
func NewSelector(nodes []Endpoint, seed int64) (*Selector, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	cp := make([]Endpoint, len(nodes))
	copy(cp, nodes)

	return &Selector{
		nodes: cp,
		rng:   rand.New(rand.NewSource(seed)),
	}, nil
}

// Select returns one of the configured nodes.
func (s *Selector) Select() Endpoint {
	if len(s.nodes) == 1 {
		return s.nodes[0]
	}
	s.mu.Lock()
	i := s.rng.Intn(len(s.nodes))
	s.mu.Unlock()
	return s.nodes[i]
}

// Nodes returns a copy of the configured nodes.
func (s *Selector) Nodes() []Endpoint {
	cp := make([]Endpoint, len(s.nodes))
	copy(cp, s.nodes)
	return cp
}

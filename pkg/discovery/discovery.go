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

// Package discovery finds the broker nodes a load test spreads its clients
// across.
package discovery

import (
	"context"

	"github.com/turtacn/emqx-bench/pkg/cluster"
)

// Discovery defines the interface for broker node discovery.
type Discovery interface {
	// DiscoverNodes returns the MQTT endpoints of every ready broker node.
	DiscoverNodes(ctx context.Context) ([]cluster.Endpoint, error)
}

// Static is a fixed node list.
type Static []cluster.Endpoint

// DiscoverNodes implements Discovery.
func (s Static) DiscoverNodes(context.Context) ([]cluster.Endpoint, error) {
	out := make([]cluster.Endpoint, len(s))
	copy(out, s)
	return out, nil
}

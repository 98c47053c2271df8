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

// Package acl manages the per-subject access-control entries the broker's
// authorizer consults. Each entry maps a topic filter to a permission bitmask
// and is stored as one field of a Redis hash keyed by subject.
package acl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/turtacn/emqx-bench/pkg/topic"
)

// Permission is a bitmask of the actions allowed on a topic filter.
type Permission int

const (
	// Subscribe allows subscribing to the filter.
	Subscribe Permission = 1
	// Publish allows publishing to matching topics.
	Publish Permission = 2
	// PublishSubscribe allows both.
	PublishSubscribe = Subscribe | Publish
)

// Valid reports whether p is one of the three defined masks.
func (p Permission) Valid() bool {
	return p >= Subscribe && p <= PublishSubscribe
}

// Has reports whether every bit of want is set in p.
func (p Permission) Has(want Permission) bool {
	return want != 0 && p&want == want
}

func (p Permission) String() string {
	switch p {
	case Subscribe:
		return "subscribe"
	case Publish:
		return "publish"
	case PublishSubscribe:
		return "publish+subscribe"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// ParsePermission accepts a numeric mask or one of "sub", "pub", "pubsub"
// and their long forms.
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sub", "subscribe":
		return Subscribe, nil
	case "pub", "publish":
		return Publish, nil
	case "pubsub", "both", "publish+subscribe", "all":
		return PublishSubscribe, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !Permission(n).Valid() {
		return 0, fmt.Errorf("invalid permission %q", s)
	}
	return Permission(n), nil
}

// ErrInvalidPermission is returned when granting a mask outside 1..3.
var ErrInvalidPermission = errors.New("acl: invalid permission")

// ProvisioningError reports a failed grant. It is fatal to the simulated
// client being started.
type ProvisioningError struct {
	Subject string
	Topic   string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision ACL for %q on %q: %v", e.Subject, e.Topic, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Allowed reports whether any entry in perms grants want on name. name is a
// concrete topic for publishes and a filter for subscriptions; a subscription
// filter is allowed only when an entry's filter covers it exactly or by
// wildcard. Publishing to a name that contains a wildcard is never allowed.
func Allowed(perms map[string]Permission, name string, want Permission) bool {
	subscribe := want.Has(Subscribe)
	if !subscribe && topic.IsFilter(name) {
		return false
	}
	for filter, p := range perms {
		if !p.Has(want) {
			continue
		}
		if subscribe && topic.Covers(filter, name) {
			return true
		}
		if !subscribe && topic.Match(name, filter) {
			return true
		}
	}
	return false
}

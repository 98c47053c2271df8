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

package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/acl"
)

// Action is what a client asks to do with a topic.
type Action int

const (
	// ActionSubscribe is a SUBSCRIBE to a topic filter.
	ActionSubscribe Action = iota
	// ActionPublish is a PUBLISH to a topic.
	ActionPublish
)

func (a Action) String() string {
	if a == ActionPublish {
		return "publish"
	}
	return "subscribe"
}

func (a Action) permission() acl.Permission {
	if a == ActionPublish {
		return acl.Publish
	}
	return acl.Subscribe
}

// ACLAuthorizer allows an action when one of the subject's stored entries
// grants it. Store errors deny.
type ACLAuthorizer struct {
	store      acl.Store
	superusers func(string) bool
	timeout    time.Duration
	logger     *zap.Logger
}

// NewACLAuthorizer creates an authorizer reading store. superusers may be
// nil.
func NewACLAuthorizer(store acl.Store, superusers func(string) bool, logger *zap.Logger) *ACLAuthorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if superusers == nil {
		superusers = func(string) bool { return false }
	}
	return &ACLAuthorizer{
		store:      store,
		superusers: superusers,
		timeout:    2 * time.Second,
		logger:     logger.With(zap.String("component", "authz")),
	}
}

// Authorize reports whether username may perform action on topic.
func (a *ACLAuthorizer) Authorize(ctx context.Context, username, topic string, action Action) bool {
	if a.superusers(username) {
		return true
	}
	if username == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	perms, err := a.store.Permissions(ctx, username)
	if err != nil {
		a.logger.Warn("failed to read ACL, denying",
			zap.String("username", username),
			zap.String("topic", topic),
			zap.Error(err))
		return false
	}

	allowed := acl.Allowed(perms, topic, action.permission())
	if !allowed {
		a.logger.Debug("not authorized",
			zap.String("username", username),
			zap.String("topic", topic),
			zap.Stringer("action", action))
	}
	return allowed
}

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

// Package auth decides whether a broker client may connect and what it may
// do once connected. Authenticators are evaluated as a chain, the way EMQX
// evaluates its authentication chain; authorization reads the per-subject
// ACL entries provisioned by the load generator.
package auth

import (
	"sync"

	"go.uber.org/zap"
)

// AuthResult represents the result of an authentication attempt
type AuthResult int

const (
	// AuthSuccess indicates successful authentication
	AuthSuccess AuthResult = iota
	// AuthFailure indicates authentication failed due to invalid credentials
	AuthFailure
	// AuthError indicates an error occurred during authentication
	AuthError
	// AuthIgnore indicates the authenticator has no opinion
	AuthIgnore
)

// String returns the string representation of AuthResult
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator defines the interface for authentication providers
type Authenticator interface {
	// Authenticate verifies the provided credentials
	Authenticate(username, password string) AuthResult
	// Name returns the name of the authenticator
	Name() string
	// Enabled returns whether the authenticator is enabled
	Enabled() bool
}

// AuthChain evaluates authenticators in order:
//   - the first AuthSuccess or AuthFailure decides
//   - AuthError is logged and the next authenticator is tried
//   - if every authenticator ignores the client, it is denied
//
// An empty chain allows everyone.
type AuthChain struct {
	mu             sync.RWMutex
	authenticators []Authenticator
	enabled        bool
	logger         *zap.Logger
}

// NewAuthChain creates a new authentication chain
func NewAuthChain(logger *zap.Logger) *AuthChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthChain{
		enabled: true,
		logger:  logger.With(zap.String("component", "auth")),
	}
}

// AddAuthenticator adds an authenticator to the end of the chain
func (ac *AuthChain) AddAuthenticator(auth Authenticator) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.authenticators = append(ac.authenticators, auth)
}

// Authenticate processes authentication through the chain
func (ac *AuthChain) Authenticate(username, password string) AuthResult {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	if !ac.enabled {
		return AuthIgnore
	}
	if len(ac.authenticators) == 0 {
		ac.logger.Warn("no authenticators configured, allowing connection", zap.String("username", username))
		return AuthSuccess
	}

	for _, a := range ac.authenticators {
		if !a.Enabled() {
			continue
		}

		result := a.Authenticate(username, password)
		ac.logger.Debug("authenticator returned",
			zap.String("authenticator", a.Name()),
			zap.String("username", username),
			zap.Stringer("result", result))

		switch result {
		case AuthSuccess:
			ac.logger.Debug("authentication successful", zap.String("username", username), zap.String("via", a.Name()))
			return AuthSuccess
		case AuthFailure:
			ac.logger.Info("authentication failed", zap.String("username", username), zap.String("via", a.Name()))
			return AuthFailure
		case AuthError:
			ac.logger.Error("authentication error", zap.String("username", username), zap.String("via", a.Name()))
		}
	}

	ac.logger.Info("all authenticators ignored client, denying access", zap.String("username", username))
	return AuthFailure
}

// Allow reports whether Authenticate succeeds.
func (ac *AuthChain) Allow(username, password string) bool {
	return ac.Authenticate(username, password) == AuthSuccess
}

// SetEnabled enables or disables the authentication chain
func (ac *AuthChain) SetEnabled(enabled bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.enabled = enabled
}

// IsEnabled returns whether the authentication chain is enabled
func (ac *AuthChain) IsEnabled() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.enabled
}

// Count returns the number of authenticators in the chain
func (ac *AuthChain) Count() int {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return len(ac.authenticators)
}

// RequireCredentials fails clients that present an empty username or
// password and ignores everyone else. Put it first in a chain.
type RequireCredentials struct{}

// Name implements Authenticator.
func (RequireCredentials) Name() string { return "require_credentials" }

// Enabled implements Authenticator.
func (RequireCredentials) Enabled() bool { return true }

// Authenticate implements Authenticator.
func (RequireCredentials) Authenticate(username, password string) AuthResult {
	if username == "" || password == "" {
		return AuthFailure
	}
	return AuthIgnore
}

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
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/credential"
)

// JWTAuthenticator accepts clients whose password is a valid token for their
// username.
type JWTAuthenticator struct {
	verifier *credential.Verifier
	logger   *zap.Logger
}

// NewJWTAuthenticator creates an authenticator backed by verifier.
func NewJWTAuthenticator(verifier *credential.Verifier, logger *zap.Logger) *JWTAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTAuthenticator{verifier: verifier, logger: logger.With(zap.String("authenticator", "jwt"))}
}

// Name implements Authenticator.
func (j *JWTAuthenticator) Name() string { return "jwt" }

// Enabled implements Authenticator.
func (j *JWTAuthenticator) Enabled() bool { return j.verifier != nil }

// Authenticate implements Authenticator. Passwords that are not shaped like
// a JWT are ignored so a later authenticator can handle them.
func (j *JWTAuthenticator) Authenticate(username, password string) AuthResult {
	if strings.Count(password, ".") != 2 {
		return AuthIgnore
	}
	claims, err := j.verifier.Verify(password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidToken) {
			j.logger.Debug("token rejected", zap.String("username", username), zap.Error(err))
			return AuthFailure
		}
		j.logger.Warn("token verification error", zap.String("username", username), zap.Error(err))
		return AuthError
	}
	if claims.Username != username {
		j.logger.Debug("token subject mismatch",
			zap.String("username", username),
			zap.String("subject", claims.Username))
		return AuthFailure
	}
	return AuthSuccess
}

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

package credential

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("credential: invalid token")

// Verifier checks tokens produced by an Issuer holding the matching private key.
type Verifier struct {
	key    *rsa.PublicKey
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. An empty issuer disables the "iss" check.
func NewVerifier(key *rsa.PublicKey, issuer string) *Verifier {
	return &Verifier{key: key, issuer: issuer, now: time.Now}
}

// Verify validates signature, algorithm, expiry and issuer, and returns the
// decoded claims.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if !claims.ExpiresAt.Time.After(v.now()) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	return claims, nil
}

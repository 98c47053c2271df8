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

// Package credential issues and verifies the RS256-signed tokens simulated
// clients present to the broker as their MQTT password.
//
// The private key is loaded once at process start and shared, read-only, by
// every Issuer call. Issuing a token has no side effects beyond computation.
package credential

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// DefaultIssuer is the "iss" claim expected by the broker's authorizer.
	DefaultIssuer = "server"
	// DefaultTTL is how far in the future tokens expire.
	DefaultTTL = time.Hour
)

// ErrEmptySubject is returned when a token is requested for an empty subject.
var ErrEmptySubject = errors.New("credential: subject cannot be empty")

// IssuanceError reports a failure to load the signing key or sign a token.
// It is fatal to the simulated client that requested the token, never to the
// process.
type IssuanceError struct {
	Op      string
	Subject string
	Err     error
}

func (e *IssuanceError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("token issuance failed (%s, subject %q): %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("token issuance failed (%s): %v", e.Op, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// Claims is the claim set carried by a token.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"subject"`
	ProvID   string `json:"provId"`
	Device   string `json:"device"`
	jwt.RegisteredClaims
}

// Token is a signed credential for one subject.
type Token struct {
	Raw       string
	Claims    Claims
	ExpiresAt time.Time
}

// LoadPrivateKey reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IssuanceError{Op: "load key", Err: fmt.Errorf("failed to read %s: %w", path, err)}
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, &IssuanceError{Op: "load key", Err: fmt.Errorf("failed to parse %s: %w", path, err)}
	}
	return key, nil
}

// LoadPublicKey reads a PEM encoded RSA public key or certificate.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return key, nil
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssuer sets the "iss" claim.
func WithIssuer(iss string) Option {
	return func(i *Issuer) { i.issuer = iss }
}

// WithUserID sets the numeric "user_id" claim.
func WithUserID(id int) Option {
	return func(i *Issuer) { i.userID = id }
}

// WithTTL sets the expiry horizon. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithDeviceIDs replaces the device identifier generator.
func WithDeviceIDs(gen func() string) Option {
	return func(i *Issuer) { i.deviceID = gen }
}

// Issuer signs tokens with a fixed private key.
type Issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	userID   int
	ttl      time.Duration
	now      func() time.Time
	deviceID func() string
}

// NewIssuer creates an Issuer. The key must not be nil.
func NewIssuer(key *rsa.PrivateKey, opts ...Option) (*Issuer, error) {
	if key == nil {
		return nil, &IssuanceError{Op: "init", Err: errors.New("signing key is nil")}
	}
	i := &Issuer{
		key:      key,
		issuer:   DefaultIssuer,
		ttl:      DefaultTTL,
		now:      time.Now,
		deviceID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue builds and signs a token for subject. The token carries the subject,
// the configured issuer and user id, an empty provider id, a fresh device id
// and an expiry strictly in the future.
func (i *Issuer) Issue(subject string) (Token, error) {
	if subject == "" {
		return Token{}, &IssuanceError{Op: "sign", Err: ErrEmptySubject}
	}

	now := i.now()
	// exp is whole seconds; round up so it can never land at or before now.
	exp := now.Add(i.ttl).Truncate(time.Second)
	if !exp.After(now) {
		exp = exp.Add(time.Second)
	}

	claims := Claims{
		UserID:   i.userID,
		Username: subject,
		ProvID:   "",
		Device:   i.deviceID(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, &IssuanceError{Op: "sign", Subject: subject, Err: err}
	}

	return Token{Raw: raw, Claims: claims, ExpiresAt: exp}, nil
}

// PublicKey returns the verification key matching the signing key.
func (i *Issuer) PublicKey() *rsa.PublicKey {
	return &i.key.PublicKey
}

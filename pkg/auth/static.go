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
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords
	HashPlain HashAlgorithm = "plain"
	// HashBcrypt represents bcrypt hashed passwords
	HashBcrypt HashAlgorithm = "bcrypt"
)

// User is a static operator account, for example a monitoring client that
// connects to the development broker without a token.
type User struct {
	Username     string        `json:"username" yaml:"username" mapstructure:"username"`
	PasswordHash string        `json:"password_hash" yaml:"password_hash" mapstructure:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm" yaml:"algorithm" mapstructure:"algorithm"`
	Superuser    bool          `json:"superuser" yaml:"superuser" mapstructure:"superuser"`
}

// StaticAuthenticator authenticates a fixed set of users.
type StaticAuthenticator struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewStaticAuthenticator creates an authenticator for users. Unknown
// algorithms are rejected.
func NewStaticAuthenticator(users []User) (*StaticAuthenticator, error) {
	sa := &StaticAuthenticator{users: make(map[string]User, len(users))}
	for _, u := range users {
		if u.Username == "" {
			return nil, fmt.Errorf("username cannot be empty")
		}
		switch u.Algorithm {
		case "":
			u.Algorithm = HashBcrypt
		case HashPlain, HashBcrypt:
		default:
			return nil, fmt.Errorf("unsupported hash algorithm %q for user %s", u.Algorithm, u.Username)
		}
		sa.users[u.Username] = u
	}
	return sa, nil
}

// HashPassword hashes password for storage in a User.
func HashPassword(password string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashBcrypt, "":
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func verifyPassword(password string, u User) bool {
	switch u.Algorithm {
	case HashPlain:
		return password == u.PasswordHash
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
	default:
		return false
	}
}

// Name implements Authenticator.
func (sa *StaticAuthenticator) Name() string { return "static" }

// Enabled implements Authenticator.
func (sa *StaticAuthenticator) Enabled() bool {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return len(sa.users) > 0
}

// Authenticate implements Authenticator. Unknown users are ignored.
func (sa *StaticAuthenticator) Authenticate(username, password string) AuthResult {
	sa.mu.RLock()
	u, ok := sa.users[username]
	sa.mu.RUnlock()
	if !ok {
		return AuthIgnore
	}
	if verifyPassword(password, u) {
		return AuthSuccess
	}
	return AuthFailure
}

// IsSuperuser reports whether username is a static superuser.
func (sa *StaticAuthenticator) IsSuperuser(username string) bool {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return sa.users[username].Superuser
}

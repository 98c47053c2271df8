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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func writePEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadPrivateKey(t *testing.T) {
	key := signingKey(t)

	t.Run("pkcs1", func(t *testing.T) {
		path := writePEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
		loaded, err := LoadPrivateKey(path)
		require.NoError(t, err)
		assert.True(t, key.Equal(loaded))
	})

	t.Run("pkcs8", func(t *testing.T) {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		loaded, err := LoadPrivateKey(writePEM(t, "PRIVATE KEY", der))
		require.NoError(t, err)
		assert.True(t, key.Equal(loaded))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPrivateKey(filepath.Join(t.TempDir(), "nope.pem"))
		var ie *IssuanceError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "load key", ie.Op)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
		_, err := LoadPrivateKey(path)
		var ie *IssuanceError
		assert.ErrorAs(t, err, &ie)
	})
}

func TestLoadPublicKey(t *testing.T) {
	key := signingKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	pub, err := LoadPublicKey(writePEM(t, "PUBLIC KEY", der))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestNewIssuerNilKey(t *testing.T) {
	_, err := NewIssuer(nil)
	var ie *IssuanceError
	assert.ErrorAs(t, err, &ie)
}

func TestIssueClaims(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	issuer, err := NewIssuer(signingKey(t),
		WithClock(func() time.Time { return now }),
		WithDeviceIDs(func() string { return "device-1" }),
	)
	require.NoError(t, err)

	tok, err := issuer.Issue("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Raw)
	assert.Equal(t, now.Add(time.Hour).Truncate(time.Second), tok.ExpiresAt)

	// Decode the payload without verification to check the wire claim names.
	parts := strings.Split(tok.Raw, ".")
	require.Len(t, parts, 3)
	payload, err := jwt.DecodeSegment(parts[1])
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, "alice", wire["subject"])
	assert.Equal(t, "server", wire["iss"])
	assert.Equal(t, float64(0), wire["user_id"])
	assert.Equal(t, "", wire["provId"])
	assert.Equal(t, "device-1", wire["device"])
	assert.Equal(t, float64(tok.ExpiresAt.Unix()), wire["exp"])
}

func TestIssueOptions(t *testing.T) {
	issuer, err := NewIssuer(signingKey(t), WithIssuer("other"), WithUserID(7), WithTTL(2*time.Hour))
	require.NoError(t, err)

	before := time.Now()
	tok, err := issuer.Issue("bob")
	require.NoError(t, err)
	assert.Equal(t, "other", tok.Claims.Issuer)
	assert.Equal(t, 7, tok.Claims.UserID)
	assert.True(t, tok.ExpiresAt.After(before.Add(time.Hour)))
}

func TestIssueExpiryAlwaysInFuture(t *testing.T) {
	now := time.Unix(1000, 900_000_000)
	issuer, err := NewIssuer(signingKey(t),
		WithTTL(50*time.Millisecond),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	tok, err := issuer.Issue("carol")
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.After(now))
}

func TestIssueUniqueDeviceIDs(t *testing.T) {
	issuer, err := NewIssuer(signingKey(t))
	require.NoError(t, err)

	a, err := issuer.Issue("dave")
	require.NoError(t, err)
	b, err := issuer.Issue("dave")
	require.NoError(t, err)
	assert.NotEqual(t, a.Claims.Device, b.Claims.Device)
}

func TestIssueEmptySubject(t *testing.T) {
	issuer, err := NewIssuer(signingKey(t))
	require.NoError(t, err)

	_, err = issuer.Issue("")
	assert.True(t, errors.Is(err, ErrEmptySubject))
}

func TestVerifyRoundTrip(t *testing.T) {
	issuer, err := NewIssuer(signingKey(t))
	require.NoError(t, err)
	verifier := NewVerifier(issuer.PublicKey(), DefaultIssuer)

	tok, err := issuer.Issue("alice")
	require.NoError(t, err)

	claims, err := verifier.Verify(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, tok.Claims.Device, claims.Device)
}

func TestVerifyRejects(t *testing.T) {
	key := signingKey(t)
	issuer, err := NewIssuer(key)
	require.NoError(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	foreign, err := NewIssuer(other)
	require.NoError(t, err)

	wrongIss, err := NewIssuer(key, WithIssuer("someone-else"))
	require.NoError(t, err)

	expired, err := NewIssuer(key, WithClock(func() time.Time { return time.Now().Add(-3 * time.Hour) }))
	require.NoError(t, err)

	mustIssue := func(i *Issuer) string {
		tok, err := i.Issue("alice")
		require.NoError(t, err)
		return tok.Raw
	}

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"subject": "alice"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	verifier := NewVerifier(issuer.PublicKey(), DefaultIssuer)
	testCases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "a.b.c"},
		{"foreign key", mustIssue(foreign)},
		{"wrong issuer", mustIssue(wrongIss)},
		{"expired", mustIssue(expired)},
		{"hmac", hs},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.Verify(tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

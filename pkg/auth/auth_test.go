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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/credential"
	"github.com/turtacn/emqx-bench/pkg/credential/credentialtest"
)

type stubAuthenticator struct {
	name    string
	result  AuthResult
	enabled bool
	calls   int
}

func (s *stubAuthenticator) Authenticate(string, string) AuthResult {
	s.calls++
	return s.result
}
func (s *stubAuthenticator) Name() string  { return s.name }
func (s *stubAuthenticator) Enabled() bool { return s.enabled }

func TestAuthResultString(t *testing.T) {
	assert.Equal(t, "success", AuthSuccess.String())
	assert.Equal(t, "failure", AuthFailure.String())
	assert.Equal(t, "error", AuthError.String())
	assert.Equal(t, "ignore", AuthIgnore.String())
	assert.Equal(t, "unknown", AuthResult(42).String())
}

func TestAuthChain(t *testing.T) {
	testCases := []struct {
		name     string
		results  []AuthResult
		expected AuthResult
		called   []int
	}{
		{"empty chain allows", nil, AuthSuccess, nil},
		{"first success wins", []AuthResult{AuthSuccess, AuthFailure}, AuthSuccess, []int{1, 0}},
		{"first failure wins", []AuthResult{AuthFailure, AuthSuccess}, AuthFailure, []int{1, 0}},
		{"ignore falls through", []AuthResult{AuthIgnore, AuthSuccess}, AuthSuccess, []int{1, 1}},
		{"error falls through", []AuthResult{AuthError, AuthSuccess}, AuthSuccess, []int{1, 1}},
		{"all ignore denies", []AuthResult{AuthIgnore, AuthIgnore}, AuthFailure, []int{1, 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chain := NewAuthChain(nil)
			stubs := make([]*stubAuthenticator, len(tc.results))
			for i, r := range tc.results {
				stubs[i] = &stubAuthenticator{name: "stub", result: r, enabled: true}
				chain.AddAuthenticator(stubs[i])
			}

			assert.Equal(t, tc.expected, chain.Authenticate("user", "pass"))
			for i, want := range tc.called {
				assert.Equal(t, want, stubs[i].calls, "authenticator %d", i)
			}
		})
	}
}

func TestAuthChainSkipsDisabled(t *testing.T) {
	chain := NewAuthChain(nil)
	disabled := &stubAuthenticator{result: AuthFailure, enabled: false}
	chain.AddAuthenticator(disabled)
	chain.AddAuthenticator(&stubAuthenticator{result: AuthSuccess, enabled: true})

	assert.True(t, chain.Allow("u", "p"))
	assert.Zero(t, disabled.calls)
	assert.Equal(t, 2, chain.Count())

	chain.SetEnabled(false)
	assert.False(t, chain.IsEnabled())
	assert.Equal(t, AuthIgnore, chain.Authenticate("u", "p"))
}

func TestRequireCredentials(t *testing.T) {
	r := RequireCredentials{}
	assert.Equal(t, AuthFailure, r.Authenticate("", "token"))
	assert.Equal(t, AuthFailure, r.Authenticate("user", ""))
	assert.Equal(t, AuthIgnore, r.Authenticate("user", "token"))
}

func TestJWTAuthenticator(t *testing.T) {
	j := NewJWTAuthenticator(credentialtest.Verifier(t), nil)
	assert.True(t, j.Enabled())

	token := credentialtest.Token(t, "loadtest-abc")
	assert.Equal(t, AuthSuccess, j.Authenticate("loadtest-abc", token))
	assert.Equal(t, AuthFailure, j.Authenticate("someone-else", token), "token must belong to the username")
	assert.Equal(t, AuthIgnore, j.Authenticate("loadtest-abc", "plain-password"))
	assert.Equal(t, AuthFailure, j.Authenticate("loadtest-abc", "a.b.c"))

	expired, err := credentialtest.Issuer(t,
		credential.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }),
	).Issue("loadtest-abc")
	require.NoError(t, err)
	assert.Equal(t, AuthFailure, j.Authenticate("loadtest-abc", expired.Raw))

	assert.False(t, NewJWTAuthenticator(nil, nil).Enabled())
}

func TestStaticAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	sa, err := NewStaticAuthenticator([]User{
		{Username: "monitor", PasswordHash: string(hash), Superuser: true},
		{Username: "plain", PasswordHash: "pw", Algorithm: HashPlain},
	})
	require.NoError(t, err)
	assert.True(t, sa.Enabled())

	assert.Equal(t, AuthSuccess, sa.Authenticate("monitor", "s3cret"))
	assert.Equal(t, AuthFailure, sa.Authenticate("monitor", "wrong"))
	assert.Equal(t, AuthSuccess, sa.Authenticate("plain", "pw"))
	assert.Equal(t, AuthIgnore, sa.Authenticate("unknown", "pw"))
	assert.True(t, sa.IsSuperuser("monitor"))
	assert.False(t, sa.IsSuperuser("plain"))

	_, err = NewStaticAuthenticator([]User{{Username: "x", Algorithm: "md5"}})
	assert.Error(t, err)
	_, err = NewStaticAuthenticator([]User{{Username: ""}})
	assert.Error(t, err)

	empty, err := NewStaticAuthenticator(nil)
	require.NoError(t, err)
	assert.False(t, empty.Enabled())
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw", HashPlain)
	require.NoError(t, err)
	assert.Equal(t, "pw", h)

	h, err = HashPassword("pw", HashBcrypt)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))

	_, err = HashPassword("pw", "sha1")
	assert.Error(t, err)
}

func TestChainForBenchClients(t *testing.T) {
	chain := NewAuthChain(nil)
	chain.AddAuthenticator(RequireCredentials{})
	chain.AddAuthenticator(NewJWTAuthenticator(credentialtest.Verifier(t), nil))

	assert.True(t, chain.Allow("loadtest-1", credentialtest.Token(t, "loadtest-1")))
	assert.False(t, chain.Allow("loadtest-1", ""))
	assert.False(t, chain.Allow("loadtest-1", "password"))
}

func TestACLAuthorizer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := acl.NewRedisStore(client, "")
	ctx := context.Background()

	require.NoError(t, store.SetPermission(ctx, "loadtest-1", "chat/test-topic/1", acl.PublishSubscribe))
	require.NoError(t, store.SetPermission(ctx, "reader", "news/#", acl.Subscribe))

	authz := NewACLAuthorizer(store, func(u string) bool { return u == "admin" }, nil)

	assert.True(t, authz.Authorize(ctx, "loadtest-1", "chat/test-topic/1", ActionSubscribe))
	assert.True(t, authz.Authorize(ctx, "loadtest-1", "chat/test-topic/1", ActionPublish))
	assert.False(t, authz.Authorize(ctx, "loadtest-1", "chat/test-topic/2", ActionPublish))
	assert.False(t, authz.Authorize(ctx, "loadtest-2", "chat/test-topic/1", ActionSubscribe))
	assert.True(t, authz.Authorize(ctx, "reader", "news/today", ActionSubscribe))
	assert.True(t, authz.Authorize(ctx, "reader", "news/+/sport", ActionSubscribe))
	assert.False(t, authz.Authorize(ctx, "reader", "#", ActionSubscribe))
	assert.False(t, authz.Authorize(ctx, "loadtest-1", "chat/test-topic/#", ActionSubscribe))
	assert.False(t, authz.Authorize(ctx, "reader", "news/today", ActionPublish))
	assert.True(t, authz.Authorize(ctx, "admin", "anything", ActionPublish))
	assert.False(t, authz.Authorize(ctx, "", "chat/test-topic/1", ActionSubscribe))

	mr.SetError("LOADING")
	assert.False(t, authz.Authorize(ctx, "loadtest-1", "chat/test-topic/1", ActionSubscribe), "store errors deny")
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "publish", ActionPublish.String())
	assert.Equal(t, "subscribe", ActionSubscribe.String())
}

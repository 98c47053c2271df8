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

// Package credentialtest provides signing keys and issuers for tests.
package credentialtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/turtacn/emqx-bench/pkg/credential"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

// Key returns a 2048-bit RSA key shared by every test in the process.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return key
}

// Issuer returns an Issuer signing with Key.
func Issuer(t testing.TB, opts ...credential.Option) *credential.Issuer {
	t.Helper()
	iss, err := credential.NewIssuer(Key(t), opts...)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss
}

// Verifier returns a Verifier for tokens from Issuer.
func Verifier(t testing.TB) *credential.Verifier {
	t.Helper()
	return credential.NewVerifier(&Key(t).PublicKey, credential.DefaultIssuer)
}

// Token issues a token for subject.
func Token(t testing.TB, subject string) string {
	t.Helper()
	tok, err := Issuer(t).Issue(subject)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok.Raw
}

// WriteKeys writes Key as PKCS#1 private and PKIX public PEM files in a
// temporary directory and returns their paths.
func WriteKeys(t testing.TB) (privPath, pubPath string) {
	t.Helper()
	dir := t.TempDir()
	k := Key(t)

	privPath = filepath.Join(dir, "private.pem")
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPath = filepath.Join(dir, "public.pem")
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privPath, pubPath
}

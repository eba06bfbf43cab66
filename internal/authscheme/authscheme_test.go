/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package authscheme

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperledger-labs/fabric-operations-console/common/crypto/testca"
)

type staticRoots map[string][]string

func (s staticRoots) CertsFor(ctx context.Context, mspID string) ([]string, error) {
	return s[mspID], nil
}

type fixture struct {
	root  *testca.CA
	pair  *testca.CertKeyPair
	roots staticRoots
}

func newFixture(t *testing.T) *fixture {
	root, err := testca.NewCA("root.org1.example.com")
	require.NoError(t, err)
	pair, err := root.NewClientCertKeyPair("org1-admin")
	require.NoError(t, err)
	return &fixture{
		root:  root,
		pair:  pair,
		roots: staticRoots{"Org1MSP": {base64.StdEncoding.EncodeToString(root.Cert)}},
	}
}

// signedBody builds a request body with an authorize block and the matching
// Authorization header value.
func (f *fixture) signedBody(t *testing.T, hashVer string, fields map[string]interface{}) ([]byte, string) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["authorize"] = map[string]interface{}{
		"msp_id":      "Org1MSP",
		"certificate": base64.StdEncoding.EncodeToString(f.pair.Cert),
		"hash_ver":    hashVer,
	}
	body, err := json.Marshal(fields)
	require.NoError(t, err)

	digest, err := CanonicalBodyHash(body, hashVer)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(digest))
	sig, err := ecdsa.SignASN1(rand.Reader, f.pair.Key, sum[:])
	require.NoError(t, err)
	return body, "Signature " + base64.StdEncoding.EncodeToString(sig)
}

func TestAuthenticateV2(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)

	body, header := f.signedBody(t, "v2", map[string]interface{}{
		"tx_id":   "abc",
		"channel": "mychannel",
	})
	require.NoError(t, m.Authenticate(context.Background(), header, body))
}

func TestAuthenticateLegacyV1(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)

	body, header := f.signedBody(t, "", map[string]interface{}{
		"tx_id":    "abc",
		"channel":  "mychannel",
		"proposal": "cGVuZGluZw==",
	})
	require.NoError(t, m.Authenticate(context.Background(), header, body))
}

func TestV2HashIgnoresDistribute(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)

	body, header := f.signedBody(t, "v2", map[string]interface{}{"tx_id": "abc"})

	// a relaying instance rewrites distribute without re-signing
	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &asMap))
	asMap["distribute"] = "none"
	rewritten, err := json.Marshal(asMap)
	require.NoError(t, err)

	require.NoError(t, m.Authenticate(context.Background(), header, rewritten))
}

func TestV1HashIgnoresJSONDiff(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)

	body, header := f.signedBody(t, "", map[string]interface{}{"tx_id": "abc"})

	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &asMap))
	asMap["json_diff"] = map[string]interface{}{"rewritten": true}
	rewritten, err := json.Marshal(asMap)
	require.NoError(t, err)

	require.NoError(t, m.Authenticate(context.Background(), header, rewritten))
}

func TestAuthenticateRejections(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)
	body, header := f.signedBody(t, "v2", map[string]interface{}{"tx_id": "abc"})

	t.Run("missing scheme", func(t *testing.T) {
		err := m.Authenticate(context.Background(), "Bearer xyz", body)
		require.ErrorContains(t, err, "signature scheme")
	})

	t.Run("tampered body", func(t *testing.T) {
		tampered := []byte(strings.Replace(string(body), `"abc"`, `"abd"`, 1))
		err := m.Authenticate(context.Background(), header, tampered)
		require.ErrorContains(t, err, "invalid")
	})

	t.Run("missing authorize", func(t *testing.T) {
		err := m.Authenticate(context.Background(), header, []byte(`{"tx_id":"abc"}`))
		require.ErrorContains(t, err, "authorize certificate")
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		stranger := newFixture(t) // different root, not in m's directory
		strangerBody, strangerHeader := stranger.signedBody(t, "v2", map[string]interface{}{"tx_id": "abc"})
		err := m.Authenticate(context.Background(), strangerHeader, strangerBody)
		require.ErrorContains(t, err, "not trusted")
	})
}

func TestTrustUnknownCertsSkipsDirectory(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(staticRoots{}, true)

	body, header := f.signedBody(t, "v2", map[string]interface{}{"tx_id": "abc"})
	require.NoError(t, m.Authenticate(context.Background(), header, body))
}

func TestWrapMarksRequestAndRestoresBody(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)
	body, header := f.signedBody(t, "v2", map[string]interface{}{"tx_id": "abc"})

	var sawBody []byte
	var sawSigAuth bool
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		sawBody, err = json.Marshal(jsonBody(t, r))
		require.NoError(t, err)
		sawSigAuth = IsSignatureAuthenticated(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v3/signature_collections", strings.NewReader(string(body)))
	req.Header.Set("Authorization", header)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.True(t, sawSigAuth)
	require.NotEmpty(t, sawBody)
}

func TestWrapRejectsWith401Shape(t *testing.T) {
	f := newFixture(t)
	m := NewMiddleware(f.roots, false)

	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v3/signature_collections", strings.NewReader(`{"tx_id":"abc"}`))
	req.Header.Set("Authorization", "Signature AAAA")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusUnauthorized, resp.Code)
	result := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.Equal(t, float64(401), result["statusCode"])
	require.NotEmpty(t, result["msg"])
}

func jsonBody(t *testing.T, r *http.Request) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package authscheme authenticates requests arriving from peer console
// instances. The caller signs a canonical hash of the request body with its
// organization's key and sends the detached signature in the Authorization
// header as "Signature <base64 DER>"; the body's authorize block names the
// MSP and carries the signer certificate, which must chain to a trusted
// certificate the party directory knows for that MSP.
package authscheme

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/fabric-operations-console/common/canonjson"
	"github.com/hyperledger-labs/fabric-operations-console/common/certtrust"
)

var logger = flogging.MustGetLogger("authscheme")

const headerPrefix = "Signature "

// HashVersionV2 hashes the whole body minus the distribute field. Anything
// else falls back to the legacy field allow-list.
const HashVersionV2 = "v2"

// legacy hash input: only these body fields participate, and json_diff is
// zeroed so proxies may rewrite it without breaking authentication.
var v1HashFields = []string{
	"tx_id", "proposal", "channel", "orderers", "orgs2sign", "orderers2sign",
	"authorize", "originator_msp", "current_policy", "status",
}

type contextKey struct{}

// signatureAuthKey marks a request that passed signature authentication.
var signatureAuthKey = contextKey{}

// IsSignatureAuthenticated reports whether the request was authenticated by
// this middleware (as opposed to session or api-key auth).
func IsSignatureAuthenticated(r *http.Request) bool {
	v, _ := r.Context().Value(signatureAuthKey).(bool)
	return v
}

// RootsProvider resolves the trusted certificates registered for an MSP.
type RootsProvider interface {
	CertsFor(ctx context.Context, mspID string) ([]string, error)
}

// Middleware validates the signature scheme on inbound distribution
// requests.
type Middleware struct {
	roots             RootsProvider
	trustUnknownCerts bool
}

// NewMiddleware builds the middleware around a roots provider.
func NewMiddleware(roots RootsProvider, trustUnknownCerts bool) *Middleware {
	return &Middleware{roots: roots, trustUnknownCerts: trustUnknownCerts}
}

type authorizeBlock struct {
	MSPID       string `json:"msp_id"`
	Certificate string `json:"certificate"`
	HashVer     string `json:"hash_ver,omitempty"`
}

// Wrap returns a handler that authenticates the request before invoking
// next. The request body is restored for downstream use.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeUnauthorized(w, "unable to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := m.Authenticate(r.Context(), r.Header.Get("Authorization"), body); err != nil {
			logger.Warnf("rejecting request to %s: %s", r.URL.Path, err)
			writeUnauthorized(w, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), signatureAuthKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates the detached signature in authHeader over body.
func (m *Middleware) Authenticate(ctx context.Context, authHeader string, body []byte) error {
	if !strings.HasPrefix(authHeader, headerPrefix) {
		return errors.New("authorization header is missing the signature scheme")
	}
	signature, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, headerPrefix))
	if err != nil {
		return errors.New("authorization signature is malformed")
	}

	parsed := &struct {
		Authorize *authorizeBlock `json:"authorize"`
	}{}
	if err := json.Unmarshal(body, parsed); err != nil || parsed.Authorize == nil || parsed.Authorize.Certificate == "" {
		return errors.New("request body is missing the authorize certificate")
	}
	authorize := parsed.Authorize

	digest, err := CanonicalBodyHash(body, authorize.HashVer)
	if err != nil {
		return errors.New("request body cannot be canonicalized")
	}

	cert, err := certtrust.ParseCertificate(authorize.Certificate)
	if err != nil {
		return errors.New("authorize certificate is malformed")
	}
	publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("authorize certificate is malformed")
	}

	// the signing side signs the hex digest string, so verify over its hash
	sum := sha256.Sum256([]byte(digest))
	if !ecdsa.VerifyASN1(publicKey, sum[:], signature) {
		return errors.New("authorization signature is invalid")
	}

	if m.trustUnknownCerts {
		return nil
	}
	roots, err := m.roots.CertsFor(ctx, authorize.MSPID)
	if err != nil {
		return errors.WithMessage(err, "unable to load trusted certificates")
	}
	if !certtrust.IsTrusted(authorize.Certificate, roots) {
		return errors.Errorf("authorize certificate is not trusted for %s", authorize.MSPID)
	}
	return nil
}

// CanonicalBodyHash computes the hex SHA-256 the signature covers. hashVer
// "v2" hashes the full body minus distribute; anything else uses the legacy
// allow-list with json_diff zeroed.
func CanonicalBodyHash(body []byte, hashVer string) (string, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(body, &full); err != nil {
		return "", errors.Wrap(err, "error unmarshalling body for hashing")
	}

	var subject map[string]json.RawMessage
	if hashVer == HashVersionV2 {
		subject = full
		delete(subject, "distribute")
	} else {
		subject = map[string]json.RawMessage{}
		for _, field := range v1HashFields {
			if raw, ok := full[field]; ok {
				subject[field] = raw
			}
		}
		subject["json_diff"] = json.RawMessage(`{}`)
	}

	raw, err := json.Marshal(subject)
	if err != nil {
		return "", errors.Wrap(err, "error marshalling hash subject")
	}
	return canonjson.HashHex(raw)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"statusCode": http.StatusUnauthorized,
		"msg":        msg,
	})
}

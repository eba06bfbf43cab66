/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package certtrust decides whether a candidate certificate is anchored in a
// set of trusted root or intermediate certificates. Only chains of depth two
// or less are evaluated: the candidate may equal a trusted cert, be issued
// directly by one, or be issued by an intermediate that is itself issued by
// a trusted cert. Deeper chains are not supported.
package certtrust

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("certtrust")

// NoMatches is reported by MapCertificatesToRoots when a candidate chains to
// none of the supplied roots.
const NoMatches = "no-matches"

// CertMapping pairs a candidate certificate with the trusted cert that issued
// it, by serial number.
type CertMapping struct {
	CertSerial   string `json:"cert_serial"`
	SignedByRoot string `json:"signed_by_root_serial"`
}

// ParseCertificate accepts a PEM certificate, optionally base64-wrapped the
// way the party directory stores them.
func ParseCertificate(in string) (*x509.Certificate, error) {
	data := []byte(in)
	if decoded, err := base64.StdEncoding.DecodeString(in); err == nil {
		data = decoded
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem content found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing certificate")
	}
	return cert, nil
}

// IsTrusted reports whether candidate chains to one of roots within two hops.
// Malformed input is treated as untrusted.
func IsTrusted(candidate string, roots []string) bool {
	cert, err := ParseCertificate(candidate)
	if err != nil {
		logger.Warnf("unable to parse candidate certificate: %s", err)
		return false
	}
	trusted := parseAll(roots)
	return signedBy(cert, trusted) != nil
}

// MapCertificatesToRoots resolves each candidate to the serial of the trusted
// cert that anchors it, or NoMatches. Used by admin diagnostics.
func MapCertificatesToRoots(candidates, roots []string) []CertMapping {
	trusted := parseAll(roots)

	mappings := make([]CertMapping, 0, len(candidates))
	for _, candidate := range candidates {
		mapping := CertMapping{SignedByRoot: NoMatches}
		cert, err := ParseCertificate(candidate)
		if err != nil {
			logger.Warnf("skipping malformed candidate certificate: %s", err)
			mappings = append(mappings, mapping)
			continue
		}
		mapping.CertSerial = cert.SerialNumber.Text(16)
		if root := signedBy(cert, trusted); root != nil {
			mapping.SignedByRoot = root.SerialNumber.Text(16)
		}
		mappings = append(mappings, mapping)
	}
	return mappings
}

func parseAll(in []string) []*x509.Certificate {
	certs := make([]*x509.Certificate, 0, len(in))
	for _, raw := range in {
		cert, err := ParseCertificate(raw)
		if err != nil {
			logger.Warnf("skipping malformed trusted certificate: %s", err)
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// signedBy returns the trusted cert that anchors candidate, or nil. Direct
// matches are preferred over one-intermediate chains.
func signedBy(candidate *x509.Certificate, trusted []*x509.Certificate) *x509.Certificate {
	for _, root := range trusted {
		if bytes.Equal(candidate.Raw, root.Raw) {
			return root
		}
		if candidate.CheckSignatureFrom(root) == nil {
			return root
		}
	}

	// one intermediate: candidate <- inter <- root, both from the trusted set
	for _, inter := range trusted {
		if candidate.CheckSignatureFrom(inter) != nil {
			continue
		}
		for _, root := range trusted {
			if bytes.Equal(inter.Raw, root.Raw) {
				continue
			}
			if inter.CheckSignatureFrom(root) == nil {
				return root
			}
		}
	}
	return nil
}

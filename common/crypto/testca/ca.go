/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package testca generates throwaway ECDSA certificate chains for tests.
package testca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"
)

// CertKeyPair is a certificate and its private key, certificate PEM encoded.
type CertKeyPair struct {
	Cert []byte
	Key  *ecdsa.PrivateKey

	cert *x509.Certificate
}

// CA is a certificate authority for issuing test certificates.
type CA struct {
	*CertKeyPair
}

// NewCA returns a self-signed CA.
func NewCA(cn string) (*CA, error) {
	pair, err := newCertKeyPair(cn, true, nil)
	if err != nil {
		return nil, err
	}
	return &CA{CertKeyPair: pair}, nil
}

// NewIntermediate returns a CA whose certificate is issued by c.
func (c *CA) NewIntermediate(cn string) (*CA, error) {
	pair, err := newCertKeyPair(cn, true, c.CertKeyPair)
	if err != nil {
		return nil, err
	}
	return &CA{CertKeyPair: pair}, nil
}

// NewClientCertKeyPair returns a leaf certificate issued by c.
func (c *CA) NewClientCertKeyPair(cn string) (*CertKeyPair, error) {
	return newCertKeyPair(cn, false, c.CertKeyPair)
}

func newCertKeyPair(cn string, isCA bool, issuer *CertKeyPair) (*CertKeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if isCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.BasicConstraintsValid = true
	}

	parent := template
	signerKey := key
	if issuer != nil {
		parent = issuer.cert
		signerKey = issuer.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signerKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return &CertKeyPair{Cert: pemBytes, Key: key, cert: cert}, nil
}

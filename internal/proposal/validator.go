/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package proposal validates approval signatures over a pending
// channel-configuration proposal. A signature arrives as a base64
// ConfigSignature whose SignatureHeader carries the signer's serialized
// identity; the signature itself covers the concatenation of the header
// bytes and the proposal bytes.
package proposal

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/fabric-operations-console/common/certtrust"
	"github.com/hyperledger-labs/fabric-operations-console/common/parallel"
)

var logger = flogging.MustGetLogger("proposal")

// validationLimit bounds how many party signatures are checked at once.
const validationLimit = 8

// TxTypeCCD marks chaincode-definition transactions, which carry no proposal
// and therefore skip signature validation.
const TxTypeCCD = "ccd"

// PartySignature is one signer's submission to validate.
type PartySignature struct {
	MSPID     string
	Signature string
}

// Validator checks proposal signatures against trusted certificates.
type Validator struct {
	// TrustUnknownCerts disables the trust-anchor check, accepting any
	// syntactically valid signature. Operator escape hatch.
	TrustUnknownCerts bool
}

// NewValidator returns a Validator.
func NewValidator(trustUnknownCerts bool) *Validator {
	return &Validator{TrustUnknownCerts: trustUnknownCerts}
}

// Validate checks a single detached signature over the proposal. The
// returned slice is empty when the signature is valid; missing-input
// problems are all collected before any parsing is attempted.
func (v *Validator) Validate(signatureB64, proposalB64 string, rootCertsB64 []string) []error {
	var errs []error
	if signatureB64 == "" {
		errs = append(errs, errors.New("proposal signature was not provided"))
	}
	if proposalB64 == "" {
		errs = append(errs, errors.New("proposal was not provided"))
	}
	if len(rootCertsB64) == 0 && !v.TrustUnknownCerts {
		errs = append(errs, errors.New("root certificates were not provided"))
	}
	if len(errs) > 0 {
		return errs
	}

	certPEM, headerBytes, signature, err := parseConfigSignature(signatureB64)
	if err != nil {
		logger.Debugf("unable to parse config signature: %s", err)
		return []error{errors.New("signature is malformed")}
	}

	proposalBytes, err := base64.StdEncoding.DecodeString(proposalB64)
	if err != nil {
		return []error{errors.New("signature is malformed")}
	}

	cert, err := certtrust.ParseCertificate(string(certPEM))
	if err != nil {
		return []error{errors.New("signature is malformed")}
	}
	publicKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return []error{errors.New("signature is malformed")}
	}

	digest := sha256.Sum256(append(headerBytes, proposalBytes...))
	if !ecdsa.VerifyASN1(publicKey, digest[:], signature) {
		return []error{errors.New("signature is invalid")}
	}

	if !v.TrustUnknownCerts && !certtrust.IsTrusted(string(certPEM), rootCertsB64) {
		return []error{errors.New("signature is not trusted")}
	}
	return nil
}

// ValidateParties validates every signer's signature with bounded
// concurrency, collecting all errors instead of stopping at the first
// invalid signer. rootsFor resolves the trusted certificates for an MSP.
func (v *Validator) ValidateParties(ctx context.Context, signers []PartySignature, proposalB64 string, rootsFor func(mspID string) []string) []error {
	perSigner := make([][]error, len(signers))
	parallel.Run(ctx, len(signers), validationLimit, func(ctx context.Context, i int) error {
		signer := signers[i]
		for _, err := range v.Validate(signer.Signature, proposalB64, rootsFor(signer.MSPID)) {
			perSigner[i] = append(perSigner[i], errors.WithMessagef(err, "signature for %s rejected", signer.MSPID))
		}
		return nil
	})

	var all []error
	for _, errs := range perSigner {
		all = append(all, errs...)
	}
	return all
}

// parseConfigSignature unpacks a base64 ConfigSignature into the signer's
// PEM certificate, the raw signature header bytes, and the signature.
func parseConfigSignature(in string) (certPEM, headerBytes, signature []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "error decoding base64 signature")
	}

	configSig := &common.ConfigSignature{}
	if err := proto.Unmarshal(raw, configSig); err != nil {
		return nil, nil, nil, errors.Wrap(err, "error unmarshalling ConfigSignature")
	}
	if len(configSig.SignatureHeader) == 0 || len(configSig.Signature) == 0 {
		return nil, nil, nil, errors.New("ConfigSignature is missing header or signature")
	}

	header := &common.SignatureHeader{}
	if err := proto.Unmarshal(configSig.SignatureHeader, header); err != nil {
		return nil, nil, nil, errors.Wrap(err, "error unmarshalling SignatureHeader")
	}

	identity := &msp.SerializedIdentity{}
	if err := proto.Unmarshal(header.Creator, identity); err != nil {
		return nil, nil, nil, errors.Wrap(err, "error unmarshalling SerializedIdentity")
	}
	if len(identity.IdBytes) == 0 {
		return nil, nil, nil, errors.New("SerializedIdentity has no certificate")
	}

	return identity.IdBytes, configSig.SignatureHeader, configSig.Signature, nil
}

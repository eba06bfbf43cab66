/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package proposal

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger-labs/fabric-operations-console/common/crypto/testca"
)

type signerFixture struct {
	root     *testca.CA
	pair     *testca.CertKeyPair
	proposal string
	rootB64  string
}

func newSignerFixture(t *testing.T) *signerFixture {
	root, err := testca.NewCA("root.org1.example.com")
	require.NoError(t, err)
	pair, err := root.NewClientCertKeyPair("org1-admin")
	require.NoError(t, err)
	return &signerFixture{
		root:     root,
		pair:     pair,
		proposal: base64.StdEncoding.EncodeToString([]byte("pending config update")),
		rootB64:  base64.StdEncoding.EncodeToString(root.Cert),
	}
}

// sign produces a base64 ConfigSignature over the fixture proposal.
func (f *signerFixture) sign(t *testing.T, mangle func(headerBytes, sig []byte) ([]byte, []byte)) string {
	identity := &msp.SerializedIdentity{Mspid: "Org1MSP", IdBytes: f.pair.Cert}
	creator, err := proto.Marshal(identity)
	require.NoError(t, err)

	header := &common.SignatureHeader{Creator: creator, Nonce: []byte("nonce-nonce-nonce")}
	headerBytes, err := proto.Marshal(header)
	require.NoError(t, err)

	proposalBytes, err := base64.StdEncoding.DecodeString(f.proposal)
	require.NoError(t, err)
	digest := sha256.Sum256(append(headerBytes, proposalBytes...))
	sig, err := ecdsa.SignASN1(rand.Reader, f.pair.Key, digest[:])
	require.NoError(t, err)

	if mangle != nil {
		headerBytes, sig = mangle(headerBytes, sig)
	}

	configSig := &common.ConfigSignature{SignatureHeader: headerBytes, Signature: sig}
	raw, err := proto.Marshal(configSig)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestValidateAccepts(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(false)

	errs := v.Validate(f.sign(t, nil), f.proposal, []string{f.rootB64})
	require.Empty(t, errs)
}

func TestValidateMissingInputsCollected(t *testing.T) {
	v := NewValidator(false)

	errs := v.Validate("", "", nil)
	require.Len(t, errs, 3, "one error per missing input, not fail-fast")
}

func TestValidateMalformedSignature(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(false)

	errs := v.Validate(base64.StdEncoding.EncodeToString([]byte("junk")), f.proposal, []string{f.rootB64})
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "malformed")
}

func TestValidateInvalidSignature(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(false)

	tampered := f.sign(t, func(headerBytes, sig []byte) ([]byte, []byte) {
		sig[len(sig)-1] ^= 0xff
		return headerBytes, sig
	})
	errs := v.Validate(tampered, f.proposal, []string{f.rootB64})
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "invalid")
}

func TestValidateWrongProposal(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(false)

	otherProposal := base64.StdEncoding.EncodeToString([]byte("a different update"))
	errs := v.Validate(f.sign(t, nil), otherProposal, []string{f.rootB64})
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "invalid")
}

func TestValidateUntrustedSigner(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(false)

	stranger, err := testca.NewCA("root.org9.example.com")
	require.NoError(t, err)
	strangerB64 := base64.StdEncoding.EncodeToString(stranger.Cert)

	errs := v.Validate(f.sign(t, nil), f.proposal, []string{strangerB64})
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "not trusted")
}

func TestValidateTrustUnknownCertsOverride(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(true)

	errs := v.Validate(f.sign(t, nil), f.proposal, nil)
	require.Empty(t, errs)
}

func TestValidatePartiesCollectsEveryFailure(t *testing.T) {
	f := newSignerFixture(t)
	v := NewValidator(false)

	good := f.sign(t, nil)
	bad := f.sign(t, func(headerBytes, sig []byte) ([]byte, []byte) {
		sig[len(sig)-1] ^= 0xff
		return headerBytes, sig
	})

	signers := []PartySignature{
		{MSPID: "Org1MSP", Signature: good},
		{MSPID: "Org2MSP", Signature: bad},
		{MSPID: "Org3MSP", Signature: bad},
		{MSPID: "Org4MSP", Signature: good},
	}
	errs := v.ValidateParties(context.Background(), signers, f.proposal, func(string) []string {
		return []string{f.rootB64}
	})
	require.Len(t, errs, 2, "exactly one error per invalid signer")
	joined := ""
	for _, err := range errs {
		joined += err.Error() + "\n"
	}
	require.Contains(t, joined, "Org2MSP")
	require.Contains(t, joined, "Org3MSP")
}

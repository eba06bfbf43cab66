/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package parties maintains the directory of organizations a console trusts
// and distributes to: locally registered MSP components merged with the
// explicitly registered external parties of other console instances.
package parties

import (
	"context"
	"encoding/json"

	"code.cloudfoundry.org/clock"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/fabric-operations-console/internal/couchdb"
)

var logger = flogging.MustGetLogger("parties")

// ExternalPartiesDocID is the id of the singleton external-parties document.
// The leading zeros keep it ahead of component docs in key order.
const ExternalPartiesDocID = "00_external_parties"

// Entry is one addressable certificate of an organization. An MSP can carry
// several entries across certificate rotations and console instances.
type Entry struct {
	Timestamp   int64  `json:"timestamp"`
	OptoolsURL  string `json:"optools_url"`
	Certificate string `json:"certificate"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Type        string `json:"type,omitempty"`
}

// externalPartiesDoc is the persisted singleton shape.
type externalPartiesDoc struct {
	ID      string             `json:"_id"`
	Rev     string             `json:"_rev,omitempty"`
	Type    string             `json:"type"`
	Parties map[string][]Entry `json:"parties"`
}

// mspComponentDoc is the locally stored organization document shape from the
// component registry.
type mspComponentDoc struct {
	Type              string   `json:"type"`
	MSPID             string   `json:"msp_id"`
	DisplayName       string   `json:"display_name"`
	HostURL           string   `json:"host_url"`
	RootCerts         []string `json:"root_certs"`
	IntermediateCerts []string `json:"intermediate_certs"`
	Timestamp         int64    `json:"timestamp"`
}

// Directory aggregates known parties from the components database and the
// external-parties record.
type Directory struct {
	db    *couchdb.Database
	clock clock.Clock
}

// NewDirectory builds a Directory over the components database.
func NewDirectory(db *couchdb.Database, clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Directory{db: db, clock: clk}
}

// GetAll returns every known party keyed by MSP id. Local MSP component docs
// contribute one entry per root and intermediate certificate; the
// external-parties record contributes its entries verbatim. The record is
// lazily created when absent and its absence never fails the read.
func (d *Directory) GetAll(ctx context.Context) (map[string][]Entry, error) {
	merged := map[string][]Entry{}

	external, err := d.loadOrCreateExternal(ctx)
	if err != nil {
		return nil, err
	}
	for mspID, entries := range external.Parties {
		for _, entry := range entries {
			entry.Type = "external"
			merged[mspID] = append(merged[mspID], entry)
		}
	}

	locals, err := d.db.Find(ctx, []byte(`{"selector":{"type":"msp"},"limit":2000}`))
	if err != nil {
		return nil, errors.WithMessage(err, "unable to load local msp definitions")
	}
	for _, raw := range locals {
		doc := &mspComponentDoc{}
		if err := json.Unmarshal(raw, doc); err != nil {
			logger.Warnf("skipping unparseable msp doc: %s", err)
			continue
		}
		for _, cert := range append(doc.RootCerts, doc.IntermediateCerts...) {
			merged[doc.MSPID] = append(merged[doc.MSPID], Entry{
				Timestamp:   doc.Timestamp,
				OptoolsURL:  doc.HostURL,
				Certificate: cert,
				DisplayName: doc.DisplayName,
				Type:        "msp",
			})
		}
	}
	return merged, nil
}

// CertsFor projects the certificates known for one MSP id.
func (d *Directory) CertsFor(ctx context.Context, mspID string) ([]string, error) {
	all, err := d.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	entries := all[mspID]
	certs := make([]string, 0, len(entries))
	for _, entry := range entries {
		certs = append(certs, entry.Certificate)
	}
	return certs, nil
}

// EntriesFor returns the directory entries for one MSP id.
func (d *Directory) EntriesFor(ctx context.Context, mspID string) ([]Entry, error) {
	all, err := d.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return all[mspID], nil
}

// RegisterRequest identifies a party certificate to add or replace.
type RegisterRequest struct {
	MSPID       string `json:"msp_id"`
	Certificate string `json:"certificate"`
	OptoolsURL  string `json:"optools_url"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
}

// Register upserts entries in the external-parties record. Matching is by
// exact certificate value within the MSP's list: a match is replaced in
// place, anything else is appended.
func (d *Directory) Register(ctx context.Context, requests []RegisterRequest) error {
	if len(requests) == 0 {
		return errors.New("no parties provided to register")
	}
	for _, req := range requests {
		if req.MSPID == "" || req.Certificate == "" || req.OptoolsURL == "" {
			return errors.New("each party needs msp_id, certificate and optools_url")
		}
	}

	now := d.clock.Now().UnixMilli()
	_, err := d.db.WriteSafe(ctx, ExternalPartiesDocID, func(current []byte) ([]byte, error) {
		doc := emptyExternalDoc()
		if current != nil {
			if err := json.Unmarshal(current, doc); err != nil {
				return nil, errors.Wrap(err, "error unmarshalling external parties doc")
			}
		}
		for _, req := range requests {
			entry := Entry{
				Timestamp:   now,
				OptoolsURL:  req.OptoolsURL,
				Certificate: req.Certificate,
				TimeoutMs:   req.TimeoutMs,
			}
			list := doc.Parties[req.MSPID]
			replaced := false
			for i := range list {
				if list[i].Certificate == req.Certificate {
					list[i] = entry
					replaced = true
					break
				}
			}
			if !replaced {
				list = append(list, entry)
			}
			doc.Parties[req.MSPID] = list
		}
		return json.Marshal(doc)
	})
	return err
}

// RemoveRequest identifies a party certificate to remove.
type RemoveRequest struct {
	MSPID       string `json:"msp_id"`
	Certificate string `json:"certificate"`
}

// Remove deletes matching {msp_id, certificate} pairs from the
// external-parties record. Unmatched removals are ignored.
func (d *Directory) Remove(ctx context.Context, requests []RemoveRequest) error {
	if len(requests) == 0 {
		return errors.New("no parties provided to remove")
	}

	_, err := d.db.WriteSafe(ctx, ExternalPartiesDocID, func(current []byte) ([]byte, error) {
		doc := emptyExternalDoc()
		if current != nil {
			if err := json.Unmarshal(current, doc); err != nil {
				return nil, errors.Wrap(err, "error unmarshalling external parties doc")
			}
		}
		for _, req := range requests {
			list := doc.Parties[req.MSPID]
			kept := list[:0]
			for _, entry := range list {
				if entry.Certificate != req.Certificate {
					kept = append(kept, entry)
				}
			}
			if len(kept) == 0 {
				delete(doc.Parties, req.MSPID)
			} else {
				doc.Parties[req.MSPID] = kept
			}
		}
		return json.Marshal(doc)
	})
	return err
}

func (d *Directory) loadOrCreateExternal(ctx context.Context) (*externalPartiesDoc, error) {
	raw, _, err := d.db.ReadDoc(ctx, ExternalPartiesDocID)
	if err == couchdb.ErrNotFound {
		logger.Debugf("external parties doc missing, creating it")
		created, err := d.db.WriteSafe(ctx, ExternalPartiesDocID, func(current []byte) ([]byte, error) {
			if current != nil {
				return current, nil // lost the race to another writer, keep theirs
			}
			return json.Marshal(emptyExternalDoc())
		})
		if err != nil {
			return nil, errors.WithMessage(err, "unable to create external parties doc")
		}
		raw = created
	} else if err != nil {
		return nil, errors.WithMessage(err, "unable to load external parties doc")
	}

	doc := emptyExternalDoc()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling external parties doc")
	}
	if doc.Parties == nil {
		doc.Parties = map[string][]Entry{}
	}
	return doc, nil
}

func emptyExternalDoc() *externalPartiesDoc {
	return &externalPartiesDoc{
		ID:      ExternalPartiesDocID,
		Type:    "external_parties",
		Parties: map[string][]Entry{},
	}
}

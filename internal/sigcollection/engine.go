/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sigcollection owns the lifecycle of signature-collection
// transactions: creation, append and merge of signatures, distribution to
// peer console instances, deletion, visibility edits, and resend of failed
// distributions.
package sigcollection

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/fabric-operations-console/internal/couchdb"
	"github.com/hyperledger-labs/fabric-operations-console/internal/parties"
	"github.com/hyperledger-labs/fabric-operations-console/internal/proposal"
)

var logger = flogging.MustGetLogger("sigcollection")

// Store is the document persistence the engine needs.
type Store interface {
	ReadDoc(ctx context.Context, id string) ([]byte, string, error)
	WriteSafe(ctx context.Context, id string, modify func(current []byte) ([]byte, error)) ([]byte, error)
	DeleteDoc(ctx context.Context, id, rev string) error
	RangeDocs(ctx context.Context, startKey, endKey string, descending bool) ([]json.RawMessage, error)
	BulkDocs(ctx context.Context, docs []json.RawMessage) error
}

// Directory resolves known parties and their trusted certificates.
type Directory interface {
	GetAll(ctx context.Context) (map[string][]parties.Entry, error)
}

// Validator checks proposal signatures.
type Validator interface {
	ValidateParties(ctx context.Context, signers []proposal.PartySignature, proposalB64 string, rootsFor func(mspID string) []string) []error
}

// Options configures an Engine.
type Options struct {
	Store     Store
	Directory Directory
	Validator Validator
	Clock     clock.Clock
	SelfURL   string
	Client    *http.Client
}

// Engine coordinates signature-collection operations.
type Engine struct {
	store     Store
	directory Directory
	validator Validator
	clock     clock.Clock
	selfURL   string
	client    *http.Client
}

// New builds an Engine from its collaborators.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Engine{
		store:     opts.Store,
		directory: opts.Directory,
		validator: opts.Validator,
		clock:     opts.Clock,
		selfURL:   opts.SelfURL,
		client:    opts.Client,
	}
}

// ListOptions filter and shape the list operation.
type ListOptions struct {
	FilterOrderers []string
	Status         string
	FullDetails    bool
	GroupByChannel bool
}

// ListResult carries either the flat list or the by-channel grouping.
type ListResult struct {
	Collections []interface{}
	Grouped     map[string][]interface{}
}

// List loads all collections newest-first, applies the orderer and status
// filters, and projects or groups the result.
func (e *Engine) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	raw, err := e.store.RangeDocs(ctx, docIDPrefix+"￰", docIDPrefix, true)
	if err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "unable to load signature collections: %s", err)
	}

	all := make([]*SignatureCollection, 0, len(raw))
	for _, doc := range raw {
		sc := &SignatureCollection{}
		if err := json.Unmarshal(doc, sc); err != nil {
			logger.Warnf("skipping unparseable signature collection doc: %s", err)
			continue
		}
		all = append(all, sc)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })

	if len(all) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Msg: "no transactions exist", Reason: "missing"}
	}

	filtered := make([]*SignatureCollection, 0, len(all))
	for _, sc := range all {
		if opts.Status != "" && opts.Status != "all" && sc.Status != opts.Status {
			continue
		}
		if len(opts.FilterOrderers) > 0 && !matchesOrderer(sc.Orderers, opts.FilterOrderers) {
			continue
		}
		filtered = append(filtered, sc)
	}
	if len(filtered) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Msg: "no transactions exist after filter", Reason: "missing"}
	}

	project := func(sc *SignatureCollection) interface{} {
		if opts.FullDetails {
			return sanitize(sc)
		}
		return &Summary{
			Channel:   sc.Channel,
			TxID:      sc.TxID,
			Timestamp: sc.Timestamp,
			Status:    sc.Status,
			Orderers:  sc.Orderers,
		}
	}

	result := &ListResult{}
	if opts.GroupByChannel {
		result.Grouped = map[string][]interface{}{}
		for _, sc := range filtered {
			result.Grouped[sc.Channel] = append(result.Grouped[sc.Channel], project(sc))
		}
		return result, nil
	}
	for _, sc := range filtered {
		result.Collections = append(result.Collections, project(sc))
	}
	return result, nil
}

// matchesOrderer does substring matching: filter values may be
// proxy-rewritten paths that merely contain the real orderer hostname.
func matchesOrderer(orderers, filters []string) bool {
	for _, orderer := range orderers {
		for _, filter := range filters {
			if filter == "" {
				continue
			}
			if strings.Contains(filter, orderer) || strings.Contains(orderer, filter) {
				return true
			}
		}
	}
	return false
}

// Get fetches one collection by transaction id.
func (e *Engine) Get(ctx context.Context, txID string) (*SignatureCollection, error) {
	sc, _, err := e.fetch(ctx, txID)
	if err != nil {
		return nil, err
	}
	return sanitize(sc), nil
}

func (e *Engine) fetch(ctx context.Context, txID string) (*SignatureCollection, string, error) {
	raw, rev, err := e.store.ReadDoc(ctx, DocID(txID))
	if errors.Is(err, couchdb.ErrNotFound) {
		return nil, "", NewAPIError(http.StatusNotFound, "no signature collection exists with tx_id %q", txID)
	}
	if err != nil {
		return nil, "", NewAPIError(http.StatusInternalServerError, "unable to load signature collection: %s", err)
	}
	sc := &SignatureCollection{}
	if err := json.Unmarshal(raw, sc); err != nil {
		return nil, "", NewAPIError(http.StatusInternalServerError, "stored signature collection is unreadable: %s", err)
	}
	return sc, rev, nil
}

// Create validates and persists a brand new collection, fanning it out to
// peers first. Distribution failures never fail the create.
func (e *Engine) Create(ctx context.Context, req *SubmitRequest) (*SignatureCollection, error) {
	if req.TxID == "" {
		req.TxID = uuid.NewString()
	}

	_, _, err := e.store.ReadDoc(ctx, DocID(req.TxID))
	if err == nil {
		return nil, NewAPIError(http.StatusBadRequest, "the tx_id %q already exists, cannot create", req.TxID)
	}
	if !errors.Is(err, couchdb.ErrNotFound) {
		return nil, NewAPIError(http.StatusInternalServerError, "unable to check for existing collection: %s", err)
	}

	rootsFor, err := e.loadRoots(ctx)
	if err != nil {
		return nil, err
	}

	if req.TxType != TxTypeCCD {
		if errs := e.validator.ValidateParties(ctx, signedParties(req.Orgs2Sign, req.Orderers2Sign), req.Proposal, rootsFor); len(errs) > 0 {
			return nil, NewValidationError(http.StatusBadRequest, errs)
		}
	}

	destinations := e.buildDestinations(req, nil, false)
	attempt := e.executeDistribution(ctx, destinations, http.MethodPost, req.TxID, req.RawBody, req.AuthHeader, req.Distribute)

	now := e.clock.Now().UnixMilli()
	sc := &SignatureCollection{
		ID:                    DocID(req.TxID),
		Type:                  "signature_collection",
		TxID:                  req.TxID,
		Channel:               req.Channel,
		TxType:                req.TxType,
		Status:                StatusOpen,
		Visibility:            VisibilityInbox,
		Proposal:              req.Proposal,
		Orgs2Sign:             req.Orgs2Sign,
		Orderers2Sign:         req.Orderers2Sign,
		Orderers:              req.Orderers,
		Consenters:            req.Consenters,
		CurrentPolicy:         req.CurrentPolicy,
		JSONDiff:              req.JSONDiff,
		ReferenceComponentIDs: req.ReferenceComponentIDs,
		OriginatorMSP:         req.OriginatorMSP,
		Timestamp:             now,
		DistributionResponses: []DistributionAttempt{*attempt},
	}

	saved, err := e.store.WriteSafe(ctx, sc.ID, func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, NewAPIError(http.StatusBadRequest, "the tx_id %q already exists, cannot create", req.TxID)
		}
		return json.Marshal(sc)
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return nil, apiErr
		}
		return nil, NewAPIError(http.StatusInternalServerError, "unable to persist signature collection: %s", err)
	}

	result := &SignatureCollection{}
	if err := json.Unmarshal(saved, result); err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "persisted collection is unreadable: %s", err)
	}
	return sanitize(result), nil
}

// Append merges newly submitted signatures and status/visibility overrides
// into an existing collection, distributing the edit to peers.
func (e *Engine) Append(ctx context.Context, req *SubmitRequest) (*SignatureCollection, error) {
	stored, _, err := e.fetch(ctx, req.TxID)
	if err != nil {
		return nil, err
	}

	if req.Status != "" && req.Status != StatusOpen && req.Status != StatusClosed {
		return nil, NewAPIError(http.StatusBadRequest, "invalid status %q, expected %q or %q", req.Status, StatusOpen, StatusClosed)
	}
	if req.Visibility != "" && req.Visibility != VisibilityInbox && req.Visibility != VisibilityArchive {
		return nil, NewAPIError(http.StatusBadRequest, "invalid visibility %q, expected %q or %q", req.Visibility, VisibilityInbox, VisibilityArchive)
	}

	// signatures are validated against the stored proposal, never a
	// request-supplied one
	signers := signedParties(req.Orgs2Sign, req.Orderers2Sign)
	if stored.TxType != TxTypeCCD && len(signers) > 0 {
		if stored.Proposal == "" {
			return nil, NewAPIError(http.StatusBadRequest, "stored collection %q has no proposal to validate against", req.TxID)
		}
		rootsFor, err := e.loadRoots(ctx)
		if err != nil {
			return nil, err
		}
		if errs := e.validator.ValidateParties(ctx, signers, stored.Proposal, rootsFor); len(errs) > 0 {
			return nil, NewValidationError(http.StatusBadRequest, errs)
		}
	}

	destinations := e.buildDestinations(req, stored, true)
	attempt := e.executeDistribution(ctx, destinations, http.MethodPut, req.TxID, req.RawBody, req.AuthHeader, req.Distribute)

	now := e.clock.Now().UnixMilli()
	saved, err := e.store.WriteSafe(ctx, DocID(req.TxID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, NewAPIError(http.StatusNotFound, "no signature collection exists with tx_id %q", req.TxID)
		}
		sc := &SignatureCollection{}
		if err := json.Unmarshal(current, sc); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling stored collection")
		}

		mergeSignatures(sc, req, now)
		if req.Status != "" {
			sc.Status = req.Status
		}
		if req.Visibility != "" {
			sc.Visibility = req.Visibility
		}
		sc.DistributionResponses = append(sc.DistributionResponses, *attempt)
		return json.Marshal(sc)
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return nil, apiErr
		}
		return nil, NewAPIError(http.StatusInternalServerError, "unable to persist signature collection: %s", err)
	}

	result := &SignatureCollection{}
	if err := json.Unmarshal(saved, result); err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "persisted collection is unreadable: %s", err)
	}
	return sanitize(result), nil
}

// DeleteResult is the outcome of a delete operation.
type DeleteResult struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	TxID    string `json:"tx_id"`
}

// Delete removes a collection locally and, for signature-authenticated
// callers, distributes the delete to peers. Remote failures never block the
// local delete. Deleting an absent id is a soft success.
func (e *Engine) Delete(ctx context.Context, txID string, req *SubmitRequest) (*DeleteResult, error) {
	raw, rev, err := e.store.ReadDoc(ctx, DocID(txID))
	if errors.Is(err, couchdb.ErrNotFound) {
		return &DeleteResult{Message: "id no longer exists. already deleted?", TxID: txID}, nil
	}
	if err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "unable to load signature collection: %s", err)
	}
	stored := &SignatureCollection{}
	if err := json.Unmarshal(raw, stored); err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "stored signature collection is unreadable: %s", err)
	}

	if req == nil {
		req = &SubmitRequest{TxID: txID}
	}
	// a caller that did not sign the request must not trigger deletes on
	// other instances
	if !req.SignatureAuth {
		req.Distribute = json.RawMessage(`"none"`)
	} else if len(req.Distribute) == 0 {
		req.Distribute = json.RawMessage(`"all"`)
	}

	destinations := e.buildDestinations(req, stored, true)
	attempt := e.executeDistribution(ctx, destinations, http.MethodDelete, txID, req.RawBody, req.AuthHeader, req.Distribute)
	if len(attempt.Errors) > 0 {
		logger.Warnf("delete distribution for %s failed for %d destination(s), deleting locally anyway", txID, len(attempt.Errors))
	}

	if err := e.store.DeleteDoc(ctx, DocID(txID), rev); err != nil && !errors.Is(err, couchdb.ErrNotFound) {
		return nil, NewAPIError(http.StatusInternalServerError, "unable to delete signature collection: %s", err)
	}
	return &DeleteResult{Message: "ok", Details: "removed", TxID: txID}, nil
}

// BulkEditResult reports how many collections a bulk edit changed.
type BulkEditResult struct {
	Message string `json:"message"`
	Edited  int    `json:"edited"`
}

// BulkVisibility sets the visibility flag on many collections at once.
// Collections already carrying the requested visibility are skipped; zero
// edits is still a success.
func (e *Engine) BulkVisibility(ctx context.Context, txIDs []string, visibility string) (*BulkEditResult, error) {
	if len(txIDs) == 0 {
		return nil, NewAPIError(http.StatusBadRequest, "tx_ids must be a non-empty array")
	}
	if visibility != VisibilityInbox && visibility != VisibilityArchive {
		return nil, NewAPIError(http.StatusBadRequest, "invalid visibility %q, expected %q or %q", visibility, VisibilityInbox, VisibilityArchive)
	}

	var updates []json.RawMessage
	for _, txID := range txIDs {
		sc, rev, err := e.fetch(ctx, txID)
		if err != nil {
			return nil, err
		}
		if sc.Visibility == visibility {
			continue
		}
		sc.Visibility = visibility
		sc.Rev = rev
		raw, err := json.Marshal(sc)
		if err != nil {
			return nil, NewAPIError(http.StatusInternalServerError, "unable to marshal collection %q: %s", txID, err)
		}
		updates = append(updates, raw)
	}

	if len(updates) > 0 {
		if err := e.store.BulkDocs(ctx, updates); err != nil {
			return nil, NewAPIError(http.StatusInternalServerError, "bulk visibility edit failed: %s", err)
		}
	}
	return &BulkEditResult{Message: "ok", Edited: len(updates)}, nil
}

// loadRoots loads the party directory once and returns a per-MSP cert
// lookup.
func (e *Engine) loadRoots(ctx context.Context) (func(mspID string) []string, error) {
	all, err := e.directory.GetAll(ctx)
	if err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "unable to load the party directory: %s", err)
	}
	return func(mspID string) []string {
		entries := all[mspID]
		certs := make([]string, 0, len(entries))
		for _, entry := range entries {
			certs = append(certs, entry.Certificate)
		}
		return certs
	}, nil
}

// signedParties projects the rosters down to the entries carrying a
// signature to validate.
func signedParties(rosters ...[]SigningParty) []proposal.PartySignature {
	var signers []proposal.PartySignature
	for _, roster := range rosters {
		for _, party := range roster {
			if party.Signature != "" {
				signers = append(signers, proposal.PartySignature{MSPID: party.MSPID, Signature: party.Signature})
			}
		}
	}
	return signers
}

// sanitize strips write-only bookkeeping before a collection leaves the
// engine: stored request details inside distribution attempts and the
// database revision.
func sanitize(sc *SignatureCollection) *SignatureCollection {
	clean := *sc
	clean.Rev = ""
	clean.DistributionResponses = make([]DistributionAttempt, len(sc.DistributionResponses))
	for i, attempt := range sc.DistributionResponses {
		attempt.Req = nil
		clean.DistributionResponses[i] = attempt
	}
	return &clean
}

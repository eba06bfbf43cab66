/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package httpapi exposes the signature-collection REST surface. Every route
// is served under /api/{v1,v2,v3} and /ak/api/{v1,v2,v3} with identical
// semantics: the prefixes exist so older console instances and api-key
// integrations can keep their URLs.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/hyperledger/fabric-lib-go/common/flogging"

	"github.com/hyperledger-labs/fabric-operations-console/internal/authscheme"
	"github.com/hyperledger-labs/fabric-operations-console/internal/parties"
	"github.com/hyperledger-labs/fabric-operations-console/internal/sigcollection"
)

var logger = flogging.MustGetLogger("httpapi")

// supportedVersions is advertised newest-first on the OPTIONS probe.
var supportedVersions = []string{"v3", "v2", "v1"}

// Collections is the engine surface the routes call.
type Collections interface {
	List(ctx context.Context, opts sigcollection.ListOptions) (*sigcollection.ListResult, error)
	Get(ctx context.Context, txID string) (*sigcollection.SignatureCollection, error)
	Create(ctx context.Context, req *sigcollection.SubmitRequest) (*sigcollection.SignatureCollection, error)
	Append(ctx context.Context, req *sigcollection.SubmitRequest) (*sigcollection.SignatureCollection, error)
	Delete(ctx context.Context, txID string, req *sigcollection.SubmitRequest) (*sigcollection.DeleteResult, error)
	BulkVisibility(ctx context.Context, txIDs []string, visibility string) (*sigcollection.BulkEditResult, error)
	Resend(ctx context.Context, txID string) (*sigcollection.ResendResult, error)
}

// PartyRegistry is the directory surface the routes call.
type PartyRegistry interface {
	GetAll(ctx context.Context) (map[string][]parties.Entry, error)
	EntriesFor(ctx context.Context, mspID string) ([]parties.Entry, error)
	Register(ctx context.Context, requests []parties.RegisterRequest) error
	Remove(ctx context.Context, requests []parties.RemoveRequest) error
}

// Options wires a Handler.
type Options struct {
	Collections Collections
	Parties     PartyRegistry
	Auth        *authscheme.Middleware

	// APIKey guards the session-less routes. An empty key disables the
	// check, for deployments where an upstream proxy handles sessions.
	APIKey string
}

// Handler routes the signature-collection API.
type Handler struct {
	collections Collections
	parties     PartyRegistry
	auth        *authscheme.Middleware
	apiKey      string
	router      *mux.Router
}

// New builds the router over the engine and directory.
func New(opts Options) *Handler {
	h := &Handler{
		collections: opts.Collections,
		parties:     opts.Parties,
		auth:        opts.Auth,
		apiKey:      opts.APIKey,
		router:      mux.NewRouter(),
	}

	for _, prefix := range []string{"/api", "/ak/api"} {
		for _, version := range supportedVersions {
			h.register(h.router.PathPrefix(prefix + "/" + version).Subrouter())
		}
	}
	return h
}

func (h *Handler) register(r *mux.Router) {
	const base = "/signature_collections"
	const byID = base + "/{txID}"

	// the probe is unauthenticated: peers call it before they can prove
	// anything about themselves
	r.HandleFunc(base, h.serveProbe).Methods(http.MethodOptions)
	r.HandleFunc(byID, h.serveProbe).Methods(http.MethodOptions)

	r.Handle(base, h.requireAPIKey(h.serveList)).Methods(http.MethodGet)

	r.Handle(base, h.auth.Wrap(http.HandlerFunc(h.serveCreate))).Methods(http.MethodPost)

	// fixed segments first so {txID} cannot swallow them
	r.Handle(base+"/bulk/visibility", h.requireAPIKey(h.serveBulkVisibility)).Methods(http.MethodPut)
	r.Handle(byID+"/resend", h.requireAPIKey(h.serveResend)).Methods(http.MethodPut)
	r.Handle(byID+"/terminate", h.requireAPIKey(h.serveDelete)).Methods(http.MethodPut)

	r.Handle(byID, h.requireAPIKey(h.serveGet)).Methods(http.MethodGet)
	r.Handle(byID, h.auth.Wrap(http.HandlerFunc(h.serveAppend))).Methods(http.MethodPut)
	r.HandleFunc(byID, h.serveDeleteDispatch).Methods(http.MethodDelete)

	r.Handle("/parties", h.requireAPIKey(h.servePartiesList)).Methods(http.MethodGet)
	r.Handle("/parties", h.requireAPIKey(h.servePartiesRegister)).Methods(http.MethodPost)
	r.Handle("/parties", h.requireAPIKey(h.servePartiesRemove)).Methods(http.MethodDelete)

	// public: peers look an org's certificates up before registering it
	r.HandleFunc("/components/msps/{mspID}", h.serveMSP).Methods(http.MethodGet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// requireAPIKey is the session-less auth check for routes peers never sign.
func (h *Handler) requireAPIKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && r.Header.Get("x-api-key") != h.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"statusCode": http.StatusUnauthorized,
				"msg":        "invalid or missing api key",
			})
			return
		}
		next(w, r)
	})
}

func (h *Handler) serveProbe(w http.ResponseWriter, r *http.Request) {
	routes := map[string]interface{}{"routes": supportedVersions}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"methods": map[string]interface{}{
			"get":    routes,
			"post":   routes,
			"put":    routes,
			"delete": routes,
		},
	})
}

func (h *Handler) serveList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := sigcollection.ListOptions{
		Status:         query.Get("status"),
		FullDetails:    query.Get("full_details") == "included",
		GroupByChannel: query.Get("group_by") == "channels",
	}
	if opts.Status == "" {
		opts.Status = "all"
	}
	if raw := query.Get("filter_orderers"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.FilterOrderers); err != nil {
			writeError(w, sigcollection.NewAPIError(http.StatusBadRequest, "filter_orderers must be a JSON array of strings"))
			return
		}
	}

	result, err := h.collections.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if opts.GroupByChannel {
		// non-standard 210 marks the grouped shape for older clients
		writeJSON(w, 210, result.Grouped)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signature_collections": result.Collections})
}

func (h *Handler) serveGet(w http.ResponseWriter, r *http.Request) {
	sc, err := h.collections.Get(r.Context(), mux.Vars(r)["txID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) serveCreate(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeSubmit(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	sc, err := h.collections.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, sc)
}

func (h *Handler) serveAppend(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeSubmit(r, mux.Vars(r)["txID"])
	if err != nil {
		writeError(w, err)
		return
	}
	sc, err := h.collections.Append(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, sc)
}

// serveDeleteDispatch accepts either auth scheme: peers forward deletes with
// a signed body, operators use the api key. Only the signed path may fan the
// delete out further.
func (h *Handler) serveDeleteDispatch(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Signature ") {
		h.auth.Wrap(http.HandlerFunc(h.serveDelete)).ServeHTTP(w, r)
		return
	}
	h.requireAPIKey(h.serveDelete).ServeHTTP(w, r)
}

func (h *Handler) serveDelete(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txID"]
	req, err := h.decodeSubmit(r, txID)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.collections.Delete(r.Context(), txID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) serveResend(w http.ResponseWriter, r *http.Request) {
	result, err := h.collections.Resend(r.Context(), mux.Vars(r)["txID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result.StatusCode(), result)
}

func (h *Handler) serveBulkVisibility(w http.ResponseWriter, r *http.Request) {
	body := &struct {
		TxIDs      []string `json:"tx_ids"`
		Visibility string   `json:"visibility"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusBadRequest, "unable to parse request body: %s", err))
		return
	}
	result, err := h.collections.BulkVisibility(r.Context(), body.TxIDs, body.Visibility)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) servePartiesList(w http.ResponseWriter, r *http.Request) {
	all, err := h.parties.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"parties": all})
}

func (h *Handler) servePartiesRegister(w http.ResponseWriter, r *http.Request) {
	body := &struct {
		Parties []parties.RegisterRequest `json:"parties"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusBadRequest, "unable to parse request body: %s", err))
		return
	}
	if err := h.parties.Register(r.Context(), body.Parties); err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusBadRequest, "unable to register parties: %s", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "ok", "registered": len(body.Parties)})
}

func (h *Handler) servePartiesRemove(w http.ResponseWriter, r *http.Request) {
	body := &struct {
		Parties []parties.RemoveRequest `json:"parties"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusBadRequest, "unable to parse request body: %s", err))
		return
	}
	if err := h.parties.Remove(r.Context(), body.Parties); err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusBadRequest, "unable to remove parties: %s", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "ok"})
}

func (h *Handler) serveMSP(w http.ResponseWriter, r *http.Request) {
	mspID := mux.Vars(r)["mspID"]
	entries, err := h.parties.EntriesFor(r.Context(), mspID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"msp_id":  mspID,
		"parties": entries,
	})
}

// decodeSubmit parses the body into a SubmitRequest and attaches the
// transport context the engine's distribution bookkeeping needs.
func (h *Handler) decodeSubmit(r *http.Request, txID string) (*sigcollection.SubmitRequest, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, sigcollection.NewAPIError(http.StatusBadRequest, "unable to read request body: %s", err)
	}

	req := &sigcollection.SubmitRequest{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, req); err != nil {
			return nil, sigcollection.NewAPIError(http.StatusBadRequest, "unable to parse request body: %s", err)
		}
	}
	if txID != "" {
		req.TxID = txID
	}
	req.RawBody = raw
	req.AuthHeader = r.Header.Get("Authorization")
	req.SignatureAuth = authscheme.IsSignatureAuthenticated(r)
	return req, nil
}

// writeCollection responds with the sanitized document plus the legacy
// message field older clients key off.
func writeCollection(w http.ResponseWriter, sc *sigcollection.SignatureCollection) {
	raw, err := json.Marshal(sc)
	if err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusInternalServerError, "unable to encode response: %s", err))
		return
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		writeError(w, sigcollection.NewAPIError(http.StatusInternalServerError, "unable to encode response: %s", err))
		return
	}
	asMap["message"] = "ok"
	writeJSON(w, http.StatusOK, asMap)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*sigcollection.APIError)
	if !ok {
		logger.Errorf("request failed: %s", err)
		apiErr = sigcollection.NewAPIError(http.StatusInternalServerError, "internal error")
	}
	writeJSON(w, apiErr.StatusCode, apiErr)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("error writing response: %s", err)
	}
}

/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package couchdb is a minimal CouchDB HTTP client for the console's
// document workloads: direct reads, revision-guarded writes and deletes,
// key-range and selector queries, bulk updates, and a read-modify-write
// helper that retries on revision conflicts.
package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

var logger = flogging.MustGetLogger("couchdb")

// time between retry attempts, doubled on each successive attempt
const retryWaitTime = 125 * time.Millisecond

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("couchdb: document not found")

// ErrConflict is returned when a write loses a revision race.
var ErrConflict = errors.New("couchdb: document update conflict")

// Config holds the connection parameters for a CouchDB instance.
type Config struct {
	URL            string
	Username       string
	Password       string
	MaxRetries     int
	RequestTimeout time.Duration
}

// Instance is a handle to a CouchDB server.
type Instance struct {
	conf    Config
	baseURL *url.URL
	client  *http.Client
}

// NewInstance validates the configuration and returns an Instance.
func NewInstance(conf Config) (*Instance, error) {
	if conf.URL == "" {
		return nil, errors.New("couchdb url is required")
	}
	base, err := url.Parse(conf.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing couchdb url %s", conf.URL)
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = 3
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = 35 * time.Second
	}
	return &Instance{
		conf:    conf,
		baseURL: base,
		client:  &http.Client{Timeout: conf.RequestTimeout},
	}, nil
}

// VerifyConnection checks that the instance is reachable and speaks CouchDB.
func (i *Instance) VerifyConnection(ctx context.Context) error {
	body, _, err := i.handleRequest(ctx, http.MethodGet, "", "", nil, nil)
	if err != nil {
		return errors.WithMessage(err, "unable to connect to couchdb")
	}
	info := &struct {
		Couchdb string `json:"couchdb"`
		Version string `json:"version"`
	}{}
	if err := json.Unmarshal(body, info); err != nil {
		return errors.Wrap(err, "error unmarshalling connection info")
	}
	logger.Infof("connected to couchdb version %s", info.Version)
	return nil
}

// HealthCheck implements the healthz checker contract.
func (i *Instance) HealthCheck(ctx context.Context) error {
	return i.VerifyConnection(ctx)
}

// Database returns a handle to the named database on this instance.
func (i *Instance) Database(name string) *Database {
	return &Database{instance: i, name: name}
}

// Database is a handle to one CouchDB database.
type Database struct {
	instance *Instance
	name     string
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.name
}

// EnsureExists creates the database if it is not already present.
func (db *Database) EnsureExists(ctx context.Context) error {
	_, code, err := db.instance.handleRequest(ctx, http.MethodPut, db.name, "", nil, nil)
	if err != nil && code != http.StatusPreconditionFailed {
		return errors.WithMessagef(err, "error creating database %s", db.name)
	}
	return nil
}

// ReadDoc fetches a document by id, returning the raw body and its revision.
func (db *Database) ReadDoc(ctx context.Context, id string) ([]byte, string, error) {
	body, code, err := db.instance.handleRequest(ctx, http.MethodGet, db.name+"/"+url.PathEscape(id), "", nil, nil)
	if code == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", errors.WithMessagef(err, "error reading doc %s", id)
	}
	meta := &struct {
		Rev string `json:"_rev"`
	}{}
	if err := json.Unmarshal(body, meta); err != nil {
		return nil, "", errors.Wrapf(err, "error unmarshalling doc %s", id)
	}
	return body, meta.Rev, nil
}

// SaveDoc writes a document. A non-empty rev makes the write conditional on
// that revision; a lost race returns ErrConflict.
func (db *Database) SaveDoc(ctx context.Context, id, rev string, doc []byte) (string, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if rev != "" {
		headers["If-Match"] = rev
	}
	body, code, err := db.instance.handleRequest(ctx, http.MethodPut, db.name+"/"+url.PathEscape(id), "", doc, headers)
	if code == http.StatusConflict {
		return "", ErrConflict
	}
	if err != nil {
		return "", errors.WithMessagef(err, "error saving doc %s", id)
	}
	result := &struct {
		OK  bool   `json:"ok"`
		Rev string `json:"rev"`
	}{}
	if err := json.Unmarshal(body, result); err != nil {
		return "", errors.Wrapf(err, "error unmarshalling save response for doc %s", id)
	}
	return result.Rev, nil
}

// DeleteDoc removes a document. If rev is empty the current revision is
// looked up first. Conflicts are retried with a fresh revision, mirroring
// the save path. A missing document returns ErrNotFound.
func (db *Database) DeleteDoc(ctx context.Context, id, rev string) error {
	for attempts := 0; attempts <= db.instance.conf.MaxRetries; attempts++ {
		if rev == "" {
			_, currentRev, err := db.ReadDoc(ctx, id)
			if err != nil {
				return err
			}
			rev = currentRev
		}
		_, code, err := db.instance.handleRequest(ctx, http.MethodDelete,
			db.name+"/"+url.PathEscape(id), "rev="+url.QueryEscape(rev), nil, nil)
		if code == http.StatusConflict {
			logger.Warnf("revision conflict deleting doc %s, retrying. attempt: %d", id, attempts+1)
			rev = ""
			continue
		}
		if code == http.StatusNotFound {
			return ErrNotFound
		}
		if err != nil {
			return errors.WithMessagef(err, "error deleting doc %s", id)
		}
		return nil
	}
	return ErrConflict
}

// WriteSafe performs a read-modify-write of one document, retrying the whole
// cycle on revision conflicts. modify receives the current body (nil when the
// document does not exist yet) and returns the replacement body. The saved
// body is returned.
func (db *Database) WriteSafe(ctx context.Context, id string, modify func(current []byte) ([]byte, error)) ([]byte, error) {
	wait := retryWaitTime
	for attempts := 0; attempts <= db.instance.conf.MaxRetries; attempts++ {
		current, rev, err := db.ReadDoc(ctx, id)
		if err != nil && err != ErrNotFound {
			return nil, err
		}

		next, err := modify(current)
		if err != nil {
			return nil, err
		}

		if _, err := db.SaveDoc(ctx, id, rev, next); err != nil {
			if errors.Is(err, ErrConflict) {
				logger.Warnf("revision conflict writing doc %s, retrying. attempt: %d", id, attempts+1)
				time.Sleep(wait)
				wait *= 2
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, errors.Wrapf(ErrConflict, "doc %s still conflicting after %d retries", id, db.instance.conf.MaxRetries)
}

// RangeDocs returns the documents with ids in [startKey, endKey). With
// descending set, CouchDB expects the keys reversed, which the caller
// provides as-is.
func (db *Database) RangeDocs(ctx context.Context, startKey, endKey string, descending bool) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("include_docs", "true")
	params.Set("startkey", strconv.Quote(startKey))
	params.Set("endkey", strconv.Quote(endKey))
	if descending {
		params.Set("descending", "true")
	}
	body, _, err := db.instance.handleRequest(ctx, http.MethodGet, db.name+"/_all_docs", params.Encode(), nil, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "error executing range query")
	}
	response := &struct {
		Rows []struct {
			Doc json.RawMessage `json:"doc"`
		} `json:"rows"`
	}{}
	if err := json.Unmarshal(body, response); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling range query response")
	}
	docs := make([]json.RawMessage, 0, len(response.Rows))
	for _, row := range response.Rows {
		if len(row.Doc) > 0 {
			docs = append(docs, row.Doc)
		}
	}
	return docs, nil
}

// Find executes a Mango selector query against _find.
func (db *Database) Find(ctx context.Context, query []byte) ([]json.RawMessage, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	body, _, err := db.instance.handleRequest(ctx, http.MethodPost, db.name+"/_find", "", query, headers)
	if err != nil {
		return nil, errors.WithMessage(err, "error executing find query")
	}
	response := &struct {
		Warning string            `json:"warning"`
		Docs    []json.RawMessage `json:"docs"`
	}{}
	if err := json.Unmarshal(body, response); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling find response")
	}
	if response.Warning != "" {
		logger.Warnf("find query warning: %s", response.Warning)
	}
	return response.Docs, nil
}

// BulkDocs writes multiple documents in one request. Per-document failures
// are reported as a single aggregated error.
func (db *Database) BulkDocs(ctx context.Context, docs []json.RawMessage) error {
	payload, err := json.Marshal(map[string]interface{}{"docs": docs})
	if err != nil {
		return errors.Wrap(err, "error marshalling bulk update payload")
	}
	headers := map[string]string{"Content-Type": "application/json"}
	body, _, err := db.instance.handleRequest(ctx, http.MethodPost, db.name+"/_bulk_docs", "", payload, headers)
	if err != nil {
		return errors.WithMessage(err, "error executing bulk update")
	}
	var results []struct {
		ID     string `json:"id"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return errors.Wrap(err, "error unmarshalling bulk update response")
	}
	var failed []string
	for _, result := range results {
		if result.Error != "" {
			failed = append(failed, fmt.Sprintf("%s: %s %s", result.ID, result.Error, result.Reason))
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("bulk update failed for %d doc(s): %v", len(failed), failed)
	}
	return nil
}

// handleRequest issues one HTTP request to the instance, retrying transient
// transport and 5xx failures with a doubling wait. It returns the response
// body and status code. Non-2xx responses are returned as errors alongside
// the status code so callers can special-case 404/409.
func (i *Instance) handleRequest(ctx context.Context, method, path, query string, payload []byte, headers map[string]string) ([]byte, int, error) {
	requestURL := *i.baseURL
	requestURL.Path = requestURL.Path + "/" + path
	requestURL.RawQuery = query

	if logger.IsEnabledFor(zapcore.DebugLevel) {
		logger.Debugf("handleRequest method=%s url=%s", method, requestURL.String())
	}

	wait := retryWaitTime
	var lastErr error
	var lastCode int
	for attempts := 0; attempts <= i.conf.MaxRetries; attempts++ {
		req, err := http.NewRequestWithContext(ctx, method, requestURL.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, 0, errors.Wrap(err, "error creating http request")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Accept", "application/json")
		if i.conf.Username != "" {
			req.SetBasicAuth(i.conf.Username, i.conf.Password)
		}

		resp, err := i.client.Do(req)
		if err != nil {
			lastErr = errors.Wrap(err, "http error calling couchdb")
			lastCode = 0
			logger.Warnf("attempt %d failed: %s", attempts+1, err)
			time.Sleep(wait)
			wait *= 2
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = errors.Wrap(err, "error reading couchdb response")
			lastCode = resp.StatusCode
			time.Sleep(wait)
			wait *= 2
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = errors.Errorf("couchdb returned status %d: %s", resp.StatusCode, body)
			lastCode = resp.StatusCode
			logger.Warnf("attempt %d failed: status %d", attempts+1, resp.StatusCode)
			time.Sleep(wait)
			wait *= 2
			continue
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return body, resp.StatusCode, errors.Errorf("couchdb returned status %d: %s", resp.StatusCode, body)
		}
		return body, resp.StatusCode, nil
	}
	return nil, lastCode, lastErr
}

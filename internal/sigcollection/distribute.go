/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperledger-labs/fabric-operations-console/common/parallel"
)

// distributionLimit bounds concurrent outbound calls in one fan-out round.
const distributionLimit = 8

// defaultDestinationTimeout applies when a party carries no timeout_ms.
const defaultDestinationTimeout = 15000 * time.Millisecond

// destination is one peer instance to send a copy to.
type destination struct {
	MSPID      string
	OptoolsURL string
	TimeoutMs  int
	Signature  string
}

// explicitDestination is the shape of entries when distribute is itself a
// destination list.
type explicitDestination struct {
	MSPID      string `json:"msp_id"`
	OptoolsURL string `json:"optools_url"`
}

// normalizeURL lowercases and strips the trailing slash so self-comparison
// and destination dedup are insensitive to cosmetic differences.
func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(strings.ToLower(u)), "/")
}

// parseDistribute splits a raw distribute value into a mode string or an
// explicit destination list. defaults: missing on create, all on append.
func parseDistribute(raw json.RawMessage, isAppend bool) (string, []explicitDestination) {
	if len(raw) == 0 {
		if isAppend {
			return DistributeAll, nil
		}
		return DistributeMissing, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		mode = strings.ToLower(strings.TrimSpace(mode))
		switch mode {
		case DistributeNone, DistributeMissing, DistributeAll:
			return mode, nil
		}
		logger.Warnf("unrecognized distribute value %q, treating as none", mode)
		return DistributeNone, nil
	}
	var explicit []explicitDestination
	if err := json.Unmarshal(raw, &explicit); err == nil {
		return "", explicit
	}
	logger.Warnf("unparseable distribute value, treating as none")
	return DistributeNone, nil
}

// buildDestinations computes the peer instances to send a copy to, keyed by
// normalized endpoint. The local instance is never included.
func (e *Engine) buildDestinations(incoming *SubmitRequest, stored *SignatureCollection, isAppend bool) map[string]destination {
	mode, explicit := parseDistribute(distributeOf(incoming), isAppend)

	self := normalizeURL(e.selfURL)
	destinations := map[string]destination{}

	if explicit != nil {
		for _, target := range explicit {
			url := normalizeURL(target.OptoolsURL)
			if url == "" || url == self {
				continue
			}
			destinations[url] = destination{MSPID: target.MSPID, OptoolsURL: target.OptoolsURL}
		}
		return destinations
	}
	if mode == DistributeNone {
		return destinations
	}

	// aggregate stored rosters first, then the incoming body: a later entry
	// refreshes signature and timeout on an existing key but never removes it
	aggregated := map[string]destination{}
	order := []string{}
	addAll := func(parties []SigningParty) {
		for _, party := range parties {
			if party.OptoolsURL == "" {
				continue
			}
			key := party.MSPID + "~" + normalizeURL(party.OptoolsURL)
			if existing, ok := aggregated[key]; ok {
				if party.Signature != "" {
					existing.Signature = party.Signature
				}
				if party.TimeoutMs != 0 {
					existing.TimeoutMs = party.TimeoutMs
				}
				aggregated[key] = existing
				continue
			}
			aggregated[key] = destination{
				MSPID:      party.MSPID,
				OptoolsURL: party.OptoolsURL,
				TimeoutMs:  party.TimeoutMs,
				Signature:  party.Signature,
			}
			order = append(order, key)
		}
	}
	if stored != nil {
		addAll(stored.Orderers2Sign)
		addAll(stored.Orgs2Sign)
	}
	if incoming != nil {
		addAll(incoming.Orderers2Sign)
		addAll(incoming.Orgs2Sign)
	}

	for _, key := range order {
		party := aggregated[key]
		url := normalizeURL(party.OptoolsURL)
		if url == self {
			continue
		}
		if mode == DistributeMissing && party.Signature != "" {
			continue
		}
		destinations[url] = party
	}
	return destinations
}

func distributeOf(incoming *SubmitRequest) json.RawMessage {
	if incoming == nil {
		return nil
	}
	return incoming.Distribute
}

// executeDistribution fans the request out to every destination with bounded
// concurrency, recording per-destination outcomes. It never returns an
// error: distribution failures are bookkeeping, not operation failures.
func (e *Engine) executeDistribution(ctx context.Context, destinations map[string]destination, method string, txID string, body []byte, authHeader string, distribute json.RawMessage) *DistributionAttempt {
	attempt := &DistributionAttempt{
		Distribute:   distribute,
		Destinations: []string{},
		Errors:       []DistributionError{},
		Successes:    []DistributionSuccess{},
		Timestamp:    e.clock.Now().UnixMilli(),
		Req: &StoredRequest{
			AuthHeader: authHeader,
			Body:       body,
			Method:     method,
		},
	}

	targets := make([]destination, 0, len(destinations))
	for _, dest := range destinations {
		targets = append(targets, dest)
		attempt.Destinations = append(attempt.Destinations, dest.OptoolsURL)
	}
	if len(targets) == 0 {
		return attempt
	}

	results := make([]*DistributionSuccess, len(targets))
	failures := make([]*DistributionError, len(targets))
	parallel.Run(ctx, len(targets), distributionLimit, func(ctx context.Context, i int) error {
		dest := targets[i]
		if err := e.sendToDestination(ctx, dest, method, txID, body, authHeader); err != nil {
			logger.Warnf("distribution to %s (%s) failed: %s", dest.MSPID, dest.OptoolsURL, err)
			failures[i] = &DistributionError{
				MSPID:      dest.MSPID,
				OptoolsURL: dest.OptoolsURL,
				Resp:       err.Error(),
			}
			distributionsTotal.WithLabelValues("error").Inc()
			return nil
		}
		results[i] = &DistributionSuccess{
			MSPID:      dest.MSPID,
			OptoolsURL: dest.OptoolsURL,
			Message:    "distributed",
			Timestamp:  e.clock.Now().UnixMilli(),
		}
		distributionsTotal.WithLabelValues("success").Inc()
		return nil
	})

	for i := range targets {
		if results[i] != nil {
			attempt.Successes = append(attempt.Successes, *results[i])
		}
		if failures[i] != nil {
			attempt.Errors = append(attempt.Errors, *failures[i])
		}
	}
	return attempt
}

// sendToDestination negotiates the protocol version with one peer and sends
// the request. The forwarded body always carries distribute "none" so a
// receiving instance does not fan out again.
func (e *Engine) sendToDestination(ctx context.Context, dest destination, method, txID string, body []byte, authHeader string) error {
	timeout := defaultDestinationTimeout
	if dest.TimeoutMs > 0 {
		timeout = time.Duration(dest.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version := e.negotiateVersion(ctx, dest)
	forwardBody, err := rewriteDistribute(body)
	if err != nil {
		return err
	}

	err = e.sendOnce(ctx, dest, method, version, txID, forwardBody, authHeader)
	if err != nil && method == http.MethodPost && isClientError(err) {
		// the target may already hold this record and only accept edits
		logger.Debugf("create distribution to %s rejected, retrying as append: %s", dest.OptoolsURL, err)
		err = e.sendOnce(ctx, dest, http.MethodPut, version, txID, forwardBody, authHeader)
	}
	return err
}

func (e *Engine) sendOnce(ctx context.Context, dest destination, method, version, txID string, body []byte, authHeader string) error {
	url := strings.TrimSuffix(dest.OptoolsURL, "/") + "/api/" + version + "/signature_collections"
	if method != http.MethodPost {
		url += "/" + txID
	}

	// deletes forward the body too so the receiving instance can verify the
	// signature scheme over it
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authHeader)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return &httpStatusError{code: resp.StatusCode, body: string(respBody)}
	}
	return nil
}

// negotiateVersion probes the peer's OPTIONS endpoint and picks v2 when
// advertised. Any probe failure falls back to v1.
func (e *Engine) negotiateVersion(ctx context.Context, dest destination) string {
	url := strings.TrimSuffix(dest.OptoolsURL, "/") + "/api/v1/signature_collections"
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, url, nil)
	if err != nil {
		return "v1"
	}
	resp, err := e.client.Do(req)
	if err != nil {
		logger.Debugf("version probe to %s failed, assuming v1: %s", dest.OptoolsURL, err)
		return "v1"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "v1"
	}

	probe := &struct {
		Methods struct {
			Post struct {
				Routes []string `json:"routes"`
			} `json:"post"`
		} `json:"methods"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(probe); err != nil {
		return "v1"
	}
	for _, route := range probe.Methods.Post.Routes {
		if route == "v2" {
			return "v2"
		}
	}
	return "v1"
}

// rewriteDistribute forces distribute to none in the forwarded body. The
// distribute field is excluded from the authentication hash, so the rewrite
// does not invalidate the forwarded signature.
func rewriteDistribute(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(body, &asMap); err != nil {
		return nil, err
	}
	asMap["distribute"] = json.RawMessage(`"none"`)
	return json.Marshal(asMap)
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("destination returned status %d: %s", e.code, e.body)
}

func isClientError(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	return ok && statusErr.code >= 400 && statusErr.code < 500
}

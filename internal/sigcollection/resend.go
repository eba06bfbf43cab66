/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hyperledger-labs/fabric-operations-console/common/parallel"
	"github.com/pkg/errors"
)

// ResendResult aggregates the outcome of replaying failed distributions.
type ResendResult struct {
	Message    string               `json:"message"`
	Attempts   int                  `json:"attempts"`
	Successes  int                  `json:"successes"`
	Failures   int                  `json:"failures"`
	Collection *SignatureCollection `json:"collection,omitempty"`
}

// StatusCode derives the HTTP status for the aggregate outcome: nothing to
// retry 205, mixed 207, all good 200, all failed 502.
func (r *ResendResult) StatusCode() int {
	switch {
	case r.Attempts == 0:
		return http.StatusResetContent
	case r.Successes > 0 && r.Failures > 0:
		return http.StatusMultiStatus
	case r.Failures == 0:
		return http.StatusOK
	default:
		return http.StatusBadGateway
	}
}

// Resend replays the stored request of every failed distribution entry. An
// entry can only be retried when the original request details were retained;
// otherwise the old error is kept untouched. Successful replays move the
// entry to the attempt's successes.
func (e *Engine) Resend(ctx context.Context, txID string) (*ResendResult, error) {
	stored, _, err := e.fetch(ctx, txID)
	if err != nil {
		return nil, err
	}

	type job struct {
		attempt int
		entry   int
		dest    destination
		req     *StoredRequest
	}
	var jobs []job
	for i, attempt := range stored.DistributionResponses {
		for j, failure := range attempt.Errors {
			if attempt.Req == nil || attempt.Req.Method == "" || attempt.Req.AuthHeader == "" ||
				len(attempt.Req.Body) == 0 && attempt.Req.Method != http.MethodDelete ||
				failure.OptoolsURL == "" {
				logger.Debugf("cannot resend to %s for %s: original request details were not retained", failure.OptoolsURL, txID)
				continue
			}
			jobs = append(jobs, job{
				attempt: i,
				entry:   j,
				dest:    destination{MSPID: failure.MSPID, OptoolsURL: failure.OptoolsURL},
				req:     attempt.Req,
			})
		}
	}

	result := &ResendResult{Message: "ok", Attempts: len(jobs)}
	if len(jobs) == 0 {
		result.Collection = sanitize(stored)
		return result, nil
	}

	outcomes := make([]error, len(jobs))
	parallel.Run(ctx, len(jobs), distributionLimit, func(ctx context.Context, i int) error {
		j := jobs[i]
		outcomes[i] = e.sendToDestination(ctx, j.dest, j.req.Method, txID, j.req.Body, j.req.AuthHeader)
		return nil
	})

	now := e.clock.Now().UnixMilli()
	saved, err := e.store.WriteSafe(ctx, DocID(txID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, NewAPIError(http.StatusNotFound, "no signature collection exists with tx_id %q", txID)
		}
		sc := &SignatureCollection{}
		if err := json.Unmarshal(current, sc); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling stored collection")
		}

		// the modify callback can rerun on write conflicts
		result.Successes, result.Failures = 0, 0

		// collect per-attempt removals so index math stays valid
		remove := map[int]map[int]bool{}
		for i, j := range jobs {
			if j.attempt >= len(sc.DistributionResponses) ||
				j.entry >= len(sc.DistributionResponses[j.attempt].Errors) {
				continue // the document changed under us, skip this entry
			}
			attempt := &sc.DistributionResponses[j.attempt]
			if outcomes[i] == nil {
				attempt.Successes = append(attempt.Successes, DistributionSuccess{
					MSPID:      j.dest.MSPID,
					OptoolsURL: j.dest.OptoolsURL,
					Message:    "resent ok",
					Timestamp:  now,
				})
				if remove[j.attempt] == nil {
					remove[j.attempt] = map[int]bool{}
				}
				remove[j.attempt][j.entry] = true
				result.Successes++
			} else {
				attempt.Errors[j.entry].Resp = outcomes[i].Error()
				result.Failures++
			}
		}
		for attemptIdx, entries := range remove {
			attempt := &sc.DistributionResponses[attemptIdx]
			kept := attempt.Errors[:0]
			for idx, failure := range attempt.Errors {
				if !entries[idx] {
					kept = append(kept, failure)
				}
			}
			attempt.Errors = kept
		}
		return json.Marshal(sc)
	})
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return nil, apiErr
		}
		return nil, NewAPIError(http.StatusInternalServerError, "unable to persist resend outcome: %s", err)
	}

	updated := &SignatureCollection{}
	if err := json.Unmarshal(saved, updated); err != nil {
		return nil, NewAPIError(http.StatusInternalServerError, "persisted collection is unreadable: %s", err)
	}
	result.Collection = sanitize(updated)
	return result, nil
}

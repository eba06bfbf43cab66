/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sigcollection

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func storedFailure(url string) DistributionAttempt {
	return DistributionAttempt{
		Errors: []DistributionError{{MSPID: "Org2MSP", OptoolsURL: url, Resp: "connection refused"}},
		Req: &StoredRequest{
			AuthHeader: "Signature AAAA",
			Body:       json.RawMessage(`{"tx_id":"tx-1","distribute":"all"}`),
			Method:     http.MethodPost,
		},
	}
}

func TestResendNothingToRetry(t *testing.T) {
	f := newEngineFixture(t, "https://me.example.com", nil)
	f.store.put(t, &SignatureCollection{
		ID: DocID("tx-1"), TxID: "tx-1", Status: StatusOpen,
		DistributionResponses: []DistributionAttempt{{
			Successes: []DistributionSuccess{{MSPID: "Org2MSP"}},
		}},
	})

	result, err := f.engine.Resend(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Equal(t, 0, result.Attempts)
	require.Equal(t, http.StatusResetContent, result.StatusCode())
}

func TestResendSkipsEntriesWithoutStoredRequest(t *testing.T) {
	f := newEngineFixture(t, "https://me.example.com", nil)
	f.store.put(t, &SignatureCollection{
		ID: DocID("tx-1"), TxID: "tx-1", Status: StatusOpen,
		DistributionResponses: []DistributionAttempt{{
			Errors: []DistributionError{{MSPID: "Org2MSP", OptoolsURL: "https://org2.example.com", Resp: "down"}},
		}},
	})

	result, err := f.engine.Resend(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Equal(t, 0, result.Attempts, "entries without retained request details are not retryable")
	require.Equal(t, http.StatusResetContent, result.StatusCode())
	require.Len(t, result.Collection.DistributionResponses[0].Errors, 1, "old error stays untouched")
}

func TestResendAllSucceed(t *testing.T) {
	peer, _ := newPeerServer(t)
	f := newEngineFixture(t, "https://me.example.com", peer.Client())
	f.store.put(t, &SignatureCollection{
		ID: DocID("tx-1"), TxID: "tx-1", Status: StatusOpen,
		DistributionResponses: []DistributionAttempt{storedFailure(peer.URL)},
	})

	result, err := f.engine.Resend(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, 1, result.Successes)
	require.Equal(t, 0, result.Failures)
	require.Equal(t, http.StatusOK, result.StatusCode())

	attempt := result.Collection.DistributionResponses[0]
	require.Empty(t, attempt.Errors, "resolved failure is removed")
	require.Len(t, attempt.Successes, 1)
	require.Equal(t, "resent ok", attempt.Successes[0].Message)
}

func TestResendAllFail(t *testing.T) {
	f := newEngineFixture(t, "https://me.example.com", &http.Client{Timeout: time.Second})
	f.store.put(t, &SignatureCollection{
		ID: DocID("tx-1"), TxID: "tx-1", Status: StatusOpen,
		DistributionResponses: []DistributionAttempt{storedFailure("http://127.0.0.1:1")},
	})

	result, err := f.engine.Resend(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, 0, result.Successes)
	require.Equal(t, 1, result.Failures)
	require.Equal(t, http.StatusBadGateway, result.StatusCode())

	attempt := result.Collection.DistributionResponses[0]
	require.Len(t, attempt.Errors, 1, "failed entry remains for another resend")
	require.NotEqual(t, "connection refused", attempt.Errors[0].Resp, "error text refreshed with the latest failure")
}

func TestResendMixedOutcome(t *testing.T) {
	peer, _ := newPeerServer(t)
	f := newEngineFixture(t, "https://me.example.com", &http.Client{Timeout: time.Second})
	f.store.put(t, &SignatureCollection{
		ID: DocID("tx-1"), TxID: "tx-1", Status: StatusOpen,
		DistributionResponses: []DistributionAttempt{
			storedFailure(peer.URL),
			storedFailure("http://127.0.0.1:1"),
		},
	})

	result, err := f.engine.Resend(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, 1, result.Successes)
	require.Equal(t, 1, result.Failures)
	require.Equal(t, http.StatusMultiStatus, result.StatusCode())
}

func TestResendUnknownTx(t *testing.T) {
	f := newEngineFixture(t, "https://me.example.com", nil)

	_, err := f.engine.Resend(context.Background(), "ghost")
	apiErr := &APIError{}
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

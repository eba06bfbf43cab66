/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func startSystem(t *testing.T) *System {
	system := NewSystem(Options{ListenAddress: "127.0.0.1:0", Version: "1.0.0-test"})
	require.NoError(t, system.Start())
	t.Cleanup(func() { system.Stop(context.Background()) })
	return system
}

func get(t *testing.T, system *System, path string) (int, string) {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", system.Addr(), path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthzReportsOK(t *testing.T) {
	system := startSystem(t)
	require.NoError(t, system.RegisterChecker("couchdb", checkerFunc(func(ctx context.Context) error {
		return nil
	})))

	code, body := get(t, system, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"status":"OK"`)
}

func TestHealthzReportsFailure(t *testing.T) {
	system := startSystem(t)
	require.NoError(t, system.RegisterChecker("couchdb", checkerFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	})))

	code, body := get(t, system, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "couchdb")
}

func TestMetricsServed(t *testing.T) {
	system := startSystem(t)

	code, body := get(t, system, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "go_goroutines")
}

func TestVersionServed(t *testing.T) {
	system := startSystem(t)

	code, body := get(t, system, "/version")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "1.0.0-test")
}

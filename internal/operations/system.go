/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package operations runs the side listener for health checks, metrics and
// version information, separate from the API listener so probes keep working
// while the API is busy.
package operations

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/healthz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger = flogging.MustGetLogger("operations")

// Options configures the operations listener.
type Options struct {
	ListenAddress string
	Version       string
}

// System is the operations endpoint server.
type System struct {
	options       Options
	healthHandler *healthz.HealthHandler
	mux           *http.ServeMux
	server        *http.Server
	listener      net.Listener
}

// NewSystem builds the operations server with its fixed handler set.
func NewSystem(o Options) *System {
	system := &System{
		options:       o,
		healthHandler: healthz.NewHealthHandler(),
		mux:           http.NewServeMux(),
	}

	system.mux.Handle("/healthz", system.healthHandler)
	system.mux.Handle("/metrics", promhttp.Handler())
	system.mux.HandleFunc("/version", system.serveVersion)

	system.server = &http.Server{
		Handler:      system.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return system
}

// RegisterChecker adds a component to the health check set.
func (s *System) RegisterChecker(component string, checker healthz.HealthChecker) error {
	return s.healthHandler.RegisterChecker(component, checker)
}

// Start begins serving on the configured address.
func (s *System) Start() error {
	listener, err := net.Listen("tcp", s.options.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener
	logger.Infof("operations endpoint listening on %s", listener.Addr())

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			logger.Errorf("operations server stopped: %s", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests.
func (s *System) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, valid after Start.
func (s *System) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *System) serveVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": s.options.Version})
}

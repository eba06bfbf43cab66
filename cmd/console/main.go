/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hyperledger-labs/fabric-operations-console/internal/authscheme"
	"github.com/hyperledger-labs/fabric-operations-console/internal/config"
	"github.com/hyperledger-labs/fabric-operations-console/internal/couchdb"
	"github.com/hyperledger-labs/fabric-operations-console/internal/httpapi"
	"github.com/hyperledger-labs/fabric-operations-console/internal/operations"
	"github.com/hyperledger-labs/fabric-operations-console/internal/parties"
	"github.com/hyperledger-labs/fabric-operations-console/internal/proposal"
	"github.com/hyperledger-labs/fabric-operations-console/internal/sigcollection"
)

const version = "1.0.0"

var logger = flogging.MustGetLogger("console")

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		logger.Errorf("console exited: %s", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "console",
		Short:        "Runs the operations console signature collection service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing console.yaml")
	return cmd
}

func serve(configPath string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	flogging.Init(flogging.Config{
		Format:  conf.Logging.Format,
		LogSpec: conf.Logging.Spec,
		Writer:  os.Stderr,
	})

	instance, err := couchdb.NewInstance(couchdb.Config{
		URL:        conf.CouchDB.URL,
		Username:   conf.CouchDB.Username,
		Password:   conf.CouchDB.Password,
		MaxRetries: conf.CouchDB.MaxRetries,
	})
	if err != nil {
		return err
	}
	if err := awaitCouchDB(instance, conf.CouchDB.MaxRetriesOnStartup); err != nil {
		return err
	}

	ctx := context.Background()
	sigDB := instance.Database(conf.CouchDB.SignatureDatabase)
	if err := sigDB.EnsureExists(ctx); err != nil {
		return errors.WithMessagef(err, "unable to create database %s", sigDB.Name())
	}
	compDB := instance.Database(conf.CouchDB.ComponentsDatabase)
	if err := compDB.EnsureExists(ctx); err != nil {
		return errors.WithMessagef(err, "unable to create database %s", compDB.Name())
	}

	directory := parties.NewDirectory(compDB, nil)
	engine := sigcollection.New(sigcollection.Options{
		Store:     sigDB,
		Directory: directory,
		Validator: proposal.NewValidator(conf.Server.TrustUnknownCerts),
		SelfURL:   conf.Server.SelfURL,
		Client:    &http.Client{},
	})
	api := httpapi.New(httpapi.Options{
		Collections: engine,
		Parties:     directory,
		Auth:        authscheme.NewMiddleware(directory, conf.Server.TrustUnknownCerts),
		APIKey:      conf.Server.APIKey,
	})

	opsSystem := operations.NewSystem(operations.Options{
		ListenAddress: conf.Operations.ListenAddress,
		Version:       version,
	})
	if err := opsSystem.RegisterChecker("couchdb", instance); err != nil {
		return err
	}
	if err := opsSystem.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         conf.Server.ListenAddress,
		Handler:      handlers.CombinedLoggingHandler(os.Stdout, api),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("console API listening on %s as %s", conf.Server.ListenAddress, conf.Server.SelfURL)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("API server shutdown: %s", err)
	}
	return opsSystem.Stop(shutdownCtx)
}

// awaitCouchDB polls the database until it answers, covering container
// startup ordering.
func awaitCouchDB(instance *couchdb.Instance, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = instance.VerifyConnection(ctx)
		cancel()
		if err == nil {
			return nil
		}
		logger.Warnf("waiting for couchdb (%d/%d): %s", i+1, attempts, err)
		time.Sleep(2 * time.Second)
	}
	return errors.WithMessage(err, "couchdb never became reachable")
}

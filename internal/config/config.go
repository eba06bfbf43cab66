/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the console configuration from an optional yaml file
// with CONSOLE_* environment variable overrides.
package config

import (
	"strings"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var logger = flogging.MustGetLogger("config")

// Prefix is the environment variable prefix, e.g. CONSOLE_SERVER_SELFURL.
const Prefix = "CONSOLE"

// Server configures the API listener and this instance's identity.
type Server struct {
	ListenAddress string
	SelfURL       string
	APIKey        string

	// TrustUnknownCerts skips the directory trust check on inbound
	// signatures. Meant for development networks only.
	TrustUnknownCerts bool
}

// Operations configures the side listener for health and metrics.
type Operations struct {
	ListenAddress string
}

// CouchDB locates the backing databases.
type CouchDB struct {
	URL                 string
	Username            string
	Password            string
	SignatureDatabase   string
	ComponentsDatabase  string
	MaxRetries          int
	MaxRetriesOnStartup int
}

// Logging configures flogging.
type Logging struct {
	Spec   string
	Format string
}

// Config is the top level console configuration.
type Config struct {
	Server     Server
	Operations Operations
	CouchDB    CouchDB
	Logging    Logging
}

var defaults = Config{
	Server: Server{
		ListenAddress: ":3000",
	},
	Operations: Operations{
		ListenAddress: "127.0.0.1:9443",
	},
	CouchDB: CouchDB{
		URL:                 "http://127.0.0.1:5984",
		SignatureDatabase:   "console_signature_collections",
		ComponentsDatabase:  "console_components",
		MaxRetries:          3,
		MaxRetriesOnStartup: 10,
	},
	Logging: Logging{
		Spec:   "info",
		Format: "%{color}%{time:2006-01-02 15:04:05.000 MST} [%{module}] %{shortfunc} -> %{level:.4s} %{id:03x}%{color:reset} %{message}",
	},
}

// Load reads console.yaml from configPath (optional) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("console")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./")

	v.SetEnvPrefix(Prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// registering every key makes AutomaticEnv overrides visible to Unmarshal
	v.SetDefault("server.listenaddress", defaults.Server.ListenAddress)
	v.SetDefault("server.selfurl", "")
	v.SetDefault("server.apikey", "")
	v.SetDefault("server.trustunknowncerts", false)
	v.SetDefault("operations.listenaddress", defaults.Operations.ListenAddress)
	v.SetDefault("couchdb.url", defaults.CouchDB.URL)
	v.SetDefault("couchdb.username", "")
	v.SetDefault("couchdb.password", "")
	v.SetDefault("couchdb.signaturedatabase", defaults.CouchDB.SignatureDatabase)
	v.SetDefault("couchdb.componentsdatabase", defaults.CouchDB.ComponentsDatabase)
	v.SetDefault("couchdb.maxretries", defaults.CouchDB.MaxRetries)
	v.SetDefault("couchdb.maxretriesonstartup", defaults.CouchDB.MaxRetriesOnStartup)
	v.SetDefault("logging.spec", defaults.Logging.Spec)
	v.SetDefault("logging.format", defaults.Logging.Format)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "error reading configuration file")
		}
		logger.Debugf("no configuration file found, relying on defaults and environment")
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling configuration")
	}
	conf.completeInitialization()
	return conf, nil
}

func (c *Config) completeInitialization() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = defaults.Server.ListenAddress
	}
	if c.Operations.ListenAddress == "" {
		c.Operations.ListenAddress = defaults.Operations.ListenAddress
	}
	if c.CouchDB.URL == "" {
		c.CouchDB.URL = defaults.CouchDB.URL
	}
	if c.CouchDB.SignatureDatabase == "" {
		c.CouchDB.SignatureDatabase = defaults.CouchDB.SignatureDatabase
	}
	if c.CouchDB.ComponentsDatabase == "" {
		c.CouchDB.ComponentsDatabase = defaults.CouchDB.ComponentsDatabase
	}
	if c.CouchDB.MaxRetries == 0 {
		c.CouchDB.MaxRetries = defaults.CouchDB.MaxRetries
	}
	if c.CouchDB.MaxRetriesOnStartup == 0 {
		c.CouchDB.MaxRetriesOnStartup = defaults.CouchDB.MaxRetriesOnStartup
	}
	if c.Logging.Spec == "" {
		c.Logging.Spec = defaults.Logging.Spec
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.SelfURL == "" {
		return errors.New("server.selfurl must be set to this console's external URL")
	}
	return nil
}

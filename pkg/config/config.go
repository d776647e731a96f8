// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/pipeline"
)

const (
	DatastoreMemory = "memory"
	DatastoreEtcd   = "etcd"

	EnvPrefix = "gbp"
)

type Config struct {
	// Minimum log level to emit.
	LogLevel string `default:"info" split_words:"true"`

	// Offset added to the base id of every pipeline table.  A table offset
	// set in the policy source overrides it while present.
	TableOffset int `default:"0" split_words:"true"`

	// A convergence pass runs DebounceDelay after the last trigger, but no
	// later than MaxDebounceDelay after the first.
	DebounceDelay    time.Duration `default:"300ms" split_words:"true"`
	MaxDebounceDelay time.Duration `default:"5s" split_words:"true"`

	// Number of workers for synthesis and commits.  Zero means GOMAXPROCS.
	Workers int `default:"0" split_words:"true"`

	// Timeout applied to each table or group set commit.
	CommitTimeout time.Duration `default:"10s" split_words:"true"`

	// Device state store: "memory" or "etcd".
	Datastore string `default:"memory" split_words:"true"`

	EtcdEndpoints   []string      `default:"http://127.0.0.1:2379" split_words:"true"`
	EtcdPrefix      string        `default:"/gbp" split_words:"true"`
	EtcdDialTimeout time.Duration `default:"5s" split_words:"true"`
	// Largest etcd transaction the device store may issue; match the
	// server's --max-txn-ops.
	EtcdMaxTxnOps int `default:"128" split_words:"true"`

	// YAML file holding tenants, endpoints and switches.  When empty,
	// tenants are read from etcd.
	PolicyFile string `default:"" split_words:"true"`

	// Port to serve Prometheus metrics on.  Zero disables.
	PrometheusPort int `default:"0" split_words:"true"`

	// Port to serve /liveness and /readiness on.  Zero disables.
	HealthPort int `default:"0" split_words:"true"`
}

// Parse reads the configuration from GBP_* environment variables.
func (c *Config) Parse() error {
	return envconfig.Process(EnvPrefix, c)
}

// Load returns a Config parsed from the environment.
func Load() (*Config, error) {
	c := &Config{}
	if err := c.Parse(); err != nil {
		return nil, err
	}
	return c, nil
}

// NumWorkers returns Workers, defaulted to GOMAXPROCS.
func (c *Config) NumWorkers() int {
	if c.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Workers
}

// Validate checks the configuration.  maxTableOffset comes from the pipeline,
// which knows how many tables it owns.
func (c *Config) Validate(maxTableOffset int) error {
	var errs []error
	if c.TableOffset < 0 || c.TableOffset > maxTableOffset {
		errs = append(errs, fmt.Errorf("%w: %d not in [0, %d]", pipeline.ErrTableOffsetOutOfRange, c.TableOffset, maxTableOffset))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if c.DebounceDelay <= 0 {
		errs = append(errs, fmt.Errorf("debounce delay must be positive, got %v", c.DebounceDelay))
	}
	if c.MaxDebounceDelay < c.DebounceDelay {
		errs = append(errs, fmt.Errorf("max debounce delay %v is less than debounce delay %v", c.MaxDebounceDelay, c.DebounceDelay))
	}
	if c.CommitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("commit timeout must be positive, got %v", c.CommitTimeout))
	}
	switch c.Datastore {
	case DatastoreMemory:
	case DatastoreEtcd:
		if len(c.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("etcd datastore requires at least one endpoint"))
		}
		if c.EtcdMaxTxnOps <= 0 {
			errs = append(errs, fmt.Errorf("etcd max txn ops must be positive, got %d", c.EtcdMaxTxnOps))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown datastore %q", c.Datastore))
	}
	if c.PolicyFile == "" && len(c.EtcdEndpoints) == 0 {
		errs = append(errs, errors.New("no policy source: set a policy file or etcd endpoints"))
	}
	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid prometheus port %d", c.PrometheusPort))
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid health port %d", c.HealthPort))
	}
	return errors.Join(errs...)
}

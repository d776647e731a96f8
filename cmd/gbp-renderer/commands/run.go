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

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/etcdutil"
	"github.com/opendaylight/groupbasedpolicy-sub002/lib/health"
	"github.com/opendaylight/groupbasedpolicy-sub002/lib/logutils"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/config"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/devicestore"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/inventory"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/pipeline"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/policysource"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/reconciler"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/renderer"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the renderer daemon",
	Long: `Run the renderer daemon.  Configuration is read from GBP_* environment
variables; flags given on the command line take precedence.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		applyRunFlags(cmd.Flags(), cfg)
		return runDaemon(cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.Int("table-offset", 0, "Offset added to every pipeline table id")
	f.String("policy-file", "", "YAML file with tenants, endpoints and switches")
	f.String("datastore", "", "Device state store: memory or etcd")
	f.StringSlice("etcd-endpoints", nil, "etcd endpoints")
	f.String("etcd-prefix", "", "Key prefix for policy and device state in etcd")
	f.Int("workers", 0, "Synthesis and commit workers (0 means GOMAXPROCS)")
	f.Int("prometheus-port", 0, "Port for Prometheus metrics (0 disables)")
	f.Int("health-port", 0, "Port for liveness and readiness (0 disables)")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overrides the environment configuration with any flag that
// was set explicitly.
func applyRunFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("table-offset") {
		cfg.TableOffset, _ = flags.GetInt("table-offset")
	}
	if flags.Changed("policy-file") {
		cfg.PolicyFile, _ = flags.GetString("policy-file")
	}
	if flags.Changed("datastore") {
		cfg.Datastore, _ = flags.GetString("datastore")
	}
	if flags.Changed("etcd-endpoints") {
		cfg.EtcdEndpoints, _ = flags.GetStringSlice("etcd-endpoints")
	}
	if flags.Changed("etcd-prefix") {
		cfg.EtcdPrefix, _ = flags.GetString("etcd-prefix")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("prometheus-port") {
		cfg.PrometheusPort, _ = flags.GetInt("prometheus-port")
	}
	if flags.Changed("health-port") {
		cfg.HealthPort, _ = flags.GetInt("health-port")
	}
}

func runDaemon(cfg *config.Config) error {
	p := pipeline.New()
	if err := cfg.Validate(p.MaxTableOffset()); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logutils.ConfigureLogging(cfg.LogLevel)
	log.WithField("config", cfg).Info("Loaded configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var etcdClient *clientv3.Client
	if cfg.Datastore == config.DatastoreEtcd || cfg.PolicyFile == "" {
		var err error
		etcdClient, err = etcdutil.Dial(ctx, cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
		if err != nil {
			return err
		}
		defer func() {
			if err := etcdClient.Close(); err != nil {
				log.WithError(err).Warn("Failed to close etcd client")
			}
		}()
	}

	var store devicestore.Store
	switch cfg.Datastore {
	case config.DatastoreEtcd:
		store = devicestore.NewEtcdStore(etcdClient, cfg.EtcdPrefix, devicestore.WithMaxTxnOps(cfg.EtcdMaxTxnOps))
	default:
		log.Warn("Using the in-memory device store; device state is not persisted")
		store = devicestore.NewMemoryStore()
	}

	healthAggregator := health.NewHealthAggregator()
	tenants := resolver.NewTenantCache()
	endpoints := inventory.NewEndpointIndex()
	switches := inventory.NewSwitchInventory()
	r, err := renderer.New(renderer.Config{
		TableOffset:      cfg.TableOffset,
		Workers:          cfg.NumWorkers(),
		DebounceDelay:    cfg.DebounceDelay,
		MaxDebounceDelay: cfg.MaxDebounceDelay,
		Health:           healthAggregator,
	}, p, tenants, endpoints, switches, reconciler.New(store, cfg.NumWorkers(), cfg.CommitTimeout))
	if err != nil {
		return err
	}

	var src policysource.Source
	if cfg.PolicyFile != "" {
		src = policysource.NewFileSource(cfg.PolicyFile)
	} else {
		src = policysource.NewEtcdSource(etcdClient, cfg.EtcdPrefix)
	}
	sink := &policysource.InventorySink{
		Tenants:          tenants,
		Endpoints:        endpoints,
		Switches:         switches,
		OnTenantsChanged: r.PolicyChanged,
		// The source's table offset wins while set; clearing it restores
		// the configured one.
		SetTableOffset:     r.SetTableOffset,
		DefaultTableOffset: cfg.TableOffset,
	}

	if cfg.PrometheusPort > 0 {
		go servePrometheusMetrics(ctx, cfg.PrometheusPort)
	}
	if cfg.HealthPort > 0 {
		go healthAggregator.ServeHTTP(ctx, cfg.HealthPort)
	}

	if err := src.Start(ctx, sink); err != nil {
		return fmt.Errorf("failed to start policy source: %w", err)
	}
	r.Start(ctx)
	log.Info("Renderer started")

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

func servePrometheusMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for {
		log.WithField("port", port).Info("Starting prometheus metrics endpoint")
		server := &http.Server{
			Addr:              fmt.Sprintf(":%v", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		err := server.ListenAndServe()
		if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		log.WithError(err).Error("Prometheus metrics endpoint failed, trying to restart it...")
		time.Sleep(1 * time.Second)
	}
}

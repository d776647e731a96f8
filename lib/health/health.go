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

package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// The HealthReport struct has slots for the levels of health that we monitor and aggregate.
type HealthReport struct {
	Live  bool
	Ready bool
}

type reporterState struct {
	// The health indicators that this reporter reports.
	reports HealthReport

	// Expiry time for this reporter's reports.  Zero means reports never expire.
	timeout time.Duration

	// The most recent report.
	latest HealthReport

	// Time of that most recent report.
	timestamp time.Time
}

// A HealthAggregator receives health reports from individual reporters (the
// policy source, the convergence loop) and aggregates them into an overall
// health summary.  For each monitored kind of health, all of the reporters
// that report that need to say that it is good; for example, to be 'ready'
// overall, all of the reporters that report readiness need to have recently
// said 'Ready: true'.
type HealthAggregator struct {
	mutex     sync.Mutex
	clock     clock.PassiveClock
	reporters map[string]*reporterState
}

func NewHealthAggregator() *HealthAggregator {
	return NewHealthAggregatorWithClock(clock.RealClock{})
}

func NewHealthAggregatorWithClock(c clock.PassiveClock) *HealthAggregator {
	return &HealthAggregator{clock: c, reporters: map[string]*reporterState{}}
}

// RegisterReporter registers a reporter with a HealthAggregator.  The aggregator uses NAME to
// identify the reporter.  REPORTS indicates the kinds of health that this reporter will report.
// TIMEOUT is the expiry time for this reporter's reports; the reporter should normally refresh
// its reports well before this time has expired.
func (aggregator *HealthAggregator) RegisterReporter(name string, reports *HealthReport, timeout time.Duration) {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	aggregator.reporters[name] = &reporterState{
		reports:   *reports,
		timeout:   timeout,
		latest:    HealthReport{Live: true},
		timestamp: aggregator.clock.Now(),
	}
}

// Report reports current health from a reporter to a HealthAggregator.  Reports from
// unregistered reporters are ignored.
func (aggregator *HealthAggregator) Report(name string, report *HealthReport) {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	reporter := aggregator.reporters[name]
	if reporter == nil {
		log.WithField("name", name).Warn("Health report from unregistered reporter")
		return
	}
	reporter.latest = *report
	reporter.timestamp = aggregator.clock.Now()
}

// Summary calculates the current overall health for a HealthAggregator.
func (aggregator *HealthAggregator) Summary() *HealthReport {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()

	// In the absence of any reporters, default to indicating that we are both live and ready.
	summary := &HealthReport{Live: true, Ready: true}

	now := aggregator.clock.Now()
	for name, reporter := range aggregator.reporters {
		log.WithFields(log.Fields{
			"name":           name,
			"reporter-state": reporter,
		}).Debug("Detailed health state")

		stale := reporter.timeout > 0 && now.Sub(reporter.timestamp) > reporter.timeout

		// Reset Live to false if that reporter is registered to report liveness and hasn't
		// recently said that it is live.
		if summary.Live && reporter.reports.Live && (!reporter.latest.Live || stale) {
			summary.Live = false
		}

		// Reset Ready to false if that reporter is registered to report readiness and
		// hasn't recently said that it is ready.
		if summary.Ready && reporter.reports.Ready && (!reporter.latest.Ready || stale) {
			summary.Ready = false
		}
	}

	log.WithField("summary", summary).Debug("Overall health")
	return summary
}

const (
	// The HTTP status that we use for 'ready' or 'live'.  204 means "No Content: The server
	// successfully processed the request and is not returning any content."
	StatusGood = http.StatusNoContent

	// The HTTP status that we use for 'not ready' or 'not live'.  503 means "Service
	// Unavailable", which probes treat as a temporary failure.
	StatusBad = http.StatusServiceUnavailable
)

// Handler serves /readiness and /liveness, returning StatusGood or StatusBad
// according to the current summary.
func (aggregator *HealthAggregator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/readiness", func(rsp http.ResponseWriter, req *http.Request) {
		log.Debug("GET /readiness")
		status := StatusBad
		if aggregator.Summary().Ready {
			status = StatusGood
		}
		rsp.WriteHeader(status)
	})
	mux.HandleFunc("/liveness", func(rsp http.ResponseWriter, req *http.Request) {
		log.Debug("GET /liveness")
		status := StatusBad
		if aggregator.Summary().Live {
			status = StatusGood
		}
		rsp.WriteHeader(status)
	})
	return mux
}

// ServeHTTP publishes the health endpoints on the given port until ctx is
// cancelled, restarting the listener if it fails.
func (aggregator *HealthAggregator) ServeHTTP(ctx context.Context, port int) {
	log.WithField("port", port).Info("Starting health endpoints")
	for {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%v", port),
			Handler:           aggregator.Handler(),
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
		log.WithError(err).Error("Health endpoint failed, trying to restart it...")
		time.Sleep(1 * time.Second)
	}
}

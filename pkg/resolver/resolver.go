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

// Package resolver compiles tenant policy into a ResolvedPolicy.  Resolution
// runs in three phases: contract selection joins consumer and provider
// selectors on shared contracts, subject selection activates clauses and
// gathers subjects per endpoint-constraint cell, and the merge phase turns
// those subjects into deterministically ordered rule groups.
package resolver

import (
	"errors"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var (
	countResolutions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_resolver_resolutions_total",
		Help: "Number of full policy resolutions.",
	})
	countRejectedTenants = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_resolver_rejected_tenants_total",
		Help: "Number of tenant snapshots rejected as invalid.",
	})
	gaugeResolvedPairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gbp_resolver_resolved_pairs",
		Help: "Number of endpoint group pairs with resolved policy.",
	})
	gaugeResolvedCells = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gbp_resolver_resolved_cells",
		Help: "Number of endpoint constraint cells across all resolved pairs.",
	})
	summaryResolveTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "gbp_resolver_resolve_seconds",
		Help: "Time taken to resolve the full tenant set.",
	})
)

func init() {
	prometheus.MustRegister(
		countResolutions,
		countRejectedTenants,
		gaugeResolvedPairs,
		gaugeResolvedCells,
		summaryResolveTime,
	)
}

// Resolve compiles the given tenant snapshot.  It has no side effects beyond
// metrics and the result is a fresh value that callers must not mutate.
//
// Invalid tenants are left out of the result and reported through the
// returned error, which joins one *TenantError per rejected tenant.  The
// ResolvedPolicy is always non-nil and covers every valid tenant.
func Resolve(tenants []*model.Tenant) (*model.ResolvedPolicy, error) {
	start := time.Now()
	defer func() {
		summaryResolveTime.Observe(time.Since(start).Seconds())
	}()
	countResolutions.Inc()

	sorted := slices.Clone(tenants)
	slices.SortFunc(sorted, func(a, b *model.Tenant) int {
		if a == nil || b == nil {
			return boolToInt(a == nil) - boolToInt(b == nil)
		}
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})

	var errs []error
	matches := map[model.EgPair][]ContractMatch{}
	for _, t := range sorted {
		if err := ValidateTenant(t); err != nil {
			countRejectedTenants.Inc()
			errs = append(errs, err)
			continue
		}
		selectContracts(t, matches)
	}

	condIdx := conditionIndex{}
	cells, err := selectSubjects(matches, condIdx)
	if err != nil {
		// Validation covers everything selectSubjects can fail on.
		log.WithError(err).Panic("Bug: clause failed to compile after validation")
	}
	rp := mergeCells(cells, condIdx)

	gaugeResolvedPairs.Set(float64(len(rp.Policies)))
	gaugeResolvedCells.Set(float64(rp.NumCells()))
	log.WithFields(log.Fields{
		"tenants":  len(tenants),
		"rejected": len(errs),
		"pairs":    len(rp.Policies),
		"cells":    rp.NumCells(),
	}).Debug("Resolved policy")
	return rp, errors.Join(errs...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

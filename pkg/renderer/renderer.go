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

// Package renderer drives convergence passes: it resolves policy when tenants
// change, compiles the pipeline for every located endpoint and ready switch,
// and hands the result to the reconciler.
package renderer

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/health"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/inventory"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/pipeline"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/reconciler"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/scheduler"
)

const healthName = "renderer"

var (
	countPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_renderer_passes_total",
		Help: "Number of convergence passes.",
	})
	countStageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gbp_renderer_stage_errors_total",
		Help: "Number of stage compilations that failed and were omitted.",
	}, []string{"stage"})
	summaryPassTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "gbp_renderer_pass_seconds",
		Help: "Time taken by one convergence pass.",
	})
	countFlowConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_renderer_flow_conflicts_total",
		Help: "Number of flow pairs compiled into the same table slot with different actions.",
	})
	gaugeDesiredFlows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gbp_renderer_desired_flows",
		Help: "Number of flows produced by the last pass.",
	})
	gaugeDesiredGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gbp_renderer_desired_groups",
		Help: "Number of groups produced by the last pass.",
	})
)

func init() {
	prometheus.MustRegister(
		countPasses,
		countStageErrors,
		countFlowConflicts,
		summaryPassTime,
		gaugeDesiredFlows,
		gaugeDesiredGroups,
	)
}

type Config struct {
	TableOffset      int
	Workers          int
	DebounceDelay    time.Duration
	MaxDebounceDelay time.Duration

	// Optional.
	Clock  clock.Clock
	Health *health.HealthAggregator
}

// PassResult describes one convergence pass.
type PassResult struct {
	ID          string
	Flows       int
	Groups      int
	StageErrors []*pipeline.StageError
	// Conflicts counts flow pairs compiled into the same table slot with
	// different actions.
	Conflicts int
	Reconcile *reconciler.Result
	// Err joins the unit failures of the pass, or holds the error that
	// abandoned it.
	Err error
}

// Renderer owns the convergence loop.  Changes to the inventories or the
// tenant set trigger a debounced pass; passes never overlap.
type Renderer struct {
	pipeline   *pipeline.Pipeline
	tenants    *resolver.TenantCache
	endpoints  *inventory.EndpointIndex
	switches   *inventory.SwitchInventory
	reconciler *reconciler.Reconciler
	ords       *pipeline.Ordinals
	workers    int
	health     *health.HealthAggregator
	debouncer  *scheduler.Debouncer

	policyDirty atomic.Bool
	policy      atomic.Pointer[model.ResolvedPolicy]

	// Serialises passes started directly with Converge against those started
	// by the debouncer.
	passLock sync.Mutex

	lock   sync.Mutex
	tables pipeline.TableMap
}

func New(
	cfg Config,
	p *pipeline.Pipeline,
	tenants *resolver.TenantCache,
	endpoints *inventory.EndpointIndex,
	switches *inventory.SwitchInventory,
	rec *reconciler.Reconciler,
) (*Renderer, error) {
	tables, err := p.TableMap(cfg.TableOffset)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	r := &Renderer{
		pipeline:   p,
		tenants:    tenants,
		endpoints:  endpoints,
		switches:   switches,
		reconciler: rec,
		ords:       pipeline.NewOrdinals(),
		workers:    workers,
		health:     cfg.Health,
		tables:     tables,
	}
	r.policyDirty.Store(true)

	var opts []scheduler.Option
	if cfg.Clock != nil {
		opts = append(opts, scheduler.WithClock(cfg.Clock))
	}
	r.debouncer = scheduler.NewDebouncer(cfg.DebounceDelay, cfg.MaxDebounceDelay, func(ctx context.Context) {
		r.Converge(ctx)
	}, opts...)

	endpoints.OnChange(r.debouncer.Trigger)
	switches.OnChange(r.debouncer.Trigger)

	if r.health != nil {
		r.health.RegisterReporter(healthName, &health.HealthReport{Live: true, Ready: true}, 0)
	}
	return r, nil
}

// Start runs the convergence loop until ctx is cancelled and schedules an
// initial pass.
func (r *Renderer) Start(ctx context.Context) {
	r.debouncer.Start(ctx)
	r.debouncer.Trigger()
}

// PolicyChanged marks the tenant set as changed; the next pass re-resolves.
func (r *Renderer) PolicyChanged() {
	r.policyDirty.Store(true)
	r.debouncer.Trigger()
}

// Policy returns the policy used by the most recent pass, or nil.
func (r *Renderer) Policy() *model.ResolvedPolicy {
	return r.policy.Load()
}

func (r *Renderer) Tables() pipeline.TableMap {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tables
}

// SetTableOffset moves the pipeline to new table ids.  The reconciler purges
// the old ids on each ready switch before writing the new ones there.
func (r *Renderer) SetTableOffset(offset int) error {
	tables, err := r.pipeline.TableMap(offset)
	if err != nil {
		return err
	}
	r.lock.Lock()
	if tables == r.tables {
		r.lock.Unlock()
		return nil
	}
	log.WithFields(log.Fields{
		"old": r.tables.Offset(),
		"new": tables.Offset(),
	}).Info("Relocating pipeline tables")
	r.tables = tables
	r.lock.Unlock()

	r.debouncer.Trigger()
	return nil
}

// Converge runs one convergence pass.
func (r *Renderer) Converge(ctx context.Context) *PassResult {
	r.passLock.Lock()
	defer r.passLock.Unlock()

	start := time.Now()
	res := &PassResult{ID: uuid.NewString()}
	logCxt := log.WithField("pass", res.ID)
	logCxt.Debug("Starting convergence pass")
	countPasses.Inc()
	defer func() {
		summaryPassTime.Observe(time.Since(start).Seconds())
	}()

	rp := r.currentPolicy(logCxt)
	eps := r.endpoints.Snapshot()
	sws := r.switches.Snapshot()
	ready := sws.ReadySwitches()

	tables := r.Tables()

	rc := pipeline.NewRenderContext(rp, eps, sws, r.tenants, tables, r.ords)
	desired, stageErrs, err := r.synthesize(ctx, rc, ready)
	res.StageErrors = stageErrs
	for _, se := range stageErrs {
		countStageErrors.WithLabelValues(se.Stage).Inc()
		fields := log.Fields{"stage": se.Stage, "switch": se.Switch}
		if se.Endpoint != nil {
			fields["endpoint"] = *se.Endpoint
		}
		logCxt.WithFields(fields).WithError(se.Err).Warn("Stage failed, omitting its contribution")
	}
	if err != nil {
		// Cancelled mid-synthesis: the desired state is incomplete, so
		// committing it would delete live flows.
		res.Err = err
		r.reportHealth(false)
		logCxt.WithError(err).Warn("Convergence pass abandoned")
		return res
	}
	res.Conflicts = logConflicts(logCxt, desired)
	res.Flows = desired.NumFlows()
	res.Groups = desired.NumGroups()
	gaugeDesiredFlows.Set(float64(res.Flows))
	gaugeDesiredGroups.Set(float64(res.Groups))

	recRes, err := r.reconciler.Reconcile(ctx, desired, ready, tables.IDs())
	res.Reconcile = recRes
	if err != nil {
		logCxt.WithError(err).Warn("Some units failed to commit, will retry on the next pass")
		res.Err = err
	}
	r.reportHealth(res.Err == nil)
	logCxt.WithFields(log.Fields{
		"flows":       res.Flows,
		"groups":      res.Groups,
		"writes":      recRes.Writes(),
		"failedUnits": recRes.FailedUnits,
		"stageErrors": len(stageErrs),
		"duration":    time.Since(start),
	}).Info("Convergence pass complete")
	return res
}

func logConflicts(logCxt *log.Entry, desired *flows.FlowMap) int {
	n := 0
	for _, tk := range desired.TableKeys() {
		for _, pair := range desired.Conflicts(tk) {
			n++
			logCxt.WithFields(log.Fields{
				"switch": tk.Switch,
				"first":  pair[0].Render(),
				"second": pair[1].Render(),
			}).Warn("Flows compete for the same table slot")
		}
	}
	countFlowConflicts.Add(float64(n))
	return n
}

// reportHealth records the outcome of a pass.  The loop itself stays live; a
// pass that did not converge every unit clears readiness.
func (r *Renderer) reportHealth(converged bool) {
	if r.health == nil {
		return
	}
	r.health.Report(healthName, &health.HealthReport{Live: true, Ready: converged})
}

// Render compiles the pipeline against the current inventories without
// committing anything.
func (r *Renderer) Render(ctx context.Context) (*flows.FlowMap, []*pipeline.StageError, error) {
	r.passLock.Lock()
	defer r.passLock.Unlock()

	rp := r.currentPolicy(log.WithField("pass", "render"))
	sws := r.switches.Snapshot()
	rc := pipeline.NewRenderContext(rp, r.endpoints.Snapshot(), sws, r.tenants, r.Tables(), r.ords)
	return r.synthesize(ctx, rc, sws.ReadySwitches())
}

// currentPolicy re-resolves if the tenants changed since the last pass.
func (r *Renderer) currentPolicy(logCxt *log.Entry) *model.ResolvedPolicy {
	rp := r.policy.Load()
	if r.policyDirty.Swap(false) || rp == nil {
		rp = r.tenants.Resolve()
		r.policy.Store(rp)
		logCxt.WithFields(log.Fields{
			"pairs": len(rp.Pairs()),
			"cells": rp.NumCells(),
		}).Info("Resolved policy")
	}
	return rp
}

// synthesize compiles the switch-level flows of every ready switch and the
// flows of every located endpoint, in parallel.
func (r *Renderer) synthesize(
	ctx context.Context,
	rc *pipeline.RenderContext,
	ready []model.NodeID,
) (*flows.FlowMap, []*pipeline.StageError, error) {
	out := flows.NewFlowMap()
	var (
		errsLock  sync.Mutex
		stageErrs []*pipeline.StageError
	)
	record := func(errs []*pipeline.StageError) {
		if len(errs) == 0 {
			return
		}
		errsLock.Lock()
		defer errsLock.Unlock()
		stageErrs = append(stageErrs, errs...)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for _, id := range ready {
		sw := rc.Switches.Switch(id)
		if sw == nil {
			continue
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			record(r.pipeline.RenderSwitch(rc, sw, out))
			return nil
		})
	}
	for _, info := range rc.LocatedEndpoints() {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			record(r.pipeline.RenderEndpoint(rc, info, out))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, fmt.Errorf("synthesis interrupted: %w", err)
	}

	// Workers finish in any order; report errors deterministically.
	slices.SortFunc(stageErrs, compareStageErrors)
	return out, stageErrs, nil
}

func compareStageErrors(a, b *pipeline.StageError) int {
	if c := cmp.Compare(a.Switch, b.Switch); c != 0 {
		return c
	}
	switch {
	case a.Endpoint == nil && b.Endpoint != nil:
		return -1
	case a.Endpoint != nil && b.Endpoint == nil:
		return 1
	case a.Endpoint != nil:
		if c := model.CompareEndpointKeys(*a.Endpoint, *b.Endpoint); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.Stage, b.Stage)
}

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

// Package reconciler brings device state in line with the flows and groups
// accumulated by a convergence pass.
//
// Reconciliation works per unit: one unit per (switch, table) and one per
// switch's group set.  For each unit the reconciler reads what the store
// holds, diffs it against the desired values under equivalence and, only if
// something differs, commits deletes then puts in a single transaction.
// Units commit independently: a failed unit is logged and left for the next
// pass, without affecting the others.
//
// Each switch also carries a record of the table ids the pipeline owns there.
// When the owned tables change, for instance after a table offset change or a
// restart with a different offset, the tables that dropped out of the record
// are emptied before anything else on that switch is written.  The record
// only moves once every such purge has committed.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/deltatracker"
	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/devicestore"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var (
	countFlowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_reconciler_flows_written_total",
		Help: "Number of flows written to devices.",
	})
	countFlowsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_reconciler_flows_deleted_total",
		Help: "Number of flows deleted from devices.",
	})
	countGroupsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_reconciler_groups_written_total",
		Help: "Number of groups written to devices.",
	})
	countGroupsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_reconciler_groups_deleted_total",
		Help: "Number of groups deleted from devices.",
	})
	countCommitFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gbp_reconciler_commit_failures_total",
		Help: "Number of failed unit commits.",
	}, []string{"unit"})
	histCommitTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gbp_reconciler_commit_seconds",
		Help:    "Time taken to reconcile one unit.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(countFlowsWritten)
	prometheus.MustRegister(countFlowsDeleted)
	prometheus.MustRegister(countGroupsWritten)
	prometheus.MustRegister(countGroupsDeleted)
	prometheus.MustRegister(countCommitFailures)
	prometheus.MustRegister(histCommitTime)
}

// UnitError reports a failed unit.  Table is nil for a group-set unit.
type UnitError struct {
	Switch model.NodeID
	Table  *uint8
	Err    error
}

func (e *UnitError) Error() string {
	if e.Table == nil {
		return fmt.Sprintf("groups of %s: %v", e.Switch, e.Err)
	}
	return fmt.Sprintf("table %d of %s: %v", *e.Table, e.Switch, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Result summarises one Reconcile call.
type Result struct {
	UnitsChecked  int
	UnitsWritten  int
	FlowsWritten  int
	FlowsDeleted  int
	GroupsWritten int
	GroupsDeleted int
	FailedUnits   int
}

func (r *Result) Writes() int {
	return r.FlowsWritten + r.FlowsDeleted + r.GroupsWritten + r.GroupsDeleted
}

type Reconciler struct {
	store         devicestore.Store
	workers       int
	commitTimeout time.Duration

	// Units committed successfully by an earlier pass.  A unit that drops out
	// of the desired state is still reconciled (against nothing) while its
	// switch stays ready.
	lock          sync.Mutex
	appliedTables set.Set[flows.TableKey]
	appliedGroups set.Set[model.NodeID]
}

func New(store devicestore.Store, workers int, commitTimeout time.Duration) *Reconciler {
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{
		store:         store,
		workers:       workers,
		commitTimeout: commitTimeout,
		appliedTables: set.New[flows.TableKey](),
		appliedGroups: set.New[model.NodeID](),
	}
}

// Reconcile converges every unit on the ready switches.  ownedTables lists the
// pipeline's table ids; every one of them is reconciled on every ready switch
// so stale flows are cleaned up even after a restart.  Tables recorded as
// owned by an earlier layout are purged first; a switch whose purge fails is
// skipped until a later pass finishes it.
//
// The returned error joins one *UnitError per failed unit.  It is only
// returned for logging: every other unit has been committed.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	desired *flows.FlowMap,
	ready []model.NodeID,
	ownedTables []uint8,
) (*Result, error) {
	var (
		resLock sync.Mutex
		res     Result
		errs    []error
	)

	record := func(ur unitResult, err error) {
		resLock.Lock()
		defer resLock.Unlock()
		res.UnitsChecked++
		if err != nil {
			res.FailedUnits++
			errs = append(errs, err)
			return
		}
		if ur.puts+ur.deletes > 0 {
			res.UnitsWritten++
		}
		if ur.groups {
			res.GroupsWritten += ur.puts
			res.GroupsDeleted += ur.deletes
		} else {
			res.FlowsWritten += ur.puts
			res.FlowsDeleted += ur.deletes
		}
	}

	// Layout first: a switch whose stale tables could not all be purged keeps
	// its remaining units for a later pass.
	var layoutLock sync.Mutex
	var laidOut []model.NodeID
	var layouts errgroup.Group
	layouts.SetLimit(r.workers)
	for _, sw := range ready {
		layouts.Go(func() error {
			if r.reconcileLayout(ctx, sw, ownedTables, record) {
				layoutLock.Lock()
				laidOut = append(laidOut, sw)
				layoutLock.Unlock()
			}
			return nil
		})
	}
	_ = layouts.Wait()

	readySet := set.FromArray(ready)
	laidOutSet := set.FromArray(laidOut)
	tableUnits := set.New[flows.TableKey]()
	groupUnits := set.New[model.NodeID]()
	for _, sw := range laidOut {
		for _, t := range ownedTables {
			tableUnits.Add(flows.TableKey{Switch: sw, Table: t})
		}
		groupUnits.Add(sw)
	}
	for _, tk := range desired.TableKeys() {
		if laidOutSet.Contains(tk.Switch) {
			tableUnits.Add(tk)
		}
	}

	r.lock.Lock()
	for tk := range r.appliedTables.All() {
		if laidOutSet.Contains(tk.Switch) {
			tableUnits.Add(tk)
		} else if !readySet.Contains(tk.Switch) {
			// The switch is gone or not ready; forget rather than delete so that
			// it is re-read from scratch when it comes back.
			r.appliedTables.Discard(tk)
		}
	}
	for sw := range r.appliedGroups.All() {
		if !readySet.Contains(sw) {
			r.appliedGroups.Discard(sw)
		}
	}
	r.lock.Unlock()

	var eg errgroup.Group
	eg.SetLimit(r.workers)
	for _, tk := range sortedTableKeys(tableUnits) {
		eg.Go(func() error {
			record(r.reconcileTable(ctx, tk, desired.Flows(tk)))
			return nil
		})
	}
	for _, sw := range set.Sorted(groupUnits) {
		eg.Go(func() error {
			record(r.reconcileGroups(ctx, sw, desired.Groups(sw)))
			return nil
		})
	}
	_ = eg.Wait()

	countFlowsWritten.Add(float64(res.FlowsWritten))
	countFlowsDeleted.Add(float64(res.FlowsDeleted))
	countGroupsWritten.Add(float64(res.GroupsWritten))
	countGroupsDeleted.Add(float64(res.GroupsDeleted))
	return &res, errors.Join(errs...)
}

type unitResult struct {
	groups  bool
	puts    int
	deletes int
}

func (r *Reconciler) unitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.commitTimeout > 0 {
		return context.WithTimeout(ctx, r.commitTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Reconciler) reconcileTable(ctx context.Context, tk flows.TableKey, desired map[string]*flows.Flow) (unitResult, error) {
	start := time.Now()
	defer func() { histCommitTime.Observe(time.Since(start).Seconds()) }()
	logCxt := log.WithFields(log.Fields{"switch": tk.Switch, "table": tk.Table})
	ctx, cancel := r.unitContext(ctx)
	defer cancel()

	fail := func(err error) (unitResult, error) {
		countCommitFailures.WithLabelValues("table").Inc()
		logCxt.WithError(err).Warn("Failed to reconcile table, will retry on next pass")
		table := tk.Table
		return unitResult{}, &UnitError{Switch: tk.Switch, Table: &table, Err: err}
	}

	txn, err := r.store.NewTxn(ctx)
	if err != nil {
		return fail(err)
	}
	persisted, err := txn.ReadFlows(ctx, tk.Switch, tk.Table)
	if err != nil {
		txn.Cancel()
		return fail(err)
	}

	tracker := deltatracker.New[string, *flows.Flow]()
	for k, f := range desired {
		tracker.SetDesired(k, f)
	}
	tracker.ReplaceDeviceState(maps.All(persisted))

	if tracker.InSync() {
		txn.Cancel()
		r.markTableApplied(tk, len(desired) > 0)
		return unitResult{}, nil
	}
	ur := unitResult{puts: tracker.NumPendingUpdates(), deletes: tracker.NumPendingDeletions()}
	for k := range tracker.PendingDeletions() {
		txn.DeleteFlow(tk.Switch, tk.Table, k)
	}
	for _, f := range tracker.PendingUpdates() {
		txn.PutFlow(tk.Switch, f)
	}
	if err := txn.Submit(ctx); err != nil {
		return fail(err)
	}
	logCxt.WithFields(log.Fields{"puts": ur.puts, "deletes": ur.deletes}).Debug("Reconciled table")
	r.markTableApplied(tk, len(desired) > 0)
	return ur, nil
}

func (r *Reconciler) markTableApplied(tk flows.TableKey, nonEmpty bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if nonEmpty {
		r.appliedTables.Add(tk)
	} else {
		r.appliedTables.Discard(tk)
	}
}

func (r *Reconciler) reconcileGroups(ctx context.Context, sw model.NodeID, desired map[uint32]*flows.Group) (unitResult, error) {
	start := time.Now()
	defer func() { histCommitTime.Observe(time.Since(start).Seconds()) }()
	logCxt := log.WithField("switch", sw)
	ctx, cancel := r.unitContext(ctx)
	defer cancel()

	fail := func(err error) (unitResult, error) {
		countCommitFailures.WithLabelValues("groups").Inc()
		logCxt.WithError(err).Warn("Failed to reconcile groups, will retry on next pass")
		return unitResult{groups: true}, &UnitError{Switch: sw, Err: err}
	}

	txn, err := r.store.NewTxn(ctx)
	if err != nil {
		return fail(err)
	}
	persisted, err := txn.ReadGroups(ctx, sw)
	if err != nil {
		txn.Cancel()
		return fail(err)
	}

	tracker := deltatracker.New(deltatracker.WithValuesEqualFn[uint32](func(a, b *flows.Group) bool {
		return a.Key() == b.Key()
	}))
	for id, g := range desired {
		tracker.SetDesired(id, g)
	}
	tracker.ReplaceDeviceState(maps.All(persisted))

	if tracker.InSync() {
		txn.Cancel()
		r.markGroupsApplied(sw, len(desired) > 0)
		return unitResult{groups: true}, nil
	}
	ur := unitResult{groups: true, puts: tracker.NumPendingUpdates(), deletes: tracker.NumPendingDeletions()}
	for id := range tracker.PendingDeletions() {
		txn.DeleteGroup(sw, id)
	}
	for _, g := range tracker.PendingUpdates() {
		txn.PutGroup(sw, g)
	}
	if err := txn.Submit(ctx); err != nil {
		return fail(err)
	}
	logCxt.WithFields(log.Fields{"puts": ur.puts, "deletes": ur.deletes}).Debug("Reconciled groups")
	r.markGroupsApplied(sw, len(desired) > 0)
	return ur, nil
}

func (r *Reconciler) markGroupsApplied(sw model.NodeID, nonEmpty bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if nonEmpty {
		r.appliedGroups.Add(sw)
	} else {
		r.appliedGroups.Discard(sw)
	}
}

// reconcileLayout purges the tables recorded as owned on sw that are not in
// owned, then records owned.  It reports whether the switch may go on to its
// other units.
func (r *Reconciler) reconcileLayout(
	ctx context.Context,
	sw model.NodeID,
	owned []uint8,
	record func(unitResult, error),
) bool {
	logCxt := log.WithField("switch", sw)
	fail := func(err error) bool {
		countCommitFailures.WithLabelValues("layout").Inc()
		logCxt.WithError(err).Warn("Failed to update owned tables, will retry on next pass")
		record(unitResult{}, fmt.Errorf("owned tables of %s: %w", sw, err))
		return false
	}

	lctx, cancel := r.unitContext(ctx)
	defer cancel()
	txn, err := r.store.NewTxn(lctx)
	if err != nil {
		return fail(err)
	}
	recorded, err := txn.ReadOwnedTables(lctx, sw)
	if err != nil {
		txn.Cancel()
		return fail(err)
	}

	want := set.FromArray(owned)
	ok := true
	for _, t := range recorded {
		if want.Contains(t) {
			continue
		}
		ur, err := r.reconcileTable(ctx, flows.TableKey{Switch: sw, Table: t}, nil)
		record(ur, err)
		if err != nil {
			ok = false
			continue
		}
		if ur.deletes > 0 {
			logCxt.WithFields(log.Fields{"table": t, "deleted": ur.deletes}).Info("Purged table no longer owned by the pipeline")
		}
	}
	if !ok {
		txn.Cancel()
		return false
	}

	if slices.Equal(recorded, set.Sorted(want)) {
		txn.Cancel()
		return true
	}
	txn.PutOwnedTables(sw, owned)
	if err := txn.Submit(lctx); err != nil {
		return fail(err)
	}
	logCxt.WithFields(log.Fields{"old": recorded, "new": set.Sorted(want)}).Info("Recorded owned tables")
	return true
}

// AppliedTables returns the units committed with content, sorted.
func (r *Reconciler) AppliedTables() []flows.TableKey {
	r.lock.Lock()
	defer r.lock.Unlock()
	return sortedTableKeys(r.appliedTables)
}

func sortedTableKeys(s set.Set[flows.TableKey]) []flows.TableKey {
	out := s.Slice()
	slices.SortFunc(out, flows.CompareTableKeys)
	return out
}

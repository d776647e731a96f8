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

package reconciler_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/devicestore"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/reconciler"
)

var owned = []uint8{0, 1}

func portFlow(table uint8, port uint32) *flows.Flow {
	return &flows.Flow{
		TableID:  table,
		Priority: 100,
		Match:    flows.Match().InPort(port),
		Actions:  []flows.Action{flows.GotoTable(table + 1)},
	}
}

func floodGroup(ports ...uint32) *flows.Group {
	g := &flows.Group{ID: 10, Type: flows.GroupTypeAll}
	for _, p := range ports {
		g.Buckets = append(g.Buckets, flows.Bucket{ID: p, Actions: []flows.Action{flows.Output(p)}})
	}
	return g
}

var _ = Describe("Reconciler", func() {
	var (
		ctx   context.Context
		store *devicestore.MemoryStore
		r     *reconciler.Reconciler
		fm    *flows.FlowMap
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = devicestore.NewMemoryStore()
		r = reconciler.New(store, 4, time.Second)
		fm = flows.NewFlowMap()
		for p := uint32(1); p <= 3; p++ {
			fm.AddFlow("sw1", portFlow(0, p))
			fm.AddFlow("sw2", portFlow(0, p))
		}
		fm.AddFlow("sw1", portFlow(1, 9))
		fm.AddGroup("sw1", floodGroup(1, 2))
	})

	reconcile := func(ready ...model.NodeID) *reconciler.Result {
		res, err := r.Reconcile(ctx, fm, ready, owned)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return res
	}

	It("should write the desired state", func() {
		res := reconcile("sw1", "sw2")
		Expect(res.FlowsWritten).To(Equal(7))
		Expect(res.GroupsWritten).To(Equal(1))
		Expect(res.FlowsDeleted).To(BeZero())
		Expect(res.UnitsChecked).To(Equal(6))
		Expect(store.Flows("sw1", 0)).To(HaveLen(3))
		Expect(store.Groups("sw1")[10].Buckets).To(HaveLen(2))
	})

	It("should be idempotent", func() {
		reconcile("sw1", "sw2")
		store.ResetCounters()
		res := reconcile("sw1", "sw2")
		Expect(res.Writes()).To(BeZero())
		Expect(res.UnitsWritten).To(BeZero())
		Expect(store.Counters()).To(Equal(devicestore.Counters{}))
	})

	It("should issue exactly one put for one added flow", func() {
		reconcile("sw1", "sw2")
		store.ResetCounters()
		fm.AddFlow("sw1", portFlow(0, 4))
		res := reconcile("sw1", "sw2")
		Expect(res.FlowsWritten).To(Equal(1))
		Expect(res.FlowsDeleted).To(BeZero())
		Expect(store.Counters()).To(Equal(devicestore.Counters{Submits: 1, FlowPuts: 1}))
	})

	It("should issue exactly one delete for one removed flow", func() {
		reconcile("sw1", "sw2")
		store.ResetCounters()
		next := flows.NewFlowMap()
		for p := uint32(1); p <= 2; p++ {
			next.AddFlow("sw1", portFlow(0, p))
		}
		for p := uint32(1); p <= 3; p++ {
			next.AddFlow("sw2", portFlow(0, p))
		}
		next.AddFlow("sw1", portFlow(1, 9))
		next.AddGroup("sw1", floodGroup(1, 2))
		fm = next
		res := reconcile("sw1", "sw2")
		Expect(res.FlowsDeleted).To(Equal(1))
		Expect(res.FlowsWritten).To(BeZero())
		Expect(store.Counters()).To(Equal(devicestore.Counters{Submits: 1, FlowDeletes: 1}))
	})

	It("should rewrite a group whose buckets changed", func() {
		reconcile("sw1")
		store.ResetCounters()
		fm.AddGroup("sw1", floodGroup(3))
		res := reconcile("sw1")
		Expect(res.GroupsWritten).To(Equal(1))
		Expect(store.Groups("sw1")[10].Buckets).To(HaveLen(3))
	})

	It("should clean up tables that vanished from the desired state", func() {
		fm.AddFlow("sw1", portFlow(7, 1))
		reconcile("sw1")
		Expect(store.Flows("sw1", 7)).To(HaveLen(1))
		Expect(r.AppliedTables()).To(ContainElement(flows.TableKey{Switch: "sw1", Table: 7}))

		fm = flows.NewFlowMap()
		reconcile("sw1")
		Expect(store.Flows("sw1", 7)).To(BeEmpty())
		Expect(store.Flows("sw1", 0)).To(BeEmpty())
		Expect(store.Groups("sw1")).To(BeEmpty())
		Expect(r.AppliedTables()).To(BeEmpty())
	})

	It("should forget, not delete, units of switches that are no longer ready", func() {
		reconcile("sw1", "sw2")
		store.ResetCounters()
		res := reconcile("sw1")
		Expect(res.Writes()).To(BeZero())
		Expect(store.Flows("sw2", 0)).To(HaveLen(3))
		for _, tk := range r.AppliedTables() {
			Expect(tk.Switch).To(Equal(model.NodeID("sw1")))
		}
	})

	It("should isolate a failed unit and retry it on the next pass", func() {
		reconcile("sw1", "sw2")
		fm.AddFlow("sw1", portFlow(0, 4))
		fm.AddFlow("sw2", portFlow(0, 4))

		boom := errors.New("boom")
		failed := 0
		store.SetSubmitHook(func(int) error {
			failed++
			if failed == 1 {
				return boom
			}
			return nil
		})
		res, err := r.Reconcile(ctx, fm, []model.NodeID{"sw1", "sw2"}, owned)
		Expect(err).To(MatchError(boom))
		var ue *reconciler.UnitError
		Expect(errors.As(err, &ue)).To(BeTrue())
		Expect(res.FailedUnits).To(Equal(1))
		Expect(res.FlowsWritten).To(Equal(1))

		store.SetSubmitHook(nil)
		res = reconcile("sw1", "sw2")
		Expect(res.FlowsWritten).To(Equal(1))
		Expect(store.Flows("sw1", 0)).To(HaveLen(4))
		Expect(store.Flows("sw2", 0)).To(HaveLen(4))
	})

	It("should purge tables the pipeline no longer owns", func() {
		reconcile("sw1", "sw2")
		moved := flows.NewFlowMap()
		moved.AddFlow("sw1", portFlow(100, 1))
		res, err := r.Reconcile(ctx, moved, []model.NodeID{"sw1", "sw2"}, []uint8{100, 101})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.FlowsDeleted).To(Equal(7))
		Expect(res.FlowsWritten).To(Equal(1))
		Expect(store.Tables("sw1")).To(ConsistOf(uint8(100)))
		Expect(store.Tables("sw2")).To(BeEmpty())
		Expect(r.AppliedTables()).To(ConsistOf(flows.TableKey{Switch: "sw1", Table: 100}))
	})

	It("should purge tables owned before a restart", func() {
		reconcile("sw1", "sw2")

		// A fresh reconciler shares nothing with the old one but the store.
		fresh := reconciler.New(store, 2, time.Second)
		moved := flows.NewFlowMap()
		moved.AddFlow("sw1", portFlow(100, 1))
		_, err := fresh.Reconcile(ctx, moved, []model.NodeID{"sw1"}, []uint8{100})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Tables("sw1")).To(ConsistOf(uint8(100)))
		// sw2 is not ready: left alone until it is.
		Expect(store.Flows("sw2", 0)).To(HaveLen(3))

		_, err = fresh.Reconcile(ctx, moved, []model.NodeID{"sw1", "sw2"}, []uint8{100})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Tables("sw2")).To(BeEmpty())
	})

	It("should keep purging until every stale table is gone", func() {
		reconcile("sw1")
		boom := errors.New("boom")
		store.SetSubmitHook(func(int) error { return boom })
		moved := flows.NewFlowMap()
		moved.AddFlow("sw1", portFlow(100, 1))

		res, err := r.Reconcile(ctx, moved, []model.NodeID{"sw1"}, []uint8{100})
		Expect(err).To(MatchError(boom))
		Expect(res.FailedUnits).To(Equal(2))
		// The switch is held back: nothing new is written over the old layout.
		Expect(res.FlowsWritten).To(BeZero())
		Expect(store.Flows("sw1", 100)).To(BeEmpty())
		Expect(store.Flows("sw1", 0)).To(HaveLen(3))

		store.SetSubmitHook(nil)
		res, err = r.Reconcile(ctx, moved, []model.NodeID{"sw1"}, []uint8{100})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.FlowsDeleted).To(Equal(4))
		Expect(store.Tables("sw1")).To(ConsistOf(uint8(100)))

		// Settled: the next pass has nothing to purge.
		store.ResetCounters()
		res, err = r.Reconcile(ctx, moved, []model.NodeID{"sw1"}, []uint8{100})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Writes()).To(BeZero())
		Expect(store.Counters()).To(Equal(devicestore.Counters{}))
	})
})

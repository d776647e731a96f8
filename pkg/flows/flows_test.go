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

package flows_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

func allowFlow() *Flow {
	return &Flow{
		TableID:  4,
		Priority: 100,
		Match:    Match().InPort(3).Reg(0, 7).EthType(0x0800),
		Actions:  []Action{SetReg(7, 3), GotoTable(5)},
	}
}

var _ = Describe("Flow equivalence", func() {
	It("should ignore non-semantic fields", func() {
		a := allowFlow()
		b := allowFlow()
		b.ID = "other"
		b.Cookie = 99
		b.PacketCount = 1234
		b.ByteCount = 5678
		Expect(a.Key()).To(Equal(b.Key()))
		Expect(a.Key()).To(HaveLen(HashLength))
	})

	It("should ignore match field order", func() {
		a := allowFlow()
		b := allowFlow()
		b.Match = Match().EthType(0x0800).Reg(0, 7).InPort(3)
		Expect(a.Key()).To(Equal(b.Key()))
		Expect(a.SameMatch(b)).To(BeTrue())
	})

	It("should respect action order and priority", func() {
		a := allowFlow()
		b := allowFlow()
		b.Actions = []Action{GotoTable(5), SetReg(7, 3)}
		Expect(a.Key()).NotTo(Equal(b.Key()))
		Expect(a.SameMatch(b)).To(BeTrue())
		c := allowFlow()
		c.Priority = 101
		Expect(a.Key()).NotTo(Equal(c.Key()))
	})

	It("should render in ovs-ofctl style", func() {
		Expect(allowFlow().Render()).To(Equal(
			"table=4,priority=100,dl_type=0x0800,in_port=3,reg0=0x7 actions=load:0x3->NXM_NX_REG7[],goto_table:5"))
		Expect((&Flow{TableID: 1}).Render()).To(Equal("table=1,priority=0,* actions=drop"))
	})
})

var _ = Describe("PortRangeMasks", func() {
	DescribeTable("decomposition",
		func(min, max uint16, expected []string) {
			var got []string
			for _, pm := range PortRangeMasks(min, max) {
				got = append(got, pm.String())
			}
			Expect(got).To(Equal(expected))
		},
		Entry("single port", uint16(80), uint16(80), []string{"80"}),
		Entry("aligned block", uint16(1024), uint16(2047), []string{"0x400/0xfc00"}),
		Entry("unaligned", uint16(5), uint16(8), []string{"5", "0x6/0xfffe", "8"}),
		Entry("everything", uint16(0), uint16(65535), []string{"0x0/0x0"}),
		Entry("empty", uint16(9), uint16(8), nil),
	)
})

var _ = Describe("FlowMap", func() {
	var fm *FlowMap
	BeforeEach(func() {
		fm = NewFlowMap()
	})

	It("should dedupe equivalent flows", func() {
		Expect(fm.AddFlow("sw1", allowFlow())).To(BeTrue())
		dup := allowFlow()
		dup.ID = "from-another-stage"
		Expect(fm.AddFlow("sw1", dup)).To(BeFalse())
		Expect(fm.AddFlow("sw2", allowFlow())).To(BeTrue())

		Expect(fm.NumFlows()).To(Equal(2))
		Expect(fm.TableKeys()).To(Equal([]TableKey{{Switch: "sw1", Table: 4}, {Switch: "sw2", Table: 4}}))
		Expect(fm.Flows(TableKey{Switch: "sw1", Table: 4})).To(HaveLen(1))
		Expect(fm.Flows(TableKey{Switch: "sw9", Table: 4})).To(BeEmpty())
	})

	It("should isolate stored flows from the caller", func() {
		f := allowFlow()
		fm.AddFlow("sw1", f)
		f.Actions[0] = Drop()
		for _, stored := range fm.Flows(TableKey{Switch: "sw1", Table: 4}) {
			Expect(stored.Actions[0]).To(Equal(SetReg(7, 3)))
		}
	})

	It("should accumulate concurrently", func() {
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				defer GinkgoRecover()
				for i := 0; i < 100; i++ {
					fm.AddFlow("sw1", &Flow{TableID: 2, Priority: uint16(i), Match: Match().InPort(uint32(i))})
					fm.AddGroup("sw1", &Group{ID: 1, Type: GroupTypeAll, Buckets: []Bucket{{ID: uint32(w), Actions: []Action{Output(uint32(w))}}}})
				}
			}(w)
		}
		wg.Wait()
		Expect(fm.NumFlows()).To(Equal(100))
		Expect(fm.Groups("sw1")[1].Buckets).To(HaveLen(8))
	})

	It("should union group buckets independently of order", func() {
		b1 := Bucket{ID: 1, Actions: []Action{Output(1)}}
		b2 := Bucket{ID: 2, Actions: []Action{Output(2)}}
		fm.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll, Buckets: []Bucket{b2}})
		fm.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll, Buckets: []Bucket{b1, b2}})

		other := NewFlowMap()
		other.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll, Buckets: []Bucket{b1}})
		other.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll, Buckets: []Bucket{b2}})

		g := fm.Groups("sw1")[5]
		Expect(g.Buckets).To(Equal([]Bucket{b1, b2}))
		Expect(g.Key()).To(Equal(other.Groups("sw1")[5].Key()))
		Expect(fm.NumGroups()).To(Equal(1))
	})

	It("should keep the first type on conflict", func() {
		fm.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll})
		fm.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeSelect, Buckets: []Bucket{{ID: 1}}})
		Expect(fm.Groups("sw1")[5].Type).To(Equal(GroupTypeAll))
		Expect(fm.Groups("sw1")[5].Buckets).To(BeEmpty())
	})

	It("should merge another map", func() {
		fm.AddFlow("sw1", allowFlow())
		fm.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll, Buckets: []Bucket{{ID: 1, Actions: []Action{Output(1)}}}})

		scratch := NewFlowMap()
		scratch.AddFlow("sw1", allowFlow())
		scratch.AddFlow("sw2", &Flow{TableID: 0, Priority: 1})
		scratch.AddGroup("sw1", &Group{ID: 5, Type: GroupTypeAll, Buckets: []Bucket{{ID: 2, Actions: []Action{Output(2)}}}})
		fm.Merge(scratch)

		Expect(fm.NumFlows()).To(Equal(2))
		Expect(fm.Switches()).To(Equal([]model.NodeID{"sw1", "sw2"}))
		Expect(fm.Groups("sw1")[5].Buckets).To(HaveLen(2))
	})

	It("should sort flows by table then descending priority", func() {
		for i := 0; i < 3; i++ {
			fm.AddFlow("sw1", &Flow{TableID: 0, Priority: uint16(i), Match: Match().InPort(uint32(i))})
		}
		var prios []string
		for _, f := range fm.SortedFlows(TableKey{Switch: "sw1", Table: 0}) {
			prios = append(prios, fmt.Sprint(f.Priority))
		}
		Expect(prios).To(Equal([]string{"2", "1", "0"}))
	})

	It("should report flows that share a slot with different actions", func() {
		tk := TableKey{Switch: "sw1", Table: 4}
		fm.AddFlow("sw1", allowFlow())
		Expect(fm.Conflicts(tk)).To(BeEmpty())

		drop := allowFlow()
		drop.Actions = []Action{Drop()}
		fm.AddFlow("sw1", drop)
		lower := allowFlow()
		lower.Priority = 99
		lower.Actions = []Action{Drop()}
		fm.AddFlow("sw1", lower)

		conflicts := fm.Conflicts(tk)
		Expect(conflicts).To(HaveLen(1))
		Expect(conflicts[0][0].SameMatch(conflicts[0][1])).To(BeTrue())
		Expect(conflicts[0][0].Priority).To(Equal(uint16(100)))
	})
})

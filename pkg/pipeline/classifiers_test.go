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

package pipeline

import (
	"errors"
	"net/netip"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

func intParamValue(name string, v int64) model.ParameterValue {
	return model.ParameterValue{Name: name, Int: &v}
}

func classifierTenant(instances ...model.ClassifierInstance) *model.Tenant {
	return &model.Tenant{
		ID:                  "T1",
		ClassifierInstances: instances,
		ActionInstances: []model.ActionInstance{
			{Name: "allow", Definition: ActionAllow},
			{Name: "deny", Definition: ActionDeny},
			{Name: "mirror", Definition: "mirror"},
		},
	}
}

func renders(ms []flows.MatchCriteria) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Render())
	}
	return out
}

var _ = Describe("Classifiers", func() {
	It("should expand a port range over TCP and UDP on both IP versions", func() {
		t := classifierTenant(model.ClassifierInstance{
			Name:       "web",
			Definition: ClassifierL4,
			Parameters: []model.ParameterValue{{Name: ParamDestPortRange, Range: &model.RangeValue{Min: 80, Max: 81}}},
		})
		c, err := classify(t, []model.ClassifierRef{{Name: "web", Instance: "web"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(renders(c.expand(flows.Match(), nil, nil))).To(ConsistOf(
			"dl_type=0x0800,nw_proto=6,tp_dst=0x50/0xfffe",
			"dl_type=0x0800,nw_proto=17,tp_dst=0x50/0xfffe",
			"dl_type=0x86dd,nw_proto=6,tp_dst=0x50/0xfffe",
			"dl_type=0x86dd,nw_proto=17,tp_dst=0x50/0xfffe",
		))
	})

	It("should combine prefixes only with their own family", func() {
		t := classifierTenant(model.ClassifierInstance{
			Name:       "tcp",
			Definition: ClassifierIPProto,
			Parameters: []model.ParameterValue{intParamValue(ParamProto, 6)},
		})
		c, err := classify(t, []model.ClassifierRef{{Name: "tcp", Instance: "tcp"}})
		Expect(err).NotTo(HaveOccurred())
		src := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
		Expect(renders(c.expand(flows.Match().Reg(RegSrcEPG, 1), src, nil))).To(Equal([]string{
			"dl_type=0x0800,nw_proto=6,nw_src=10.0.0.0/8,reg0=0x1",
		}))
	})

	It("should leave the match alone without classifiers", func() {
		var c classification
		Expect(renders(c.expand(flows.Match().Reg(RegSrcEPG, 1), nil, nil))).To(Equal([]string{"reg0=0x1"}))
	})

	It("should swap ports for return traffic", func() {
		c := classification{
			protos:   []uint8{ProtoTCP},
			dstPorts: []flows.PortMask{flows.ExactPort(443)},
		}
		r := c.reversed()
		Expect(r.srcPorts).To(Equal(c.dstPorts))
		Expect(r.dstPorts).To(BeEmpty())
	})

	DescribeTable("invalid classifiers",
		func(inst model.ClassifierInstance) {
			_, err := classify(classifierTenant(inst), []model.ClassifierRef{{Name: "c", Instance: inst.Name}})
			Expect(errors.Is(err, ErrUnsupportedClassifier)).To(BeTrue(), "%v", err)
		},
		Entry("unknown definition", model.ClassifierInstance{Name: "c", Definition: "dscp"}),
		Entry("missing ether type", model.ClassifierInstance{Name: "c", Definition: ClassifierEtherType}),
		Entry("proto out of range", model.ClassifierInstance{
			Name: "c", Definition: ClassifierIPProto, Parameters: []model.ParameterValue{intParamValue(ParamProto, 300)},
		}),
		Entry("port and range", model.ClassifierInstance{
			Name: "c", Definition: ClassifierL4, Parameters: []model.ParameterValue{
				intParamValue(ParamSourcePort, 80),
				{Name: ParamSourcePortRange, Range: &model.RangeValue{Min: 1, Max: 2}},
			},
		}),
		Entry("inverted range", model.ClassifierInstance{
			Name: "c", Definition: ClassifierL4, Parameters: []model.ParameterValue{
				{Name: ParamDestPortRange, Range: &model.RangeValue{Min: 10, Max: 2}},
			},
		}),
	)

	It("should reject ports on a protocol without ports", func() {
		t := classifierTenant(
			model.ClassifierInstance{Name: "icmp", Definition: ClassifierIPProto, Parameters: []model.ParameterValue{intParamValue(ParamProto, 1)}},
			model.ClassifierInstance{Name: "p", Definition: ClassifierL4, Parameters: []model.ParameterValue{intParamValue(ParamDestPort, 7)}},
		)
		_, err := classify(t, []model.ClassifierRef{{Name: "icmp", Instance: "icmp"}, {Name: "p", Instance: "p"}})
		Expect(errors.Is(err, ErrUnsupportedClassifier)).To(BeTrue())
	})

	It("should select classifiers by direction", func() {
		refs := []model.ClassifierRef{
			{Name: "a", Direction: model.DirectionIn},
			{Name: "b", Direction: model.DirectionOut},
			{Name: "c"},
		}
		Expect(classifiersFor(refs, model.DirectionIn)).To(Equal([]model.ClassifierRef{refs[0], refs[2]}))
		Expect(classifiersFor(refs, model.DirectionOut)).To(Equal([]model.ClassifierRef{refs[1], refs[2]}))
	})
})

var _ = Describe("Actions", func() {
	t := classifierTenant()

	DescribeTable("verdicts",
		func(refs []model.ActionRef, allow bool) {
			got, err := ruleAllows(t, refs)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(allow))
		},
		Entry("no actions", []model.ActionRef{}, true),
		Entry("allow", []model.ActionRef{{Name: "allow"}}, true),
		Entry("deny", []model.ActionRef{{Name: "deny"}}, false),
		Entry("lowest order wins", []model.ActionRef{{Name: "allow", Order: 2}, {Name: "deny", Order: 1}}, false),
	)

	It("should reject unknown actions", func() {
		_, err := ruleAllows(t, []model.ActionRef{{Name: "mirror"}})
		Expect(errors.Is(err, ErrUnsupportedAction)).To(BeTrue())
		_, err = ruleAllows(t, []model.ActionRef{{Name: "missing"}})
		Expect(errors.Is(err, ErrUnsupportedAction)).To(BeTrue())
	})

	It("should count rule priorities down to the floor", func() {
		Expect(rulePriority(0)).To(Equal(uint16(PriorityRuleBase)))
		Expect(rulePriority(5)).To(Equal(uint16(PriorityRuleBase - 5)))
		Expect(rulePriority(100000)).To(Equal(uint16(PriorityRuleMin)))
	})
})

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

package model_test

import (
	"net/netip"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	. "github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var _ = Describe("ConditionSet", func() {
	It("should canonicalise its members", func() {
		cs := NewConditionSet(
			[]ConditionName{"b", "a", "b"},
			nil,
			[][]ConditionName{{"y", "x"}, {"x", "y"}, {}},
		)
		Expect(cs.All).To(Equal([]ConditionName{"a", "b"}))
		Expect(cs.None).To(BeNil())
		Expect(cs.Any).To(Equal([][]ConditionName{{"x", "y"}}))
		Expect(cs.Key()).To(Equal(NewConditionSet([]ConditionName{"a", "b"}, nil, [][]ConditionName{{"x", "y"}}).Key()))
	})

	It("should render the empty set compactly", func() {
		Expect(EmptyConditionSet.Key()).To(Equal("{}"))
		Expect(NewConditionSet(nil, nil, nil).IsEmpty()).To(BeTrue())
	})

	DescribeTable("matching",
		func(cs ConditionSet, conds []ConditionName, expected bool) {
			Expect(cs.Matches(set.FromArray(conds))).To(Equal(expected))
		},
		Entry("empty matches anything", EmptyConditionSet, []ConditionName{"a"}, true),
		Entry("empty matches nothing", EmptyConditionSet, nil, true),
		Entry("all satisfied", NewConditionSet([]ConditionName{"a", "b"}, nil, nil), []ConditionName{"a", "b", "c"}, true),
		Entry("all missing one", NewConditionSet([]ConditionName{"a", "b"}, nil, nil), []ConditionName{"a"}, false),
		Entry("none violated", NewConditionSet(nil, []ConditionName{"c"}, nil), []ConditionName{"c"}, false),
		Entry("none satisfied", NewConditionSet(nil, []ConditionName{"c"}, nil), []ConditionName{"a"}, true),
		Entry("any satisfied", NewConditionSet(nil, nil, [][]ConditionName{{"a", "b"}}), []ConditionName{"b"}, true),
		Entry("any unsatisfied", NewConditionSet(nil, nil, [][]ConditionName{{"a", "b"}}), []ConditionName{"c"}, false),
	)
})

var _ = Describe("EndpointConstraint", func() {
	It("should scope by prefix", func() {
		ec := EndpointConstraint{
			Identification: &EndpointIdentificationConstraints{L3Prefixes: []string{"10.0.0.0/24"}},
		}
		Expect(ec.Matches(nil, []netip.Addr{netip.MustParseAddr("10.0.0.5")})).To(BeTrue())
		Expect(ec.Matches(nil, []netip.Addr{netip.MustParseAddr("10.0.1.5")})).To(BeFalse())
		Expect(ec.Key()).NotTo(Equal(EmptyEndpointConstraint.Key()))
	})

	It("should canonicalise prefixes", func() {
		out, err := CanonicalPrefixes([]string{"10.0.0.7/24", "10.0.0.0/24", "192.168.0.0/16"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]string{"10.0.0.0/24", "192.168.0.0/16"}))
	})

	It("should reject malformed prefixes", func() {
		_, err := CanonicalPrefixes([]string{"10.0.0.300/24"})
		Expect(err).To(HaveOccurred())
	})
})

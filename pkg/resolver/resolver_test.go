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

package resolver_test

import (
	"errors"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
)

var (
	appKey = EgKey{Tenant: "T1", Group: "app"}
	webKey = EgKey{Tenant: "T1", Group: "web"}
	dbKey  = EgKey{Tenant: "T1", Group: "db"}
)

func consumerOf(id EndpointGroupID, contracts ...ContractID) EndpointGroup {
	return EndpointGroup{
		ID:                     id,
		ConsumerNamedSelectors: []ConsumerNamedSelector{{Name: "cns", Contracts: contracts}},
	}
}

func providerOf(id EndpointGroupID, contracts ...ContractID) EndpointGroup {
	return EndpointGroup{
		ID:                     id,
		ProviderNamedSelectors: []ProviderNamedSelector{{Name: "pns", Contracts: contracts}},
	}
}

func simpleContract(id ContractID, subject SubjectName, order int, rules ...RuleName) Contract {
	s := Subject{Name: subject, Order: order}
	for i, r := range rules {
		s.Rules = append(s.Rules, Rule{Name: r, Order: i})
	}
	return Contract{
		ID:       id,
		Subjects: []Subject{s},
		Clauses:  []Clause{{Name: "cl", Subjects: []SubjectName{subject}}},
	}
}

// exampleTenant is the two-group, one-contract tenant: app consumes C1, web
// provides it, C1 has one subject s1 with one rule and one open clause.
func exampleTenant() *Tenant {
	return &Tenant{
		ID:             "T1",
		EndpointGroups: []EndpointGroup{consumerOf("app", "C1"), providerOf("web", "C1")},
		Contracts:      []Contract{simpleContract("C1", "s1", 0, "r1")},
	}
}

func mustResolve(tenants ...*Tenant) *ResolvedPolicy {
	rp, err := resolver.Resolve(tenants)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return rp
}

var _ = Describe("Resolve", func() {
	It("should resolve the basic app->web example", func() {
		rp := mustResolve(exampleTenant())

		Expect(rp.Policies).To(HaveLen(1))
		p := rp.Policy(appKey, webKey)
		Expect(p).NotTo(BeNil())
		Expect(p.Cells).To(HaveLen(1))
		cell := p.Cell(EmptyEndpointConstraint, EmptyEndpointConstraint)
		Expect(cell).NotTo(BeNil())
		Expect(cell.RuleGroups).To(Equal([]RuleGroup{{
			Rules:    []Rule{{Name: "r1"}},
			Order:    0,
			Tenant:   "T1",
			Contract: "C1",
			Subject:  "s1",
		}}))

		Expect(rp.Policy(webKey, appKey)).To(BeNil())
		Expect(rp.ProvidersByConsumer[appKey]).To(Equal([]EgKey{webKey}))
		Expect(rp.ConsumersByProvider[webKey]).To(Equal([]EgKey{appKey}))
		Expect(rp.ConditionSetsFor(appKey)).To(Equal([]ConditionSet{EmptyConditionSet}))
	})

	It("should be deterministic", func() {
		t := exampleTenant()
		t.Contracts = append(t.Contracts,
			simpleContract("C2", "s2", 0, "b", "a"),
			simpleContract("C3", "s3", 0, "z"),
		)
		t.EndpointGroups = []EndpointGroup{
			consumerOf("app", "C3", "C1", "C2"),
			providerOf("web", "C2", "C3", "C1"),
			providerOf("db", "C1"),
		}
		first := mustResolve(t)
		for i := 0; i < 10; i++ {
			Expect(cmp.Diff(first, mustResolve(t))).To(BeEmpty())
		}
		Expect(first.Policies).To(HaveKey(EgPair{Consumer: appKey, Provider: dbKey}))
	})

	Describe("no-match emptiness", func() {
		It("should contribute nothing for a group without selectors", func() {
			t := exampleTenant()
			t.EndpointGroups = append(t.EndpointGroups, EndpointGroup{ID: "lonely"})
			rp := mustResolve(t)
			for pair := range rp.Policies {
				Expect(pair.Consumer.Group).NotTo(Equal(EndpointGroupID("lonely")))
				Expect(pair.Provider.Group).NotTo(Equal(EndpointGroupID("lonely")))
			}
		})

		It("should skip selectors that reference unknown contracts", func() {
			t := exampleTenant()
			t.EndpointGroups = []EndpointGroup{consumerOf("app", "nope"), providerOf("web", "C1")}
			rp := mustResolve(t)
			Expect(rp.Policies).To(BeEmpty())
			Expect(rp.NumCells()).To(BeZero())
		})

		It("should require both a consumer and a provider", func() {
			t := exampleTenant()
			t.EndpointGroups = []EndpointGroup{consumerOf("app", "C1")}
			Expect(mustResolve(t).Policies).To(BeEmpty())
		})

		It("should skip unknown subject names", func() {
			t := exampleTenant()
			t.Contracts[0].Clauses[0].Subjects = []SubjectName{"missing"}
			Expect(mustResolve(t).Policies).To(BeEmpty())
		})
	})

	Describe("condition merge", func() {
		resolveWith := func(cms ...ConditionMatcher) ConditionSet {
			t := exampleTenant()
			t.Contracts[0].Clauses[0].ConsumerMatchers = &EndpointMatchers{ConditionMatchers: cms}
			rp := mustResolve(t)
			p := rp.Policy(appKey, webKey)
			Expect(p.Cells).To(HaveLen(1))
			return p.Cells[0].Consumer.Conditions
		}

		It("should merge all matchers", func() {
			cs := resolveWith(
				ConditionMatcher{MatchType: MatchAll, Conditions: []ConditionName{"a"}},
				ConditionMatcher{Conditions: []ConditionName{"b"}},
			)
			Expect(cs.All).To(Equal([]ConditionName{"a", "b"}))
			Expect(cs.None).To(BeEmpty())
			Expect(cs.Any).To(BeEmpty())
		})

		It("should keep an any matcher as one group", func() {
			cs := resolveWith(ConditionMatcher{MatchType: MatchAny, Conditions: []ConditionName{"a", "b"}})
			Expect(cs.Any).To(Equal([][]ConditionName{{"a", "b"}}))
		})

		It("should collect none matchers", func() {
			cs := resolveWith(ConditionMatcher{MatchType: MatchNone, Conditions: []ConditionName{"c"}})
			Expect(cs.None).To(Equal([]ConditionName{"c"}))
		})

		It("should index condition sets per group", func() {
			t := exampleTenant()
			t.Contracts[0].Clauses = append(t.Contracts[0].Clauses, Clause{
				Name:     "cl2",
				Subjects: []SubjectName{"s1"},
				ConsumerMatchers: &EndpointMatchers{
					ConditionMatchers: []ConditionMatcher{{Conditions: []ConditionName{"quarantined"}}},
				},
			})
			rp := mustResolve(t)
			Expect(rp.ConditionSetsFor(appKey)).To(ConsistOf(
				EmptyConditionSet,
				NewConditionSet([]ConditionName{"quarantined"}, nil, nil),
			))
			Expect(rp.ConditionSetsFor(webKey)).To(Equal([]ConditionSet{EmptyConditionSet}))
			Expect(rp.Policy(appKey, webKey).Cells).To(HaveLen(2))
		})
	})

	It("should merge rule groups from multiple contracts into one cell", func() {
		t := exampleTenant()
		t.Contracts = append(t.Contracts, simpleContract("C0", "s0", 0, "r0"), simpleContract("C9", "early", -1, "x"))
		t.EndpointGroups = []EndpointGroup{consumerOf("app", "C1", "C0", "C9"), providerOf("web", "C0", "C1", "C9")}

		p := mustResolve(t).Policy(appKey, webKey)
		Expect(p.Cells).To(HaveLen(1))
		var got []string
		for _, rg := range p.Cells[0].RuleGroups {
			got = append(got, rg.String())
		}
		Expect(got).To(Equal([]string{"T1/C9/early(-1)", "T1/C0/s0(0)", "T1/C1/s1(0)"}))
	})

	It("should sort rules by order then name", func() {
		t := exampleTenant()
		t.Contracts[0].Subjects[0].Rules = []Rule{{Name: "c", Order: 1}, {Name: "b", Order: 0}, {Name: "a", Order: 1}}
		rg := mustResolve(t).Policy(appKey, webKey).Cells[0].RuleGroups[0]
		Expect(rg.Rules).To(Equal([]Rule{{Name: "b"}, {Name: "a", Order: 1}, {Name: "c", Order: 1}}))
	})

	It("should dedupe a subject selected twice", func() {
		t := exampleTenant()
		t.EndpointGroups[0].ConsumerNamedSelectors = append(t.EndpointGroups[0].ConsumerNamedSelectors,
			ConsumerNamedSelector{Name: "again", Contracts: []ContractID{"C1"}})
		Expect(mustResolve(t).Policy(appKey, webKey).Cells[0].RuleGroups).To(HaveLen(1))
	})

	Describe("target selectors", func() {
		var t *Tenant
		BeforeEach(func() {
			t = exampleTenant()
			t.Contracts[0].Targets = []Target{{Name: "http", Qualities: []QualityName{"http", "tls"}}}
		})

		DescribeTable("quality matching",
			func(qms []QualityMatcher, expectMatch bool) {
				t.EndpointGroups[0] = EndpointGroup{
					ID:                      "app",
					ConsumerTargetSelectors: []ConsumerTargetSelector{{Name: "ts", QualityMatchers: qms}},
				}
				rp := mustResolve(t)
				if expectMatch {
					Expect(rp.Policy(appKey, webKey)).NotTo(BeNil())
				} else {
					Expect(rp.Policy(appKey, webKey)).To(BeNil())
				}
			},
			Entry("no matchers", nil, true),
			Entry("empty matcher", []QualityMatcher{{Name: "q"}}, true),
			Entry("all present", []QualityMatcher{{Qualities: []QualityName{"http", "tls"}}}, true),
			Entry("all missing one", []QualityMatcher{{Qualities: []QualityName{"http", "ssh"}}}, false),
			Entry("any", []QualityMatcher{{MatchType: MatchAny, Qualities: []QualityName{"ssh", "tls"}}}, true),
			Entry("none violated", []QualityMatcher{{MatchType: MatchNone, Qualities: []QualityName{"tls"}}}, false),
			Entry("none satisfied", []QualityMatcher{{MatchType: MatchNone, Qualities: []QualityName{"ssh"}}}, true),
		)
	})

	Describe("group identification constraints", func() {
		var t *Tenant
		BeforeEach(func() {
			t = exampleTenant()
			t.EndpointGroups[0].ConsumerNamedSelectors[0].Requirements = []RequirementName{"needs-db"}
			t.EndpointGroups[1].ProviderNamedSelectors[0].Capabilities = []CapabilityName{"db"}
		})

		It("should activate a clause whose requirement matches", func() {
			t.Contracts[0].Clauses[0].ConsumerMatchers = &EndpointMatchers{
				GroupIdentificationConstraints: &GroupIdentificationConstraints{
					RequirementMatchers: []RequirementMatcher{{Requirements: []RequirementName{"needs-db"}}},
				},
			}
			Expect(mustResolve(t).Policy(appKey, webKey)).NotTo(BeNil())
		})

		It("should skip a clause whose capability does not match", func() {
			t.Contracts[0].Clauses[0].ProviderMatchers = &EndpointMatchers{
				GroupIdentificationConstraints: &GroupIdentificationConstraints{
					CapabilityMatchers: []CapabilityMatcher{{Capabilities: []CapabilityName{"cache"}}},
				},
			}
			Expect(mustResolve(t).Policy(appKey, webKey)).To(BeNil())
		})

		It("should match on group names", func() {
			t.Contracts[0].Clauses[0].ProviderMatchers = &EndpointMatchers{
				GroupIdentificationConstraints: &GroupIdentificationConstraints{
					GroupNames: []EndpointGroupID{"other"},
				},
			}
			Expect(mustResolve(t).Policy(appKey, webKey)).To(BeNil())
			t.Contracts[0].Clauses[0].ProviderMatchers.GroupIdentificationConstraints.GroupNames = []EndpointGroupID{"web"}
			Expect(mustResolve(t).Policy(appKey, webKey)).NotTo(BeNil())
		})
	})

	It("should key cells by canonical prefixes", func() {
		t := exampleTenant()
		t.Contracts[0].Clauses[0].ProviderMatchers = &EndpointMatchers{
			EndpointIdentificationConstraints: &EndpointIdentificationConstraints{L3Prefixes: []string{"10.1.0.9/16"}},
		}
		cell := mustResolve(t).Policy(appKey, webKey).Cells[0]
		Expect(cell.Provider.Identification.L3Prefixes).To(Equal([]string{"10.1.0.0/16"}))
	})

	Describe("invalid tenants", func() {
		It("should reject a malformed prefix but resolve the other tenants", func() {
			bad := exampleTenant()
			bad.ID = "T0"
			bad.Contracts[0].Clauses[0].ConsumerMatchers = &EndpointMatchers{
				EndpointIdentificationConstraints: &EndpointIdentificationConstraints{L3Prefixes: []string{"10.0.0/8"}},
			}
			rp, err := resolver.Resolve([]*Tenant{bad, exampleTenant()})
			Expect(errors.Is(err, resolver.ErrInvalidTenant)).To(BeTrue())
			var te *resolver.TenantError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Tenant).To(Equal(TenantID("T0")))
			Expect(rp.Policies).To(HaveLen(1))
			Expect(rp.Policy(appKey, webKey)).NotTo(BeNil())
		})

		DescribeTable("validation",
			func(mutate func(t *Tenant)) {
				t := exampleTenant()
				mutate(t)
				Expect(resolver.ValidateTenant(t)).To(MatchError(resolver.ErrInvalidTenant))
			},
			Entry("bad match type", func(t *Tenant) {
				t.Contracts[0].Clauses[0].ConsumerMatchers = &EndpointMatchers{
					ConditionMatchers: []ConditionMatcher{{MatchType: "most", Conditions: []ConditionName{"a"}}},
				}
			}),
			Entry("capability on consumer side", func(t *Tenant) {
				t.Contracts[0].Clauses[0].ConsumerMatchers = &EndpointMatchers{
					GroupIdentificationConstraints: &GroupIdentificationConstraints{
						CapabilityMatchers: []CapabilityMatcher{{Capabilities: []CapabilityName{"x"}}},
					},
				}
			}),
			Entry("two constraint kinds", func(t *Tenant) {
				t.Contracts[0].Clauses[0].ProviderMatchers = &EndpointMatchers{
					GroupIdentificationConstraints: &GroupIdentificationConstraints{
						CapabilityMatchers: []CapabilityMatcher{{}},
						GroupNames:         []EndpointGroupID{"web"},
					},
				}
			}),
			Entry("duplicate group", func(t *Tenant) {
				t.EndpointGroups = append(t.EndpointGroups, EndpointGroup{ID: "web"})
			}),
			Entry("duplicate contract", func(t *Tenant) {
				t.Contracts = append(t.Contracts, t.Contracts[0])
			}),
			Entry("bad quality match type", func(t *Tenant) {
				t.EndpointGroups[0].ConsumerTargetSelectors = []ConsumerTargetSelector{{
					QualityMatchers: []QualityMatcher{{MatchType: "every"}},
				}}
			}),
			Entry("bad subnet", func(t *Tenant) {
				t.Subnets = []Subnet{{ID: "s", IPPrefix: "banana"}}
			}),
			Entry("empty id", func(t *Tenant) {
				t.ID = ""
			}),
		)
	})
})

var _ = Describe("TenantCache", func() {
	var cache *resolver.TenantCache
	BeforeEach(func() {
		cache = resolver.NewTenantCache()
		Expect(cache.Update(exampleTenant())).To(Succeed())
	})

	It("should keep the previous tenant when an update is invalid", func() {
		bad := exampleTenant()
		bad.Subnets = []Subnet{{ID: "s", IPPrefix: "not-a-prefix"}}
		Expect(cache.Update(bad)).To(MatchError(resolver.ErrInvalidTenant))
		Expect(cache.Get("T1").Subnets).To(BeEmpty())
		Expect(cache.Resolve().Policy(appKey, webKey)).NotTo(BeNil())
	})

	It("should keep previous versions of invalid tenants on replace", func() {
		bad := exampleTenant()
		bad.Subnets = []Subnet{{ID: "s", IPPrefix: "not-a-prefix"}}
		other := exampleTenant()
		other.ID = "T2"
		Expect(cache.Replace([]*Tenant{bad, other})).To(HaveOccurred())
		Expect(cache.Tenants()).To(HaveLen(2))
		Expect(cache.Get("T1").Subnets).To(BeEmpty())
	})

	It("should drop deleted tenants", func() {
		cache.Delete("T1")
		Expect(cache.Tenants()).To(BeEmpty())
		Expect(cache.Resolve().Policies).To(BeEmpty())
	})
})

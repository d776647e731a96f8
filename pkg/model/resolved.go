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

package model

import (
	"cmp"
	"fmt"
	"slices"
)

// RuleGroup carries one subject's rules into the resolved policy, tagged with
// the provenance used to order groups contributed by different contracts.
type RuleGroup struct {
	Rules    []Rule      `json:"rules"`
	Order    int         `json:"order"`
	Tenant   TenantID    `json:"tenant"`
	Contract ContractID  `json:"contract"`
	Subject  SubjectName `json:"subject"`
}

func (rg RuleGroup) String() string {
	return fmt.Sprintf("%s/%s/%s(%d)", rg.Tenant, rg.Contract, rg.Subject, rg.Order)
}

// CompareRuleGroups orders by subject order, then tenant, contract and
// subject name.
func CompareRuleGroups(a, b RuleGroup) int {
	if c := cmp.Compare(a.Order, b.Order); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Tenant, b.Tenant); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Contract, b.Contract); c != 0 {
		return c
	}
	return cmp.Compare(a.Subject, b.Subject)
}

// Cell is the rule list that applies between consumer endpoints matching
// Consumer and provider endpoints matching Provider.
type Cell struct {
	Consumer   EndpointConstraint `json:"consumer"`
	Provider   EndpointConstraint `json:"provider"`
	RuleGroups []RuleGroup        `json:"ruleGroups"`
}

type CellKey struct {
	Consumer string
	Provider string
}

func (c *Cell) Key() CellKey {
	return CellKey{Consumer: c.Consumer.Key(), Provider: c.Provider.Key()}
}

// Policy is the aggregate of all cells for one (consumer, provider) pair.
// Cells are sorted by consumer then provider constraint key.
type Policy struct {
	Consumer EgKey  `json:"consumer"`
	Provider EgKey  `json:"provider"`
	Cells    []Cell `json:"cells"`
}

func (p *Policy) Cell(consumer, provider EndpointConstraint) *Cell {
	want := CellKey{Consumer: consumer.Key(), Provider: provider.Key()}
	for i := range p.Cells {
		if p.Cells[i].Key() == want {
			return &p.Cells[i]
		}
	}
	return nil
}

func CompareCells(a, b *Cell) int {
	ak, bk := a.Key(), b.Key()
	if c := cmp.Compare(ak.Consumer, bk.Consumer); c != 0 {
		return c
	}
	return cmp.Compare(ak.Provider, bk.Provider)
}

// ResolvedPolicy is the output of policy resolution.  It must be treated as
// immutable once published.
type ResolvedPolicy struct {
	Policies map[EgPair]*Policy `json:"policies"`

	// ConditionSets lists, per group, every condition set that some clause
	// requires of that group's endpoints.  Sorted by key.
	ConditionSets map[EgKey][]ConditionSet `json:"conditionSets"`

	// Peer indices, sorted.
	ProvidersByConsumer map[EgKey][]EgKey `json:"providersByConsumer"`
	ConsumersByProvider map[EgKey][]EgKey `json:"consumersByProvider"`
}

func NewResolvedPolicy() *ResolvedPolicy {
	return &ResolvedPolicy{
		Policies:            map[EgPair]*Policy{},
		ConditionSets:       map[EgKey][]ConditionSet{},
		ProvidersByConsumer: map[EgKey][]EgKey{},
		ConsumersByProvider: map[EgKey][]EgKey{},
	}
}

func (r *ResolvedPolicy) Policy(consumer, provider EgKey) *Policy {
	if r == nil {
		return nil
	}
	return r.Policies[EgPair{Consumer: consumer, Provider: provider}]
}

// Pairs returns every pair with a policy, in a stable order.
func (r *ResolvedPolicy) Pairs() []EgPair {
	if r == nil {
		return nil
	}
	pairs := make([]EgPair, 0, len(r.Policies))
	for p := range r.Policies {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, CompareEgPairs)
	return pairs
}

func (r *ResolvedPolicy) ConditionSetsFor(eg EgKey) []ConditionSet {
	if r == nil {
		return nil
	}
	return r.ConditionSets[eg]
}

func (r *ResolvedPolicy) NumCells() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, p := range r.Policies {
		n += len(p.Cells)
	}
	return n
}

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

package resolver

import (
	"cmp"
	"slices"
	"strings"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// mergeCells converts the accumulated subjects into sorted rule groups and
// assembles the per-pair policies.  Cells that ended up with no subjects are
// dropped.
func mergeCells(
	cells map[model.EgPair]map[model.CellKey]*cellAccumulator,
	condIdx conditionIndex,
) *model.ResolvedPolicy {
	rp := model.NewResolvedPolicy()
	for pair, pairCells := range cells {
		policy := &model.Policy{Consumer: pair.Consumer, Provider: pair.Provider}
		for _, acc := range pairCells {
			if len(acc.subjects) == 0 {
				continue
			}
			cell := model.Cell{Consumer: acc.consumer, Provider: acc.provider}
			for _, ref := range acc.subjects {
				cell.RuleGroups = append(cell.RuleGroups, toRuleGroup(ref))
			}
			slices.SortFunc(cell.RuleGroups, model.CompareRuleGroups)
			policy.Cells = append(policy.Cells, cell)
		}
		if len(policy.Cells) == 0 {
			continue
		}
		slices.SortFunc(policy.Cells, func(a, b model.Cell) int {
			return model.CompareCells(&a, &b)
		})
		rp.Policies[pair] = policy
		rp.ProvidersByConsumer[pair.Consumer] = append(rp.ProvidersByConsumer[pair.Consumer], pair.Provider)
		rp.ConsumersByProvider[pair.Provider] = append(rp.ConsumersByProvider[pair.Provider], pair.Consumer)
	}
	for k := range rp.ProvidersByConsumer {
		slices.SortFunc(rp.ProvidersByConsumer[k], model.CompareEgKeys)
	}
	for k := range rp.ConsumersByProvider {
		slices.SortFunc(rp.ConsumersByProvider[k], model.CompareEgKeys)
	}
	for eg, byKey := range condIdx {
		sets := make([]model.ConditionSet, 0, len(byKey))
		for _, cs := range byKey {
			sets = append(sets, cs)
		}
		slices.SortFunc(sets, func(a, b model.ConditionSet) int {
			return strings.Compare(a.Key(), b.Key())
		})
		rp.ConditionSets[eg] = sets
	}
	return rp
}

func toRuleGroup(ref subjectRef) model.RuleGroup {
	rules := slices.Clone(ref.Subject.Rules)
	slices.SortStableFunc(rules, func(a, b model.Rule) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return model.RuleGroup{
		Rules:    rules,
		Order:    ref.Subject.Order,
		Tenant:   ref.Tenant,
		Contract: ref.Contract,
		Subject:  ref.Subject.Name,
	}
}

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
	"slices"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// matchNames applies one matcher of the given type to the labels present on
// the other side.  An empty matcher matches trivially.
func matchNames[T comparable](matchType model.MatchType, want []T, have set.Set[T]) bool {
	if len(want) == 0 {
		return true
	}
	switch matchType.Effective() {
	case model.MatchAll:
		for _, w := range want {
			if !have.Contains(w) {
				return false
			}
		}
		return true
	case model.MatchAny:
		return slices.ContainsFunc(want, have.Contains)
	case model.MatchNone:
		return !slices.ContainsFunc(want, have.Contains)
	}
	return false
}

func targetMatches(qms []model.QualityMatcher, target *model.Target) bool {
	qualities := set.FromArray(target.Qualities)
	for _, qm := range qms {
		if !matchNames(qm.MatchType, qm.Qualities, qualities) {
			return false
		}
	}
	return true
}

// consumerClauseMatches checks the consumer-side group identification
// constraints of a clause against a consumer's selection relator.
func consumerClauseMatches(m *model.EndpointMatchers, eg model.EgKey, relator set.Set[model.RequirementName]) bool {
	if m == nil {
		return true
	}
	gic := m.GroupIdentificationConstraints
	switch gic.Kind() {
	case model.GroupConstraintNone:
		return true
	case model.GroupConstraintRequirement:
		for _, rm := range gic.RequirementMatchers {
			if !matchNames(rm.MatchType, rm.Requirements, relator) {
				return false
			}
		}
		return true
	case model.GroupConstraintName:
		return slices.Contains(gic.GroupNames, eg.Group)
	}
	return false
}

func providerClauseMatches(m *model.EndpointMatchers, eg model.EgKey, relator set.Set[model.CapabilityName]) bool {
	if m == nil {
		return true
	}
	gic := m.GroupIdentificationConstraints
	switch gic.Kind() {
	case model.GroupConstraintNone:
		return true
	case model.GroupConstraintCapability:
		for _, cm := range gic.CapabilityMatchers {
			if !matchNames(cm.MatchType, cm.Capabilities, relator) {
				return false
			}
		}
		return true
	case model.GroupConstraintName:
		return slices.Contains(gic.GroupNames, eg.Group)
	}
	return false
}

// buildConditionSet merges every condition matcher by match type.  A matcher
// without an explicit type counts as "all".
func buildConditionSet(cms []model.ConditionMatcher) model.ConditionSet {
	var all, none []model.ConditionName
	var anyOf [][]model.ConditionName
	for _, cm := range cms {
		if len(cm.Conditions) == 0 {
			continue
		}
		switch cm.MatchType.Effective() {
		case model.MatchAll:
			all = append(all, cm.Conditions...)
		case model.MatchNone:
			none = append(none, cm.Conditions...)
		case model.MatchAny:
			anyOf = append(anyOf, cm.Conditions)
		}
	}
	return model.NewConditionSet(all, none, anyOf)
}

func buildEndpointConstraint(m *model.EndpointMatchers) (model.EndpointConstraint, error) {
	if m == nil {
		return model.EmptyEndpointConstraint, nil
	}
	ec := model.EndpointConstraint{Conditions: buildConditionSet(m.ConditionMatchers)}
	if m.EndpointIdentificationConstraints != nil {
		prefixes, err := model.CanonicalPrefixes(m.EndpointIdentificationConstraints.L3Prefixes)
		if err != nil {
			return model.EndpointConstraint{}, err
		}
		if len(prefixes) > 0 {
			ec.Identification = &model.EndpointIdentificationConstraints{L3Prefixes: prefixes}
		}
	}
	return ec, nil
}

func clauseConstraints(cl *model.Clause) (consumer, provider model.EndpointConstraint, err error) {
	consumer, err = buildEndpointConstraint(cl.ConsumerMatchers)
	if err != nil {
		return
	}
	provider, err = buildEndpointConstraint(cl.ProviderMatchers)
	return
}

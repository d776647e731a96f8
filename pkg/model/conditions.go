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
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
)

// ConditionSet is a boolean requirement over the condition labels carried by
// an endpoint: every label in All, no label in None, and at least one label
// from each group in Any.  Values built with NewConditionSet are canonical, so
// two equal requirements compare equal with == on Key().
type ConditionSet struct {
	All  []ConditionName   `json:"all,omitempty"`
	None []ConditionName   `json:"none,omitempty"`
	Any  [][]ConditionName `json:"any,omitempty"`
}

// EmptyConditionSet requires nothing.
var EmptyConditionSet = ConditionSet{}

func NewConditionSet(all, none []ConditionName, any [][]ConditionName) ConditionSet {
	cs := ConditionSet{
		All:  sortedUnique(all),
		None: sortedUnique(none),
	}
	seen := set.New[string]()
	for _, group := range any {
		g := sortedUnique(group)
		if len(g) == 0 {
			continue
		}
		k := joinNames(g)
		if seen.Contains(k) {
			continue
		}
		seen.Add(k)
		cs.Any = append(cs.Any, g)
	}
	slices.SortFunc(cs.Any, func(a, b []ConditionName) int {
		return strings.Compare(joinNames(a), joinNames(b))
	})
	return cs
}

func (c ConditionSet) IsEmpty() bool {
	return len(c.All) == 0 && len(c.None) == 0 && len(c.Any) == 0
}

// Matches reports whether an endpoint carrying conds satisfies the set.
func (c ConditionSet) Matches(conds set.Set[ConditionName]) bool {
	if conds == nil {
		conds = set.Empty[ConditionName]()
	}
	for _, n := range c.All {
		if !conds.Contains(n) {
			return false
		}
	}
	for _, n := range c.None {
		if conds.Contains(n) {
			return false
		}
	}
	for _, group := range c.Any {
		if !slices.ContainsFunc(group, conds.Contains) {
			return false
		}
	}
	return true
}

func (c ConditionSet) Key() string {
	if c.IsEmpty() {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{all=[")
	b.WriteString(joinNames(c.All))
	b.WriteString("] none=[")
	b.WriteString(joinNames(c.None))
	b.WriteString("] any=[")
	for i, g := range c.Any {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('[')
		b.WriteString(joinNames(g))
		b.WriteByte(']')
	}
	b.WriteString("]}")
	return b.String()
}

func (c ConditionSet) String() string {
	return c.Key()
}

// EndpointConstraint distinguishes which endpoints within a group a rule
// subset applies to.
type EndpointConstraint struct {
	Conditions     ConditionSet                       `json:"conditions"`
	Identification *EndpointIdentificationConstraints `json:"identification,omitempty"`
}

// EmptyEndpointConstraint applies to every endpoint of a group.
var EmptyEndpointConstraint = EndpointConstraint{}

func (e EndpointConstraint) IsEmpty() bool {
	return e.Conditions.IsEmpty() && (e.Identification == nil || len(e.Identification.L3Prefixes) == 0)
}

func (e EndpointConstraint) Key() string {
	if e.Identification == nil || len(e.Identification.L3Prefixes) == 0 {
		return e.Conditions.Key()
	}
	return fmt.Sprintf("%s/prefixes=[%s]", e.Conditions.Key(), strings.Join(e.Identification.L3Prefixes, ","))
}

func (e EndpointConstraint) String() string {
	return e.Key()
}

// Matches reports whether an endpoint with the given conditions and IPs is
// covered by the constraint.  When prefixes are present, at least one of the
// endpoint's IPs must fall in one of them.
func (e EndpointConstraint) Matches(conds set.Set[ConditionName], ips []netip.Addr) bool {
	if !e.Conditions.Matches(conds) {
		return false
	}
	if e.Identification == nil || len(e.Identification.L3Prefixes) == 0 {
		return true
	}
	for _, p := range e.Identification.L3Prefixes {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if prefix.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// CanonicalPrefixes parses, masks, sorts and dedupes the given prefixes.
func CanonicalPrefixes(in []string) ([]string, error) {
	s := set.New[string]()
	for _, raw := range in {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed IP prefix %q: %w", raw, err)
		}
		s.Add(p.Masked().String())
	}
	if s.Len() == 0 {
		return nil, nil
	}
	return set.Sorted(s), nil
}

func sortedUnique(in []ConditionName) []ConditionName {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func joinNames(names []ConditionName) string {
	strs := make([]string, len(names))
	for i, n := range names {
		strs[i] = string(n)
	}
	return strings.Join(strs, ",")
}

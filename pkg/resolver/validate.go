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
	"errors"
	"fmt"
	"net/netip"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var ErrInvalidTenant = errors.New("invalid tenant")

// TenantError reports why a tenant snapshot was rejected.
type TenantError struct {
	Tenant model.TenantID
	Reason string
	Err    error
}

func (e *TenantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tenant %q rejected: %s: %v", e.Tenant, e.Reason, e.Err)
	}
	return fmt.Sprintf("tenant %q rejected: %s", e.Tenant, e.Reason)
}

func (e *TenantError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidTenant, e.Err}
	}
	return []error{ErrInvalidTenant}
}

// ValidateTenant checks a tenant for logic errors that must not silently
// resolve to an empty policy: malformed prefixes, unsupported match types,
// misplaced group constraints and duplicate identifiers.  Dangling references
// (unknown contracts or subjects) are not errors.
func ValidateTenant(t *model.Tenant) error {
	if t == nil {
		return &TenantError{Reason: "nil tenant"}
	}
	fail := func(reason string, err error) error {
		return &TenantError{Tenant: t.ID, Reason: reason, Err: err}
	}
	if t.ID == "" {
		return fail("empty tenant id", nil)
	}

	egIDs := set.New[model.EndpointGroupID]()
	for _, eg := range t.EndpointGroups {
		if eg.ID == "" || egIDs.Contains(eg.ID) {
			return fail(fmt.Sprintf("missing or duplicate endpoint group id %q", eg.ID), nil)
		}
		egIDs.Add(eg.ID)
		switch eg.IntraGroupPolicy {
		case "", model.IntraGroupAllow, model.IntraGroupRequireContract:
		default:
			return fail(fmt.Sprintf("endpoint group %q: unsupported intra-group policy %q", eg.ID, eg.IntraGroupPolicy), nil)
		}
		for _, sel := range eg.ConsumerTargetSelectors {
			if err := validateQualityMatchers(sel.QualityMatchers); err != nil {
				return fail(fmt.Sprintf("endpoint group %q selector %q", eg.ID, sel.Name), err)
			}
		}
		for _, sel := range eg.ProviderTargetSelectors {
			if err := validateQualityMatchers(sel.QualityMatchers); err != nil {
				return fail(fmt.Sprintf("endpoint group %q selector %q", eg.ID, sel.Name), err)
			}
		}
	}

	contractIDs := set.New[model.ContractID]()
	for i := range t.Contracts {
		c := &t.Contracts[i]
		if c.ID == "" || contractIDs.Contains(c.ID) {
			return fail(fmt.Sprintf("missing or duplicate contract id %q", c.ID), nil)
		}
		contractIDs.Add(c.ID)
		if err := validateContract(c); err != nil {
			return fail(fmt.Sprintf("contract %q", c.ID), err)
		}
	}

	for _, s := range t.Subnets {
		if _, err := netip.ParsePrefix(s.IPPrefix); err != nil {
			return fail(fmt.Sprintf("subnet %q", s.ID), err)
		}
		if s.VirtualRouterIP != "" {
			if _, err := netip.ParseAddr(s.VirtualRouterIP); err != nil {
				return fail(fmt.Sprintf("subnet %q virtual router", s.ID), err)
			}
		}
	}
	return nil
}

func validateContract(c *model.Contract) error {
	subjects := set.New[model.SubjectName]()
	for _, s := range c.Subjects {
		if s.Name == "" || subjects.Contains(s.Name) {
			return fmt.Errorf("missing or duplicate subject name %q", s.Name)
		}
		subjects.Add(s.Name)
		for _, r := range s.Rules {
			for _, cr := range r.Classifiers {
				switch cr.Direction {
				case "", model.DirectionIn, model.DirectionOut, model.DirectionBidirectional:
				default:
					return fmt.Errorf("rule %q: unsupported direction %q", r.Name, cr.Direction)
				}
				switch cr.ConnectionTracking {
				case "", model.ConnTrackNormal, model.ConnTrackReflexive:
				default:
					return fmt.Errorf("rule %q: unsupported connection tracking %q", r.Name, cr.ConnectionTracking)
				}
			}
		}
	}
	for _, tgt := range c.Targets {
		if tgt.Name == "" {
			return errors.New("target with empty name")
		}
	}
	for i := range c.Clauses {
		cl := &c.Clauses[i]
		if _, _, err := clauseConstraints(cl); err != nil {
			return fmt.Errorf("clause %q: %w", cl.Name, err)
		}
		for _, m := range []*model.EndpointMatchers{cl.ConsumerMatchers, cl.ProviderMatchers} {
			if m == nil {
				continue
			}
			for _, cm := range m.ConditionMatchers {
				if !cm.MatchType.Valid() {
					return fmt.Errorf("clause %q condition matcher %q: unsupported match type %q", cl.Name, cm.Name, cm.MatchType)
				}
			}
		}
		if err := validateGroupConstraints(cl.ConsumerMatchers, true); err != nil {
			return fmt.Errorf("clause %q consumer matchers: %w", cl.Name, err)
		}
		if err := validateGroupConstraints(cl.ProviderMatchers, false); err != nil {
			return fmt.Errorf("clause %q provider matchers: %w", cl.Name, err)
		}
	}
	return nil
}

func validateGroupConstraints(m *model.EndpointMatchers, consumerSide bool) error {
	if m == nil {
		return nil
	}
	gic := m.GroupIdentificationConstraints
	switch gic.Kind() {
	case model.GroupConstraintNone, model.GroupConstraintName:
		return nil
	case model.GroupConstraintRequirement:
		if !consumerSide {
			return errors.New("requirement constraints are only valid for consumers")
		}
		for _, rm := range gic.RequirementMatchers {
			if !rm.MatchType.Valid() {
				return fmt.Errorf("requirement matcher %q: unsupported match type %q", rm.Name, rm.MatchType)
			}
		}
		return nil
	case model.GroupConstraintCapability:
		if consumerSide {
			return errors.New("capability constraints are only valid for providers")
		}
		for _, cm := range gic.CapabilityMatchers {
			if !cm.MatchType.Valid() {
				return fmt.Errorf("capability matcher %q: unsupported match type %q", cm.Name, cm.MatchType)
			}
		}
		return nil
	case model.GroupConstraintInvalid:
		return errors.New("more than one group identification constraint set")
	}
	return fmt.Errorf("unknown group constraint kind %v", gic.Kind())
}

func validateQualityMatchers(qms []model.QualityMatcher) error {
	for _, qm := range qms {
		if !qm.MatchType.Valid() {
			return fmt.Errorf("quality matcher %q: unsupported match type %q", qm.Name, qm.MatchType)
		}
	}
	return nil
}

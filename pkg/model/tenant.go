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

// Tenant is a policy namespace.  A Tenant value is treated as an immutable
// snapshot: updates replace it wholesale.
type Tenant struct {
	ID   TenantID `json:"id"`
	Name string   `json:"name,omitempty"`

	EndpointGroups []EndpointGroup `json:"endpointGroups,omitempty"`
	Contracts      []Contract      `json:"contracts,omitempty"`

	L3Contexts    []L3Context    `json:"l3Contexts,omitempty"`
	BridgeDomains []BridgeDomain `json:"bridgeDomains,omitempty"`
	FloodDomains  []FloodDomain  `json:"floodDomains,omitempty"`
	Subnets       []Subnet       `json:"subnets,omitempty"`

	ClassifierInstances []ClassifierInstance `json:"classifierInstances,omitempty"`
	ActionInstances     []ActionInstance     `json:"actionInstances,omitempty"`
}

func (t *Tenant) EndpointGroup(id EndpointGroupID) *EndpointGroup {
	for i := range t.EndpointGroups {
		if t.EndpointGroups[i].ID == id {
			return &t.EndpointGroups[i]
		}
	}
	return nil
}

func (t *Tenant) Contract(id ContractID) *Contract {
	for i := range t.Contracts {
		if t.Contracts[i].ID == id {
			return &t.Contracts[i]
		}
	}
	return nil
}

func (t *Tenant) ClassifierInstance(name ClassifierName) *ClassifierInstance {
	for i := range t.ClassifierInstances {
		if t.ClassifierInstances[i].Name == name {
			return &t.ClassifierInstances[i]
		}
	}
	return nil
}

func (t *Tenant) ActionInstance(name ActionName) *ActionInstance {
	for i := range t.ActionInstances {
		if t.ActionInstances[i].Name == name {
			return &t.ActionInstances[i]
		}
	}
	return nil
}

type EndpointGroup struct {
	ID               EndpointGroupID  `json:"id"`
	Name             string           `json:"name,omitempty"`
	NetworkDomain    NetworkDomainID  `json:"networkDomain,omitempty"`
	IntraGroupPolicy IntraGroupPolicy `json:"intraGroupPolicy,omitempty"`

	ConsumerNamedSelectors  []ConsumerNamedSelector  `json:"consumerNamedSelectors,omitempty"`
	ConsumerTargetSelectors []ConsumerTargetSelector `json:"consumerTargetSelectors,omitempty"`
	ProviderNamedSelectors  []ProviderNamedSelector  `json:"providerNamedSelectors,omitempty"`
	ProviderTargetSelectors []ProviderTargetSelector `json:"providerTargetSelectors,omitempty"`
}

// Named selectors reference contracts by id.  Target selectors match
// contract targets through quality matchers.  The requirement/capability
// lists form the selector's selection relator.

type ConsumerNamedSelector struct {
	Name         SelectorName      `json:"name"`
	Contracts    []ContractID      `json:"contracts,omitempty"`
	Requirements []RequirementName `json:"requirements,omitempty"`
}

type ConsumerTargetSelector struct {
	Name            SelectorName      `json:"name"`
	QualityMatchers []QualityMatcher  `json:"qualityMatchers,omitempty"`
	Requirements    []RequirementName `json:"requirements,omitempty"`
}

type ProviderNamedSelector struct {
	Name         SelectorName     `json:"name"`
	Contracts    []ContractID     `json:"contracts,omitempty"`
	Capabilities []CapabilityName `json:"capabilities,omitempty"`
}

type ProviderTargetSelector struct {
	Name            SelectorName     `json:"name"`
	QualityMatchers []QualityMatcher `json:"qualityMatchers,omitempty"`
	Capabilities    []CapabilityName `json:"capabilities,omitempty"`
}

type MatchType string

const (
	MatchAll  MatchType = "all"
	MatchAny  MatchType = "any"
	MatchNone MatchType = "none"
)

// Effective returns the match type with the default applied.
func (m MatchType) Effective() MatchType {
	if m == "" {
		return MatchAll
	}
	return m
}

func (m MatchType) Valid() bool {
	switch m {
	case "", MatchAll, MatchAny, MatchNone:
		return true
	}
	return false
}

type QualityMatcher struct {
	Name      string        `json:"name,omitempty"`
	MatchType MatchType     `json:"matchType,omitempty"`
	Qualities []QualityName `json:"qualities,omitempty"`
}

type RequirementMatcher struct {
	Name         string            `json:"name,omitempty"`
	MatchType    MatchType         `json:"matchType,omitempty"`
	Requirements []RequirementName `json:"requirements,omitempty"`
}

type CapabilityMatcher struct {
	Name         string           `json:"name,omitempty"`
	MatchType    MatchType        `json:"matchType,omitempty"`
	Capabilities []CapabilityName `json:"capabilities,omitempty"`
}

type ConditionMatcher struct {
	Name       string          `json:"name,omitempty"`
	MatchType  MatchType       `json:"matchType,omitempty"`
	Conditions []ConditionName `json:"conditions,omitempty"`
}

type Contract struct {
	ID       ContractID `json:"id"`
	Targets  []Target   `json:"targets,omitempty"`
	Subjects []Subject  `json:"subjects,omitempty"`
	Clauses  []Clause   `json:"clauses,omitempty"`
}

func (c *Contract) Subject(name SubjectName) *Subject {
	for i := range c.Subjects {
		if c.Subjects[i].Name == name {
			return &c.Subjects[i]
		}
	}
	return nil
}

type Target struct {
	Name      TargetName    `json:"name"`
	Qualities []QualityName `json:"qualities,omitempty"`
}

type Subject struct {
	Name  SubjectName `json:"name"`
	Order int         `json:"order,omitempty"`
	Rules []Rule      `json:"rules,omitempty"`
}

type Rule struct {
	Name        RuleName        `json:"name"`
	Order       int             `json:"order,omitempty"`
	Classifiers []ClassifierRef `json:"classifiers,omitempty"`
	Actions     []ActionRef     `json:"actions,omitempty"`
}

// Direction is relative to the consumer: "out" is consumer to provider.
type Direction string

const (
	DirectionIn            Direction = "in"
	DirectionOut           Direction = "out"
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) Effective() Direction {
	if d == "" {
		return DirectionBidirectional
	}
	return d
}

type ClassifierRef struct {
	Name               string             `json:"name"`
	Instance           ClassifierName     `json:"instance"`
	Direction          Direction          `json:"direction,omitempty"`
	ConnectionTracking ConnectionTracking `json:"connectionTracking,omitempty"`
}

type ActionRef struct {
	Name  ActionName `json:"name"`
	Order int        `json:"order,omitempty"`
}

type Clause struct {
	Name             ClauseName        `json:"name"`
	Subjects         []SubjectName     `json:"subjects,omitempty"`
	ConsumerMatchers *EndpointMatchers `json:"consumerMatchers,omitempty"`
	ProviderMatchers *EndpointMatchers `json:"providerMatchers,omitempty"`
}

// EndpointMatchers is one side of a clause.
type EndpointMatchers struct {
	ConditionMatchers                 []ConditionMatcher                 `json:"conditionMatchers,omitempty"`
	GroupIdentificationConstraints    *GroupIdentificationConstraints    `json:"groupIdentificationConstraints,omitempty"`
	EndpointIdentificationConstraints *EndpointIdentificationConstraints `json:"endpointIdentificationConstraints,omitempty"`
}

// GroupConstraintKind tags which variant of GroupIdentificationConstraints is
// populated.
type GroupConstraintKind int

const (
	GroupConstraintNone GroupConstraintKind = iota
	GroupConstraintRequirement
	GroupConstraintCapability
	GroupConstraintName
	GroupConstraintInvalid
)

// GroupIdentificationConstraints is a tagged variant; at most one member may
// be set.  Requirement constraints are only valid on the consumer side and
// capability constraints only on the provider side.
type GroupIdentificationConstraints struct {
	RequirementMatchers []RequirementMatcher `json:"requirementMatchers,omitempty"`
	CapabilityMatchers  []CapabilityMatcher  `json:"capabilityMatchers,omitempty"`
	GroupNames          []EndpointGroupID    `json:"groupNames,omitempty"`
}

func (g *GroupIdentificationConstraints) Kind() GroupConstraintKind {
	if g == nil {
		return GroupConstraintNone
	}
	kind := GroupConstraintNone
	set := 0
	if g.RequirementMatchers != nil {
		kind = GroupConstraintRequirement
		set++
	}
	if g.CapabilityMatchers != nil {
		kind = GroupConstraintCapability
		set++
	}
	if g.GroupNames != nil {
		kind = GroupConstraintName
		set++
	}
	if set > 1 {
		return GroupConstraintInvalid
	}
	return kind
}

type EndpointIdentificationConstraints struct {
	L3Prefixes []string `json:"l3Prefixes,omitempty"`
}

type L3Context struct {
	ID L3ContextID `json:"id"`
}

type BridgeDomain struct {
	ID     BridgeDomainID `json:"id"`
	Parent L3ContextID    `json:"parent"`
}

type FloodDomain struct {
	ID     FloodDomainID  `json:"id"`
	Parent BridgeDomainID `json:"parent"`
}

// Subnet's Parent names either a flood domain or a bridge domain.
type Subnet struct {
	ID              SubnetID        `json:"id"`
	Parent          NetworkDomainID `json:"parent"`
	IPPrefix        string          `json:"ipPrefix"`
	VirtualRouterIP string          `json:"virtualRouterIp,omitempty"`
}

type ClassifierInstance struct {
	Name       ClassifierName   `json:"name"`
	Definition ClassifierDefID  `json:"definition"`
	Parameters []ParameterValue `json:"parameters,omitempty"`
}

type ActionInstance struct {
	Name       ActionName       `json:"name"`
	Definition ActionDefID      `json:"definition"`
	Parameters []ParameterValue `json:"parameters,omitempty"`
}

type ParameterValue struct {
	Name   string      `json:"name"`
	Int    *int64      `json:"int,omitempty"`
	String *string     `json:"string,omitempty"`
	Range  *RangeValue `json:"range,omitempty"`
}

type RangeValue struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func Parameter(params []ParameterValue, name string) *ParameterValue {
	for i := range params {
		if params[i].Name == name {
			return &params[i]
		}
	}
	return nil
}

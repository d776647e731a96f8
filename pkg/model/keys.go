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
)

type (
	TenantID           string
	EndpointGroupID    string
	ContractID         string
	SubjectName        string
	ClauseName         string
	RuleName           string
	TargetName         string
	SelectorName       string
	QualityName        string
	RequirementName    string
	CapabilityName     string
	ConditionName      string
	ClassifierName     string
	ActionName         string
	L3ContextID        string
	BridgeDomainID     string
	FloodDomainID      string
	SubnetID           string
	NetworkDomainID    string
	ClassifierDefID    string
	ActionDefID        string
	NodeID             string
	IntraGroupPolicy   string
	ConnectionTracking string
)

const (
	IntraGroupAllow           IntraGroupPolicy = "allow"
	IntraGroupRequireContract IntraGroupPolicy = "require-contract"

	ConnTrackNormal    ConnectionTracking = "normal"
	ConnTrackReflexive ConnectionTracking = "reflexive"
)

// EgKey identifies an endpoint group; it is the unit of policy addressing.
type EgKey struct {
	Tenant TenantID        `json:"tenant"`
	Group  EndpointGroupID `json:"group"`
}

func (k EgKey) String() string {
	return fmt.Sprintf("%s/%s", k.Tenant, k.Group)
}

func CompareEgKeys(a, b EgKey) int {
	if c := cmp.Compare(a.Tenant, b.Tenant); c != 0 {
		return c
	}
	return cmp.Compare(a.Group, b.Group)
}

// EgPair is a directed (consumer, provider) pair of endpoint groups.
type EgPair struct {
	Consumer EgKey `json:"consumer"`
	Provider EgKey `json:"provider"`
}

func (p EgPair) String() string {
	return fmt.Sprintf("%v->%v", p.Consumer, p.Provider)
}

func CompareEgPairs(a, b EgPair) int {
	if c := CompareEgKeys(a.Consumer, b.Consumer); c != 0 {
		return c
	}
	return CompareEgKeys(a.Provider, b.Provider)
}

// ContractKey addresses a contract across tenants.
type ContractKey struct {
	Tenant   TenantID
	Contract ContractID
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%s/%s", k.Tenant, k.Contract)
}

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
	"net/netip"
	"slices"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
)

// EndpointKey identifies an endpoint by its MAC within a bridge domain.
type EndpointKey struct {
	L2Context BridgeDomainID `json:"l2Context"`
	MAC       string         `json:"mac"`
}

func (k EndpointKey) String() string {
	return fmt.Sprintf("%s/%s", k.L2Context, k.MAC)
}

func CompareEndpointKeys(a, b EndpointKey) int {
	if c := cmp.Compare(a.L2Context, b.L2Context); c != 0 {
		return c
	}
	return cmp.Compare(a.MAC, b.MAC)
}

// Location is the switch port an endpoint is attached to.
type Location struct {
	Node NodeID `json:"node"`
	Port uint32 `json:"port"`
}

type L3Address struct {
	L3Context L3ContextID `json:"l3Context"`
	IP        string      `json:"ip"`
}

type Endpoint struct {
	Key            EndpointKey       `json:"key"`
	Tenant         TenantID          `json:"tenant"`
	EndpointGroups []EndpointGroupID `json:"endpointGroups"`
	L3Addresses    []L3Address       `json:"l3Addresses,omitempty"`
	NATAddress     string            `json:"natAddress,omitempty"`
	Conditions     []ConditionName   `json:"conditions,omitempty"`
	// NetworkContainment overrides the network domain of the endpoint's
	// groups when set.
	NetworkContainment NetworkDomainID `json:"networkContainment,omitempty"`
	Location           *Location       `json:"location,omitempty"`
}

func (e *Endpoint) EgKeys() []EgKey {
	keys := make([]EgKey, 0, len(e.EndpointGroups))
	for _, g := range e.EndpointGroups {
		keys = append(keys, EgKey{Tenant: e.Tenant, Group: g})
	}
	slices.SortFunc(keys, CompareEgKeys)
	return slices.Compact(keys)
}

func (e *Endpoint) ConditionSet() set.Set[ConditionName] {
	return set.FromArray(e.Conditions)
}

// IPs returns the parseable IPs of the endpoint.
func (e *Endpoint) IPs() []netip.Addr {
	var ips []netip.Addr
	for _, a := range e.L3Addresses {
		if ip, err := netip.ParseAddr(a.IP); err == nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

func (e *Endpoint) Node() (NodeID, bool) {
	if e.Location == nil || e.Location.Node == "" {
		return "", false
	}
	return e.Location.Node, true
}

// Copy returns a deep copy, so snapshots never alias inventory state.
func (e *Endpoint) Copy() *Endpoint {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.EndpointGroups = slices.Clone(e.EndpointGroups)
	cpy.L3Addresses = slices.Clone(e.L3Addresses)
	cpy.Conditions = slices.Clone(e.Conditions)
	if e.Location != nil {
		loc := *e.Location
		cpy.Location = &loc
	}
	return &cpy
}

// Switch describes a programmable forwarding device.
type Switch struct {
	ID            NodeID   `json:"id"`
	TunnelIP      string   `json:"tunnelIp,omitempty"`
	TunnelPort    uint32   `json:"tunnelPort,omitempty"`
	ExternalPorts []uint32 `json:"externalPorts,omitempty"`
}

func (s *Switch) Copy() *Switch {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.ExternalPorts = slices.Clone(s.ExternalPorts)
	return &cpy
}

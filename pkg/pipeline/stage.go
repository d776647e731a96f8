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

// Package pipeline compiles the resolved policy and the endpoint and switch
// inventories into per-switch flow tables.  Each stage owns one table; stages
// run in a fixed order and each contributes flows for a switch as a whole and
// for each endpoint located on a ready switch.
package pipeline

import (
	"net/netip"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// Registers carried between tables.
const (
	RegSrcEPG = iota
	RegSrcConditionGroup
	RegDstEPG
	RegDstConditionGroup
	RegBridgeDomain
	RegFloodDomain
	RegL3Context
	RegOutPort
)

const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86dd

	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
	ProtoSCTP uint8 = 132

	BroadcastMAC = "ff:ff:ff:ff:ff:ff"
)

// Priorities shared by the stages.
const (
	PriorityTableMiss = 1

	PriorityIntraGroup = 30100
	PriorityRuleBase   = 30000
	PriorityRuleMin    = 2
)

// Stage compiles the flows of one table.  Implementations read only from the
// RenderContext and must be safe to call concurrently for different
// endpoints.
type Stage interface {
	Name() string
	// SyncSwitch contributes the flows that do not depend on any endpoint,
	// such as table-miss behaviour.
	SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error
	// SyncEndpoint contributes the flows for one endpoint located on a ready
	// switch.  Flows may target any ready switch.
	SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error
}

// Pipeline is the ordered list of stages.  Stage i owns base table i.
type Pipeline struct {
	stages []Stage
}

// New returns the built-in stages followed by the injected ones, which are
// given base tables from NumBuiltInTables upwards.
func New(injected ...Stage) *Pipeline {
	stages := []Stage{
		&portSecurity{},
		&ingressNAT{},
		&sourceMapper{},
		&destinationMapper{},
		&policyEnforcer{},
		&egressNAT{},
		&externalMapper{},
	}
	return &Pipeline{stages: append(stages, injected...)}
}

func (p *Pipeline) Stages() []Stage {
	return p.stages
}

func (p *Pipeline) NumTables() int {
	return len(p.stages)
}

func (p *Pipeline) MaxTableOffset() int {
	return MaxTableOffset(len(p.stages))
}

func (p *Pipeline) TableMap(offset int) (TableMap, error) {
	return NewTableMap(offset, len(p.stages))
}

// Helpers shared by the stages.

func gotoTable(ctx *RenderContext, base uint8) flows.Action {
	return flows.GotoTable(ctx.Tables.ID(base))
}

func etherTypeOf(ip netip.Addr) uint16 {
	if ip.Is4() {
		return EtherTypeIPv4
	}
	return EtherTypeIPv6
}

func hostPrefix(ip netip.Addr) netip.Prefix {
	return netip.PrefixFrom(ip, ip.BitLen())
}

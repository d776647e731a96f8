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

package pipeline

import (
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// sourceActions loads the source classification of ep into the registers.
func sourceActions(ep *EndpointInfo) []flows.Action {
	fc := ep.Forwarding
	return []flows.Action{
		flows.SetReg(RegSrcEPG, ep.EPG),
		flows.SetReg(RegSrcConditionGroup, ep.ConditionGroup),
		flows.SetReg(RegBridgeDomain, fc.BDOrd),
		flows.SetReg(RegFloodDomain, fc.FDOrd),
		flows.SetReg(RegL3Context, fc.L3Ord),
	}
}

// destinationActions loads the destination classification of ep, with the
// output port as seen from switch sw.  Returns nil if ep cannot be reached
// from sw.
func destinationActions(ctx *RenderContext, sw model.NodeID, ep *EndpointInfo) []flows.Action {
	actions := []flows.Action{
		flows.SetReg(RegDstEPG, ep.EPG),
		flows.SetReg(RegDstConditionGroup, ep.ConditionGroup),
	}
	if sw == ep.Node() {
		return append(actions, flows.SetReg(RegOutPort, ep.Port()))
	}
	local, remote := ctx.Switches.Switch(sw), ctx.Switches.Switch(ep.Node())
	if local == nil || remote == nil || local.TunnelPort == 0 {
		return nil
	}
	tunDst, err := netip.ParseAddr(remote.TunnelIP)
	if err != nil {
		log.WithFields(log.Fields{
			"switch":   remote.ID,
			"tunnelIP": remote.TunnelIP,
		}).Debug("Switch has no usable tunnel IP, endpoints behind it are unreachable")
		return nil
	}
	return append(actions,
		flows.SetTunnelDst(tunDst),
		flows.SetReg(RegOutPort, local.TunnelPort),
	)
}

// sourceMapper classifies traffic by its source endpoint.  Local traffic is
// identified by port and MAC, tunnelled traffic by tunnel port and MAC.
type sourceMapper struct{}

func (s *sourceMapper) Name() string {
	return "source-mapper"
}

func (s *sourceMapper) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{flows.Drop()},
	})
	return nil
}

func (s *sourceMapper) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	if ep.EPG == 0 {
		return nil
	}
	actions := append(sourceActions(ep), gotoTable(ctx, TableDestinationMapper))
	mac := ep.Endpoint.Key.MAC
	out.AddFlow(ep.Node(), &flows.Flow{
		TableID:  table,
		Priority: 150,
		Match:    flows.Match().InPort(ep.Port()).EthSrc(mac),
		Actions:  actions,
	})
	for _, sw := range ctx.RemoteSwitches(ep.Node()) {
		out.AddFlow(sw.ID, &flows.Flow{
			TableID:  table,
			Priority: 150,
			Match:    flows.Match().InPort(sw.TunnelPort).EthSrc(mac),
			Actions:  actions,
		})
	}
	return nil
}

// destinationMapper classifies traffic by its destination endpoint, both by
// MAC within the bridge domain and by IP within the L3 context, and floods
// broadcasts within the flood domain.
type destinationMapper struct{}

func (s *destinationMapper) Name() string {
	return "destination-mapper"
}

func (s *destinationMapper) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{flows.Drop()},
	})
	return nil
}

func (s *destinationMapper) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	if ep.EPG == 0 {
		return nil
	}
	fc := ep.Forwarding
	next := gotoTable(ctx, TablePolicyEnforcer)
	mac := ep.Endpoint.Key.MAC

	targets := []model.NodeID{ep.Node()}
	for _, sw := range ctx.RemoteSwitches(ep.Node()) {
		targets = append(targets, sw.ID)
	}
	for _, sw := range targets {
		dst := destinationActions(ctx, sw, ep)
		if dst == nil {
			continue
		}
		if fc.BDOrd != 0 {
			out.AddFlow(sw, &flows.Flow{
				TableID:  table,
				Priority: 50,
				Match:    flows.Match().Reg(RegBridgeDomain, fc.BDOrd).EthDst(mac),
				Actions:  append(append([]flows.Action{}, dst...), next),
			})
		}
		if fc.L3Ord != 0 {
			for _, ip := range ep.IPs {
				actions := []flows.Action{flows.SetEthDst(mac), flows.DecTTL()}
				actions = append(actions, dst...)
				out.AddFlow(sw, &flows.Flow{
					TableID:  table,
					Priority: 132,
					Match: flows.Match().
						Reg(RegL3Context, fc.L3Ord).
						EthType(etherTypeOf(ip)).
						IPDst(hostPrefix(ip)),
					Actions: append(actions, next),
				})
			}
		}
	}

	if fc.FDOrd != 0 {
		s.flood(ctx, table, ep, out)
	}
	return nil
}

// flood adds ep's port to its local flood group and a tunnel bucket towards
// ep's switch to the flood group on every other switch in the flood domain.
func (s *destinationMapper) flood(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) {
	fd := ep.Forwarding.FDOrd
	node := ep.Node()
	out.AddFlow(node, &flows.Flow{
		TableID:  table,
		Priority: 140,
		Match:    flows.Match().Reg(RegFloodDomain, fd).EthDst(BroadcastMAC),
		Actions:  []flows.Action{flows.ToGroup(fd)},
	})
	out.AddGroup(node, &flows.Group{
		ID:   fd,
		Type: flows.GroupTypeAll,
		Buckets: []flows.Bucket{{
			ID:      ep.Port(),
			Actions: []flows.Action{flows.Output(ep.Port())},
		}},
	})

	local := ctx.Switches.Switch(node)
	if local == nil {
		return
	}
	tunDst, err := netip.ParseAddr(local.TunnelIP)
	if err != nil {
		return
	}
	for _, peer := range ctx.FloodDomainNodes(fd) {
		if peer == node || !ctx.Switches.IsReady(peer) {
			continue
		}
		sw := ctx.Switches.Switch(peer)
		if sw == nil || sw.TunnelPort == 0 {
			continue
		}
		out.AddGroup(peer, &flows.Group{
			ID:   fd,
			Type: flows.GroupTypeAll,
			Buckets: []flows.Bucket{{
				ID:      ctx.NodeOrdinal(node),
				Actions: []flows.Action{flows.SetTunnelDst(tunDst), flows.Output(sw.TunnelPort)},
			}},
		})
	}
}

// externalMapper is the last table: it outputs to the port chosen by the
// destination mapper, or to the switch's external port when none was chosen.
type externalMapper struct{}

func (s *externalMapper) Name() string {
	return "external-mapper"
}

func (s *externalMapper) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{flows.OutputReg(RegOutPort)},
	})
	if len(sw.ExternalPorts) > 0 {
		out.AddFlow(sw.ID, &flows.Flow{
			TableID:  table,
			Priority: 100,
			Match:    flows.Match().Reg(RegOutPort, 0),
			Actions:  []flows.Action{flows.Output(sw.ExternalPorts[0])},
		})
	}
	return nil
}

func (s *externalMapper) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	return nil
}

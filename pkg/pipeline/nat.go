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
	"fmt"
	"net/netip"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// natAddresses returns the endpoint's NAT address and the endpoint address of
// the same family that it maps to.  ok is false when the endpoint has no NAT
// address.
func natAddresses(ep *EndpointInfo) (nat, inside netip.Addr, ok bool, err error) {
	if ep.Endpoint.NATAddress == "" {
		return
	}
	nat, err = netip.ParseAddr(ep.Endpoint.NATAddress)
	if err != nil {
		err = fmt.Errorf("endpoint %v has malformed NAT address: %w", ep.Endpoint.Key, err)
		return
	}
	for _, ip := range ep.IPs {
		if ip.Is4() == nat.Is4() {
			return nat, ip, true, nil
		}
	}
	err = fmt.Errorf("endpoint %v has no address of the NAT address family", ep.Endpoint.Key)
	return
}

// ingressNAT translates traffic arriving from external ports for an
// endpoint's NAT address.  Translated traffic is classified as coming from the
// endpoint's own group.
type ingressNAT struct{}

func (s *ingressNAT) Name() string {
	return "ingress-nat"
}

func (s *ingressNAT) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{gotoTable(ctx, TableSourceMapper)},
	})
	return nil
}

func (s *ingressNAT) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	nat, inside, ok, err := natAddresses(ep)
	if err != nil || !ok || ep.EPG == 0 {
		return err
	}
	actions := []flows.Action{flows.SetIPDst(inside)}
	actions = append(actions, sourceActions(ep)...)
	out.AddFlow(ep.Node(), &flows.Flow{
		TableID:  table,
		Priority: 100,
		Match:    flows.Match().EthType(etherTypeOf(nat)).IPDst(hostPrefix(nat)),
		Actions:  append(actions, gotoTable(ctx, TableDestinationMapper)),
	})
	return nil
}

// egressNAT translates the source of traffic from an endpoint with a NAT
// address when it leaves through an external port.
type egressNAT struct{}

func (s *egressNAT) Name() string {
	return "egress-nat"
}

func (s *egressNAT) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{gotoTable(ctx, TableExternalMapper)},
	})
	return nil
}

func (s *egressNAT) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	nat, inside, ok, err := natAddresses(ep)
	if err != nil || !ok {
		return err
	}
	out.AddFlow(ep.Node(), &flows.Flow{
		TableID:  table,
		Priority: 100,
		Match: flows.Match().
			Reg(RegOutPort, 0).
			EthType(etherTypeOf(inside)).
			IPSrc(hostPrefix(inside)),
		Actions: []flows.Action{flows.SetIPSrc(nat), gotoTable(ctx, TableExternalMapper)},
	})
	return nil
}

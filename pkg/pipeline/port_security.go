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
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// portSecurity admits traffic from endpoint ports only with the endpoint's
// own MAC and IP source addresses.  Tunnel traffic skips ingress NAT;
// external traffic goes through it.
type portSecurity struct{}

func (s *portSecurity) Name() string {
	return "port-security"
}

func (s *portSecurity) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{flows.Drop()},
	})
	if sw.TunnelPort != 0 {
		out.AddFlow(sw.ID, &flows.Flow{
			TableID:  table,
			Priority: 300,
			Match:    flows.Match().InPort(sw.TunnelPort),
			Actions:  []flows.Action{gotoTable(ctx, TableSourceMapper)},
		})
	}
	for _, port := range sw.ExternalPorts {
		out.AddFlow(sw.ID, &flows.Flow{
			TableID:  table,
			Priority: 200,
			Match:    flows.Match().InPort(port),
			Actions:  []flows.Action{gotoTable(ctx, TableIngressNAT)},
		})
	}
	return nil
}

func (s *portSecurity) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	node := ep.Node()
	port := ep.Port()
	mac := ep.Endpoint.Key.MAC
	next := gotoTable(ctx, TableSourceMapper)

	if len(ep.IPs) == 0 {
		out.AddFlow(node, &flows.Flow{
			TableID:  table,
			Priority: 110,
			Match:    flows.Match().InPort(port).EthSrc(mac),
			Actions:  []flows.Action{next},
		})
		return nil
	}

	// ARP is always allowed from the endpoint's MAC; IP only from its own
	// addresses.  Anything else from the port hits the table miss.
	out.AddFlow(node, &flows.Flow{
		TableID:  table,
		Priority: 100,
		Match:    flows.Match().InPort(port).EthSrc(mac).EthType(EtherTypeARP),
		Actions:  []flows.Action{next},
	})
	for _, ip := range ep.IPs {
		out.AddFlow(node, &flows.Flow{
			TableID:  table,
			Priority: 120,
			Match:    flows.Match().InPort(port).EthSrc(mac).EthType(etherTypeOf(ip)).IPSrc(hostPrefix(ip)),
			Actions:  []flows.Action{next},
		})
	}
	return nil
}

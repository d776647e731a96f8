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

package flows

import (
	"fmt"
	"net/netip"
	"strings"
)

// Action is a single flow action in ovs-ofctl syntax.  Unlike match fields,
// action order is significant.
type Action string

func Output(port uint32) Action {
	return Action(fmt.Sprintf("output:%d", port))
}

// OutputReg outputs to the port held in a register.
func OutputReg(reg int) Action {
	return Action(fmt.Sprintf("output:NXM_NX_REG%d[]", reg))
}

func InPortAction() Action {
	return "in_port"
}

func GotoTable(table uint8) Action {
	return Action(fmt.Sprintf("goto_table:%d", table))
}

func SetReg(reg int, value uint32) Action {
	return Action(fmt.Sprintf("load:%#x->NXM_NX_REG%d[]", value, reg))
}

func ToGroup(id uint32) Action {
	return Action(fmt.Sprintf("group:%d", id))
}

func SetTunnelDst(ip netip.Addr) Action {
	return Action("set_field:" + ip.String() + "->tun_dst")
}

func SetTunnelID(id uint64) Action {
	return Action(fmt.Sprintf("set_field:%#x->tun_id", id))
}

func SetEthDst(mac string) Action {
	return Action("mod_dl_dst:" + strings.ToLower(mac))
}

func SetEthSrc(mac string) Action {
	return Action("mod_dl_src:" + strings.ToLower(mac))
}

func SetIPSrc(ip netip.Addr) Action {
	return Action("mod_nw_src:" + ip.String())
}

func SetIPDst(ip netip.Addr) Action {
	return Action("mod_nw_dst:" + ip.String())
}

func DecTTL() Action {
	return "dec_ttl"
}

// CtCommit commits the connection to the tracker so reflexive traffic is
// recognised as established.
func CtCommit() Action {
	return "ct(commit)"
}

func Controller() Action {
	return "CONTROLLER:65535"
}

// Drop is an empty action list in OpenFlow; it is spelled out so that a drop
// flow still renders a recognisable action.
func Drop() Action {
	return "drop"
}

func RenderActions(actions []Action) string {
	if len(actions) == 0 {
		return "drop"
	}
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

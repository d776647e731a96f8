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
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"
)

// MatchCriteria is a list of match fields in ovs-ofctl syntax.  Field order
// carries no meaning; Render sorts.
type MatchCriteria []string

func Match() MatchCriteria {
	return nil
}

func (m MatchCriteria) Render() string {
	if len(m) == 0 {
		return "*"
	}
	sorted := slices.Clone(m)
	slices.Sort(sorted)
	return strings.Join(sorted, ",")
}

func (m MatchCriteria) String() string {
	return fmt.Sprintf("MatchCriteria[%s]", m.Render())
}

func (m MatchCriteria) InPort(port uint32) MatchCriteria {
	return append(m, fmt.Sprintf("in_port=%d", port))
}

func (m MatchCriteria) EthSrc(mac string) MatchCriteria {
	return append(m, "dl_src="+strings.ToLower(mac))
}

func (m MatchCriteria) EthDst(mac string) MatchCriteria {
	return append(m, "dl_dst="+strings.ToLower(mac))
}

func (m MatchCriteria) EthType(t uint16) MatchCriteria {
	return append(m, fmt.Sprintf("dl_type=%#06x", t))
}

func (m MatchCriteria) IPProto(p uint8) MatchCriteria {
	return append(m, fmt.Sprintf("nw_proto=%d", p))
}

// ARPTargetIP matches ARP requests for ip.
func (m MatchCriteria) ARPTargetIP(ip netip.Addr) MatchCriteria {
	return append(m, "arp_tpa="+ip.String())
}

func (m MatchCriteria) IPSrc(p netip.Prefix) MatchCriteria {
	if p.Addr().Is6() {
		return append(m, "ipv6_src="+p.Masked().String())
	}
	return append(m, "nw_src="+p.Masked().String())
}

func (m MatchCriteria) IPDst(p netip.Prefix) MatchCriteria {
	if p.Addr().Is6() {
		return append(m, "ipv6_dst="+p.Masked().String())
	}
	return append(m, "nw_dst="+p.Masked().String())
}

func (m MatchCriteria) L4SrcPort(pm PortMask) MatchCriteria {
	return append(m, "tp_src="+pm.String())
}

func (m MatchCriteria) L4DstPort(pm PortMask) MatchCriteria {
	return append(m, "tp_dst="+pm.String())
}

func (m MatchCriteria) Reg(reg int, value uint32) MatchCriteria {
	if reg < 0 || reg >= NumRegs {
		log.WithField("reg", reg).Panic("Bug: register out of range")
	}
	return append(m, fmt.Sprintf("reg%d=%#x", reg, value))
}

func (m MatchCriteria) TunnelID(id uint64) MatchCriteria {
	return append(m, fmt.Sprintf("tun_id=%#x", id))
}

// CtState matches connection tracking state, e.g. "+trk+est".
func (m MatchCriteria) CtState(state string) MatchCriteria {
	return append(m, "ct_state="+state)
}

const NumRegs = 8

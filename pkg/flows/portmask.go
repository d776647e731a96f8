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
	"math/bits"
)

// PortMask is a masked L4 port match.
type PortMask struct {
	Port uint16
	Mask uint16
}

func ExactPort(p uint16) PortMask {
	return PortMask{Port: p, Mask: 0xffff}
}

func (pm PortMask) String() string {
	if pm.Mask == 0xffff {
		return fmt.Sprintf("%d", pm.Port)
	}
	return fmt.Sprintf("%#x/%#x", pm.Port, pm.Mask)
}

// PortRangeMasks covers [min, max] with the fewest aligned masked matches.
func PortRangeMasks(min, max uint16) []PortMask {
	if min > max {
		return nil
	}
	var out []PortMask
	lo, hi := uint32(min), uint32(max)
	for lo <= hi {
		// Largest aligned block starting at lo that fits in the range.
		size := uint32(1) << bits.TrailingZeros32(lo|0x10000)
		for lo+size-1 > hi {
			size >>= 1
		}
		out = append(out, PortMask{Port: uint16(lo), Mask: uint16(0xffff &^ (size - 1))})
		lo += size
	}
	return out
}

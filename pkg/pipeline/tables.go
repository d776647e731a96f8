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
	"errors"
	"fmt"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
)

// Base table ids of the built-in stages.  The device table id of a stage is
// its base id plus the configured table offset.
const (
	TablePortSecurity uint8 = iota
	TableIngressNAT
	TableSourceMapper
	TableDestinationMapper
	TablePolicyEnforcer
	TableEgressNAT
	TableExternalMapper

	// NumBuiltInTables is also the base id of the first injected stage.
	NumBuiltInTables = int(TableExternalMapper) + 1
)

var ErrTableOffsetOutOfRange = errors.New("table offset out of range")

// MaxTableOffset returns the highest offset that keeps every table of a
// pipeline with numTables stages within the device's table id range.
func MaxTableOffset(numTables int) int {
	return flows.MaxTableID - (numTables - 1)
}

func ValidateTableOffset(offset, numTables int) error {
	if offset < 0 || offset > MaxTableOffset(numTables) {
		return fmt.Errorf("%w: offset %d with %d tables, max %d",
			ErrTableOffsetOutOfRange, offset, numTables, MaxTableOffset(numTables))
	}
	return nil
}

// TableMap maps base table ids to device table ids for one offset.
type TableMap struct {
	offset    uint8
	numTables int
}

func NewTableMap(offset, numTables int) (TableMap, error) {
	if err := ValidateTableOffset(offset, numTables); err != nil {
		return TableMap{}, err
	}
	return TableMap{offset: uint8(offset), numTables: numTables}, nil
}

func (t TableMap) Offset() int {
	return int(t.offset)
}

// ID returns the device table id for the given base id.
func (t TableMap) ID(base uint8) uint8 {
	return base + t.offset
}

// IDs returns every device table id owned by the pipeline, ascending.
func (t TableMap) IDs() []uint8 {
	ids := make([]uint8, t.numTables)
	for i := range ids {
		ids[i] = t.ID(uint8(i))
	}
	return ids
}

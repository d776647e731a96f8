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

package devicestore

import (
	"context"
	"maps"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

type tableID struct {
	sw    model.NodeID
	table uint8
}

// MemoryStore is an in-process Store.  It backs the daemon when no external
// datastore is configured and doubles as the store used by tests: it counts
// operations and can be told to fail submits.
type MemoryStore struct {
	lock   sync.Mutex
	tables map[tableID]map[string]*flows.Flow
	groups map[model.NodeID]map[uint32]*flows.Group
	owned  map[model.NodeID][]uint8

	// Versions bump on every committed change, for optimistic concurrency.
	tableVersions map[tableID]uint64
	groupVersions map[model.NodeID]uint64
	ownedVersions map[model.NodeID]uint64

	counters Counters
	// submitHook, if set, is called before a submit is applied; a non-nil
	// return fails the submit.
	submitHook func(ops int) error
}

type Counters struct {
	Submits      int
	FlowPuts     int
	FlowDeletes  int
	GroupPuts    int
	GroupDeletes int
	Failures     int
}

// Writes is the total number of device writes, puts and deletes.
func (c Counters) Writes() int {
	return c.FlowPuts + c.FlowDeletes + c.GroupPuts + c.GroupDeletes
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:        map[tableID]map[string]*flows.Flow{},
		groups:        map[model.NodeID]map[uint32]*flows.Group{},
		owned:         map[model.NodeID][]uint8{},
		tableVersions: map[tableID]uint64{},
		groupVersions: map[model.NodeID]uint64{},
		ownedVersions: map[model.NodeID]uint64{},
	}
}

func (s *MemoryStore) NewTxn(ctx context.Context) (Txn, error) {
	return &memoryTxn{
		store:         s,
		tableVersions: map[tableID]uint64{},
		groupVersions: map[model.NodeID]uint64{},
		ownedVersions: map[model.NodeID]uint64{},
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) SetSubmitHook(f func(ops int) error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.submitHook = f
}

func (s *MemoryStore) Counters() Counters {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.counters
}

func (s *MemoryStore) ResetCounters() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.counters = Counters{}
}

// Flows returns a copy of one table's contents.
func (s *MemoryStore) Flows(sw model.NodeID, table uint8) map[string]*flows.Flow {
	s.lock.Lock()
	defer s.lock.Unlock()
	return maps.Clone(s.tables[tableID{sw: sw, table: table}])
}

// Tables returns the ids of the non-empty tables on a switch.
func (s *MemoryStore) Tables(sw model.NodeID) []uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []uint8
	for id, t := range s.tables {
		if id.sw == sw && len(t) > 0 {
			out = append(out, id.table)
		}
	}
	return out
}

func (s *MemoryStore) Groups(sw model.NodeID) map[uint32]*flows.Group {
	s.lock.Lock()
	defer s.lock.Unlock()
	return maps.Clone(s.groups[sw])
}

type memoryTxn struct {
	opBuffer
	store *MemoryStore

	tableVersions map[tableID]uint64
	groupVersions map[model.NodeID]uint64
	ownedVersions map[model.NodeID]uint64
}

func (t *memoryTxn) ReadFlows(ctx context.Context, sw model.NodeID, table uint8) (map[string]*flows.Flow, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	s := t.store
	s.lock.Lock()
	defer s.lock.Unlock()
	id := tableID{sw: sw, table: table}
	t.tableVersions[id] = s.tableVersions[id]
	out := make(map[string]*flows.Flow, len(s.tables[id]))
	for k, f := range s.tables[id] {
		out[k] = f.Copy()
	}
	return out, nil
}

func (t *memoryTxn) ReadGroups(ctx context.Context, sw model.NodeID) (map[uint32]*flows.Group, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	s := t.store
	s.lock.Lock()
	defer s.lock.Unlock()
	t.groupVersions[sw] = s.groupVersions[sw]
	out := make(map[uint32]*flows.Group, len(s.groups[sw]))
	for id, g := range s.groups[sw] {
		out[id] = g.Copy()
	}
	return out, nil
}

func (t *memoryTxn) ReadOwnedTables(ctx context.Context, sw model.NodeID) ([]uint8, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	s := t.store
	s.lock.Lock()
	defer s.lock.Unlock()
	t.ownedVersions[sw] = s.ownedVersions[sw]
	return slices.Clone(s.owned[sw]), nil
}

func (t *memoryTxn) Submit(ctx context.Context) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true
	if err := ctx.Err(); err != nil {
		return err
	}

	s := t.store
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.submitHook != nil {
		if err := s.submitHook(len(t.ops)); err != nil {
			s.counters.Failures++
			return err
		}
	}
	for id, v := range t.tableVersions {
		if s.tableVersions[id] != v {
			s.counters.Failures++
			return ErrConflict
		}
	}
	for sw, v := range t.groupVersions {
		if s.groupVersions[sw] != v {
			s.counters.Failures++
			return ErrConflict
		}
	}
	for sw, v := range t.ownedVersions {
		if s.ownedVersions[sw] != v {
			s.counters.Failures++
			return ErrConflict
		}
	}

	s.counters.Submits++
	for _, o := range t.ordered() {
		switch o.kind {
		case opDeleteFlow:
			id := tableID{sw: o.sw, table: o.table}
			delete(s.tables[id], o.key)
			s.tableVersions[id]++
			s.counters.FlowDeletes++
		case opPutFlow:
			id := tableID{sw: o.sw, table: o.table}
			if s.tables[id] == nil {
				s.tables[id] = map[string]*flows.Flow{}
			}
			s.tables[id][o.key] = o.flow
			s.tableVersions[id]++
			s.counters.FlowPuts++
		case opDeleteGroup:
			delete(s.groups[o.sw], o.groupID)
			s.groupVersions[o.sw]++
			s.counters.GroupDeletes++
		case opPutGroup:
			if s.groups[o.sw] == nil {
				s.groups[o.sw] = map[uint32]*flows.Group{}
			}
			s.groups[o.sw][o.groupID] = o.group
			s.groupVersions[o.sw]++
			s.counters.GroupPuts++
		case opPutOwnedTables:
			if len(o.tables) == 0 {
				delete(s.owned, o.sw)
			} else {
				s.owned[o.sw] = o.tables
			}
			s.ownedVersions[o.sw]++
		}
	}
	if log.GetLevel() >= log.DebugLevel {
		log.WithField("ops", len(t.ops)).Debug("Committed in-memory device transaction")
	}
	return nil
}

func (t *memoryTxn) Cancel() {
	t.closed = true
	t.ops = nil
}

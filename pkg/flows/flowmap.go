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
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

type TableKey struct {
	Switch model.NodeID
	Table  uint8
}

func (k TableKey) String() string {
	return fmt.Sprintf("%s/table=%d", k.Switch, k.Table)
}

func CompareTableKeys(a, b TableKey) int {
	if c := cmp.Compare(a.Switch, b.Switch); c != 0 {
		return c
	}
	return cmp.Compare(a.Table, b.Table)
}

// FlowMap accumulates the desired flows and groups of one convergence pass.
// It is safe for concurrent use; state is striped per switch so that stages
// rendering endpoints on different switches rarely contend.  Adding a value
// equivalent to one already present is a no-op.
type FlowMap struct {
	lock     sync.RWMutex
	switches map[model.NodeID]*switchFlows
}

type switchFlows struct {
	lock   sync.Mutex
	tables map[uint8]map[string]*Flow
	groups map[uint32]*Group
}

func NewFlowMap() *FlowMap {
	return &FlowMap{switches: map[model.NodeID]*switchFlows{}}
}

func (m *FlowMap) forSwitch(sw model.NodeID) *switchFlows {
	m.lock.RLock()
	sf := m.switches[sw]
	m.lock.RUnlock()
	if sf != nil {
		return sf
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if sf = m.switches[sw]; sf == nil {
		sf = &switchFlows{
			tables: map[uint8]map[string]*Flow{},
			groups: map[uint32]*Group{},
		}
		m.switches[sw] = sf
	}
	return sf
}

func (m *FlowMap) lookup(sw model.NodeID) *switchFlows {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.switches[sw]
}

// AddFlow records f for switch sw.  Returns false if an equivalent flow was
// already present.
func (m *FlowMap) AddFlow(sw model.NodeID, f *Flow) bool {
	key := f.Key()
	sf := m.forSwitch(sw)
	sf.lock.Lock()
	defer sf.lock.Unlock()
	table := sf.tables[f.TableID]
	if table == nil {
		table = map[string]*Flow{}
		sf.tables[f.TableID] = table
	}
	if _, ok := table[key]; ok {
		return false
	}
	table[key] = f.Copy()
	return true
}

// AddGroup records g for switch sw, unioning its buckets with any group of the
// same id already present.
func (m *FlowMap) AddGroup(sw model.NodeID, g *Group) {
	sf := m.forSwitch(sw)
	sf.lock.Lock()
	defer sf.lock.Unlock()
	existing := sf.groups[g.ID]
	if existing == nil {
		cpy := g.Copy()
		cpy.MergeBuckets(nil)
		sf.groups[g.ID] = cpy
		return
	}
	if existing.Type != g.Type {
		logrus.WithFields(logrus.Fields{
			"switch":   sw,
			"group":    g.ID,
			"type":     g.Type,
			"existing": existing.Type,
		}).Warn("Group contributed with conflicting types, keeping first")
		return
	}
	existing.MergeBuckets(g.Buckets)
}

// Merge adds every flow and group of other into m.
func (m *FlowMap) Merge(other *FlowMap) {
	for _, sw := range other.Switches() {
		sf := other.lookup(sw)
		sf.lock.Lock()
		var fs []*Flow
		for _, table := range sf.tables {
			fs = append(fs, slices.Collect(maps.Values(table))...)
		}
		gs := slices.Collect(maps.Values(sf.groups))
		sf.lock.Unlock()

		for _, f := range fs {
			m.AddFlow(sw, f)
		}
		for _, g := range gs {
			m.AddGroup(sw, g)
		}
	}
}

// Switches returns every switch with at least one flow or group, sorted.
func (m *FlowMap) Switches() []model.NodeID {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return slices.Sorted(maps.Keys(m.switches))
}

// TableKeys returns every (switch, table) with at least one flow, sorted.
func (m *FlowMap) TableKeys() []TableKey {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []TableKey
	for sw, sf := range m.switches {
		sf.lock.Lock()
		for t, flows := range sf.tables {
			if len(flows) > 0 {
				out = append(out, TableKey{Switch: sw, Table: t})
			}
		}
		sf.lock.Unlock()
	}
	slices.SortFunc(out, CompareTableKeys)
	return out
}

// Flows returns the flows for one table keyed by equivalence key.  The map is
// a copy; the flows must not be modified.
func (m *FlowMap) Flows(tk TableKey) map[string]*Flow {
	sf := m.lookup(tk.Switch)
	if sf == nil {
		return map[string]*Flow{}
	}
	sf.lock.Lock()
	defer sf.lock.Unlock()
	return maps.Clone(sf.tables[tk.Table])
}

// SortedFlows returns the flows of one table ordered by descending priority
// then rendering.
func (m *FlowMap) SortedFlows(tk TableKey) []*Flow {
	out := slices.Collect(maps.Values(m.Flows(tk)))
	slices.SortFunc(out, CompareFlows)
	return out
}

// Conflicts returns the pairs of flows in one table that occupy the same slot
// but program different actions.  A device holds one flow per slot, so which
// flow of a pair takes effect is undefined.
func (m *FlowMap) Conflicts(tk TableKey) [][2]*Flow {
	fs := m.SortedFlows(tk)
	var out [][2]*Flow
	for i, a := range fs {
		for _, b := range fs[i+1:] {
			if b.Priority != a.Priority {
				break
			}
			if a.SameMatch(b) {
				out = append(out, [2]*Flow{a, b})
			}
		}
	}
	return out
}

// Groups returns the groups for one switch keyed by id.  The map is a copy;
// the groups must not be modified.
func (m *FlowMap) Groups(sw model.NodeID) map[uint32]*Group {
	sf := m.lookup(sw)
	if sf == nil {
		return map[uint32]*Group{}
	}
	sf.lock.Lock()
	defer sf.lock.Unlock()
	return maps.Clone(sf.groups)
}

func (m *FlowMap) NumFlows() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	n := 0
	for _, sf := range m.switches {
		sf.lock.Lock()
		for _, t := range sf.tables {
			n += len(t)
		}
		sf.lock.Unlock()
	}
	return n
}

func (m *FlowMap) NumGroups() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	n := 0
	for _, sf := range m.switches {
		sf.lock.Lock()
		n += len(sf.groups)
		sf.lock.Unlock()
	}
	return n
}

func CompareFlows(a, b *Flow) int {
	if c := cmp.Compare(a.TableID, b.TableID); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Render(), b.Render())
}

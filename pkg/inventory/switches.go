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

package inventory

import (
	"reflect"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// SwitchInventory tracks known switches and which of them are ready to be
// programmed.
type SwitchInventory struct {
	lock     sync.RWMutex
	switches map[model.NodeID]*model.Switch
	ready    set.Set[model.NodeID]

	listeners []func()
}

func NewSwitchInventory() *SwitchInventory {
	return &SwitchInventory{
		switches: map[model.NodeID]*model.Switch{},
		ready:    set.New[model.NodeID](),
	}
}

func (inv *SwitchInventory) OnChange(f func()) {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	inv.listeners = append(inv.listeners, f)
}

// Update creates or replaces a switch and sets its readiness.  Returns true
// if anything changed.
func (inv *SwitchInventory) Update(sw *model.Switch, ready bool) bool {
	sw = sw.Copy()
	inv.lock.Lock()
	old := inv.switches[sw.ID]
	wasReady := inv.ready.Contains(sw.ID)
	if old != nil && wasReady == ready && reflect.DeepEqual(old, sw) {
		inv.lock.Unlock()
		return false
	}
	inv.switches[sw.ID] = sw
	if ready {
		inv.ready.Add(sw.ID)
	} else {
		inv.ready.Discard(sw.ID)
	}
	listeners := inv.listeners
	inv.lock.Unlock()

	if wasReady != ready {
		log.WithFields(log.Fields{"switch": sw.ID, "ready": ready}).Info("Switch readiness changed")
	}
	notify(listeners)
	return true
}

func (inv *SwitchInventory) SetReady(id model.NodeID, ready bool) bool {
	inv.lock.RLock()
	sw := inv.switches[id]
	inv.lock.RUnlock()
	if sw == nil {
		sw = &model.Switch{ID: id}
	}
	return inv.Update(sw, ready)
}

func (inv *SwitchInventory) Remove(id model.NodeID) bool {
	inv.lock.Lock()
	if _, ok := inv.switches[id]; !ok {
		inv.lock.Unlock()
		return false
	}
	delete(inv.switches, id)
	inv.ready.Discard(id)
	listeners := inv.listeners
	inv.lock.Unlock()

	log.WithField("switch", id).Info("Switch removed")
	notify(listeners)
	return true
}

func (inv *SwitchInventory) Snapshot() *SwitchSnapshot {
	inv.lock.RLock()
	defer inv.lock.RUnlock()
	snap := &SwitchSnapshot{
		switches: make(map[model.NodeID]*model.Switch, len(inv.switches)),
		ready:    inv.ready.Copy(),
	}
	for id, sw := range inv.switches {
		snap.switches[id] = sw
	}
	return snap
}

// SwitchSnapshot is a point-in-time view of the switch inventory.
type SwitchSnapshot struct {
	switches map[model.NodeID]*model.Switch
	ready    set.Set[model.NodeID]
}

func (s *SwitchSnapshot) Switch(id model.NodeID) *model.Switch {
	return s.switches[id]
}

func (s *SwitchSnapshot) IsReady(id model.NodeID) bool {
	return s.ready.Contains(id)
}

// ReadySwitches returns the ids of ready switches, sorted.
func (s *SwitchSnapshot) ReadySwitches() []model.NodeID {
	out := s.ready.Slice()
	slices.Sort(out)
	return out
}

func (s *SwitchSnapshot) Len() int {
	return len(s.switches)
}

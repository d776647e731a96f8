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

// Package inventory holds the endpoint and switch state fed in by external
// collaborators.  Writers go through the index types; readers take immutable
// snapshots so a convergence pass never observes a mutation mid-way.
package inventory

import (
	"reflect"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// EndpointIndex is the single owner of endpoint state and its node and group
// indices.  Stored endpoints are private copies and are never mutated in
// place, so snapshots may share them.
type EndpointIndex struct {
	lock      sync.RWMutex
	endpoints map[model.EndpointKey]*model.Endpoint
	byNode    map[model.NodeID]set.Set[model.EndpointKey]
	byGroup   map[model.EgKey]set.Set[model.EndpointKey]

	listeners []func()
}

func NewEndpointIndex() *EndpointIndex {
	return &EndpointIndex{
		endpoints: map[model.EndpointKey]*model.Endpoint{},
		byNode:    map[model.NodeID]set.Set[model.EndpointKey]{},
		byGroup:   map[model.EgKey]set.Set[model.EndpointKey]{},
	}
}

// OnChange registers a callback that is invoked, outside the lock, after every
// update that changed the index.
func (idx *EndpointIndex) OnChange(f func()) {
	idx.lock.Lock()
	defer idx.lock.Unlock()
	idx.listeners = append(idx.listeners, f)
}

// Update creates or replaces an endpoint.  Returns true if anything changed.
func (idx *EndpointIndex) Update(ep *model.Endpoint) bool {
	ep = ep.Copy()
	idx.lock.Lock()
	old := idx.endpoints[ep.Key]
	if old != nil && reflect.DeepEqual(old, ep) {
		idx.lock.Unlock()
		return false
	}
	if old != nil {
		idx.unindex(old)
	}
	idx.endpoints[ep.Key] = ep
	idx.index(ep)
	listeners := idx.listeners
	idx.lock.Unlock()

	if log.GetLevel() >= log.DebugLevel {
		log.WithFields(log.Fields{"endpoint": ep.Key, "groups": ep.EndpointGroups, "location": ep.Location}).Debug(
			"Endpoint updated")
	}
	notify(listeners)
	return true
}

// Remove deletes an endpoint.  Returns true if it was present.
func (idx *EndpointIndex) Remove(key model.EndpointKey) bool {
	idx.lock.Lock()
	old := idx.endpoints[key]
	if old == nil {
		idx.lock.Unlock()
		return false
	}
	idx.unindex(old)
	delete(idx.endpoints, key)
	listeners := idx.listeners
	idx.lock.Unlock()

	log.WithField("endpoint", key).Debug("Endpoint removed")
	notify(listeners)
	return true
}

// Replace swaps in a complete endpoint set.  Returns true if anything changed.
func (idx *EndpointIndex) Replace(eps []*model.Endpoint) bool {
	next := make(map[model.EndpointKey]*model.Endpoint, len(eps))
	for _, ep := range eps {
		next[ep.Key] = ep.Copy()
	}

	idx.lock.Lock()
	if reflect.DeepEqual(next, idx.endpoints) {
		idx.lock.Unlock()
		return false
	}
	idx.endpoints = next
	idx.byNode = map[model.NodeID]set.Set[model.EndpointKey]{}
	idx.byGroup = map[model.EgKey]set.Set[model.EndpointKey]{}
	for _, ep := range next {
		idx.index(ep)
	}
	listeners := idx.listeners
	idx.lock.Unlock()

	log.WithField("numEndpoints", len(next)).Info("Replaced endpoint inventory")
	notify(listeners)
	return true
}

func (idx *EndpointIndex) index(ep *model.Endpoint) {
	if node, ok := ep.Node(); ok {
		s := idx.byNode[node]
		if s == nil {
			s = set.New[model.EndpointKey]()
			idx.byNode[node] = s
		}
		s.Add(ep.Key)
	}
	for _, eg := range ep.EgKeys() {
		s := idx.byGroup[eg]
		if s == nil {
			s = set.New[model.EndpointKey]()
			idx.byGroup[eg] = s
		}
		s.Add(ep.Key)
	}
}

func (idx *EndpointIndex) unindex(ep *model.Endpoint) {
	if node, ok := ep.Node(); ok {
		if s := idx.byNode[node]; s != nil {
			s.Discard(ep.Key)
			if s.Len() == 0 {
				delete(idx.byNode, node)
			}
		}
	}
	for _, eg := range ep.EgKeys() {
		if s := idx.byGroup[eg]; s != nil {
			s.Discard(ep.Key)
			if s.Len() == 0 {
				delete(idx.byGroup, eg)
			}
		}
	}
}

// Snapshot returns a consistent, immutable view of the index.
func (idx *EndpointIndex) Snapshot() *EndpointSnapshot {
	idx.lock.RLock()
	defer idx.lock.RUnlock()

	snap := &EndpointSnapshot{
		endpoints: make(map[model.EndpointKey]*model.Endpoint, len(idx.endpoints)),
		byNode:    make(map[model.NodeID][]*model.Endpoint, len(idx.byNode)),
		byGroup:   make(map[model.EgKey][]*model.Endpoint, len(idx.byGroup)),
	}
	for k, ep := range idx.endpoints {
		snap.endpoints[k] = ep
	}
	for node, keys := range idx.byNode {
		snap.byNode[node] = idx.sortedEndpoints(keys)
	}
	for eg, keys := range idx.byGroup {
		snap.byGroup[eg] = idx.sortedEndpoints(keys)
	}
	return snap
}

func (idx *EndpointIndex) sortedEndpoints(keys set.Set[model.EndpointKey]) []*model.Endpoint {
	out := make([]*model.Endpoint, 0, keys.Len())
	for k := range keys.All() {
		out = append(out, idx.endpoints[k])
	}
	slices.SortFunc(out, compareEndpoints)
	return out
}

func compareEndpoints(a, b *model.Endpoint) int {
	return model.CompareEndpointKeys(a.Key, b.Key)
}

func notify(listeners []func()) {
	for _, f := range listeners {
		f()
	}
}

// EndpointSnapshot is a point-in-time view of the endpoint inventory.  The
// returned endpoints and slices must not be modified.
type EndpointSnapshot struct {
	endpoints map[model.EndpointKey]*model.Endpoint
	byNode    map[model.NodeID][]*model.Endpoint
	byGroup   map[model.EgKey][]*model.Endpoint
}

func (s *EndpointSnapshot) Len() int {
	return len(s.endpoints)
}

func (s *EndpointSnapshot) Endpoint(key model.EndpointKey) *model.Endpoint {
	return s.endpoints[key]
}

// Endpoints returns every endpoint sorted by key.
func (s *EndpointSnapshot) Endpoints() []*model.Endpoint {
	out := make([]*model.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}
	slices.SortFunc(out, compareEndpoints)
	return out
}

func (s *EndpointSnapshot) EndpointsInGroup(eg model.EgKey) []*model.Endpoint {
	return s.byGroup[eg]
}

func (s *EndpointSnapshot) EndpointsOnNode(node model.NodeID) []*model.Endpoint {
	return s.byNode[node]
}

// Nodes returns every node with at least one located endpoint, sorted.
func (s *EndpointSnapshot) Nodes() []model.NodeID {
	out := make([]model.NodeID, 0, len(s.byNode))
	for n := range s.byNode {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

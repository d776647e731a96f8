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

// Package policysource feeds tenants, endpoints and switches into the
// renderer, either from a YAML file or from etcd.
package policysource

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/inventory"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
)

// SwitchState is a switch together with its readiness.
type SwitchState struct {
	model.Switch
	Ready bool `json:"ready"`
}

// RuntimeConfig holds the settings a source may change while the renderer
// runs.  Unset fields fall back to the startup configuration.
type RuntimeConfig struct {
	TableOffset *int `json:"tableOffset,omitempty"`
}

// World is a complete snapshot of everything a source provides.
type World struct {
	Tenants   []*model.Tenant   `json:"tenants,omitempty"`
	Endpoints []*model.Endpoint `json:"endpoints,omitempty"`
	Switches  []SwitchState     `json:"switches,omitempty"`
	Config    RuntimeConfig     `json:"config,omitempty"`
}

// Callbacks receives complete snapshots.  Each call replaces everything
// previously delivered of that kind.
type Callbacks interface {
	OnTenants(tenants []*model.Tenant)
	OnEndpoints(endpoints []*model.Endpoint)
	OnSwitches(switches []SwitchState)
}

// ConfigCallbacks is implemented by callbacks that also follow runtime
// configuration.  Sources deliver the full configuration on every change.
type ConfigCallbacks interface {
	OnConfig(cfg RuntimeConfig)
}

func deliverConfig(cbs Callbacks, cfg RuntimeConfig) {
	if cc, ok := cbs.(ConfigCallbacks); ok {
		cc.OnConfig(cfg)
	}
}

// Source delivers snapshots to the callbacks until the context is cancelled.
// Start returns once the initial snapshot has been delivered.
type Source interface {
	Start(ctx context.Context, cbs Callbacks) error
}

// InventorySink applies snapshots to the tenant cache and the inventories.
type InventorySink struct {
	Tenants   *resolver.TenantCache
	Endpoints *inventory.EndpointIndex
	Switches  *inventory.SwitchInventory

	// OnTenantsChanged is called after each tenant snapshot is applied.
	OnTenantsChanged func()

	// SetTableOffset, if set, applies the runtime table offset.  Without one,
	// DefaultTableOffset is restored.
	SetTableOffset     func(offset int) error
	DefaultTableOffset int

	lock        sync.Mutex
	knownSwitch set.Set[model.NodeID]
}

func (s *InventorySink) OnTenants(tenants []*model.Tenant) {
	if err := s.Tenants.Replace(tenants); err != nil {
		log.WithError(err).Warn("Some tenants were rejected")
	}
	if s.OnTenantsChanged != nil {
		s.OnTenantsChanged()
	}
}

func (s *InventorySink) OnEndpoints(endpoints []*model.Endpoint) {
	s.Endpoints.Replace(endpoints)
}

func (s *InventorySink) OnSwitches(switches []SwitchState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.knownSwitch == nil {
		s.knownSwitch = set.New[model.NodeID]()
	}
	seen := set.New[model.NodeID]()
	for i := range switches {
		sw := &switches[i]
		seen.Add(sw.ID)
		s.Switches.Update(&sw.Switch, sw.Ready)
	}
	for id := range s.knownSwitch.All() {
		if !seen.Contains(id) {
			s.Switches.Remove(id)
		}
	}
	s.knownSwitch = seen
}

func (s *InventorySink) OnConfig(cfg RuntimeConfig) {
	if s.SetTableOffset == nil {
		return
	}
	offset := s.DefaultTableOffset
	if cfg.TableOffset != nil {
		offset = *cfg.TableOffset
	}
	if err := s.SetTableOffset(offset); err != nil {
		log.WithError(err).WithField("offset", offset).Error("Rejected table offset, keeping the current one")
	}
}

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

package resolver

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// TenantCache holds the last accepted snapshot of each tenant.  An update
// that fails validation is rejected and the previous snapshot stays in
// effect, so one bad write cannot wipe a tenant's policy.
type TenantCache struct {
	lock    sync.Mutex
	tenants map[model.TenantID]*model.Tenant
}

func NewTenantCache() *TenantCache {
	return &TenantCache{tenants: map[model.TenantID]*model.Tenant{}}
}

// Update validates and stores t.  It returns the validation error, if any, in
// which case the cache is unchanged.
func (c *TenantCache) Update(t *model.Tenant) error {
	if err := ValidateTenant(t); err != nil {
		countRejectedTenants.Inc()
		log.WithError(err).Warn("Rejecting invalid tenant update, keeping previous version")
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.tenants[t.ID] = t
	return nil
}

// Replace swaps the whole tenant set, validating each tenant independently.
// Tenants that fail validation keep their previous snapshot if there is one.
func (c *TenantCache) Replace(tenants []*model.Tenant) error {
	next := map[model.TenantID]*model.Tenant{}
	var errs []error

	c.lock.Lock()
	defer c.lock.Unlock()
	for _, t := range tenants {
		if err := ValidateTenant(t); err != nil {
			countRejectedTenants.Inc()
			log.WithError(err).Warn("Rejecting invalid tenant, keeping previous version")
			errs = append(errs, err)
			if t != nil {
				if prev, ok := c.tenants[t.ID]; ok {
					next[t.ID] = prev
				}
			}
			continue
		}
		next[t.ID] = t
	}
	c.tenants = next
	return errors.Join(errs...)
}

func (c *TenantCache) Delete(id model.TenantID) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.tenants, id)
}

func (c *TenantCache) Get(id model.TenantID) *model.Tenant {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.tenants[id]
}

// Tenants returns the accepted tenants sorted by id.
func (c *TenantCache) Tenants() []*model.Tenant {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]*model.Tenant, 0, len(c.tenants))
	for _, t := range c.tenants {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *model.Tenant) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Resolve resolves the accepted tenants.  Since every cached tenant already
// passed validation the result covers all of them.
func (c *TenantCache) Resolve() *model.ResolvedPolicy {
	rp, err := Resolve(c.Tenants())
	if err != nil {
		log.WithError(err).Error("Cached tenant failed validation")
	}
	return rp
}

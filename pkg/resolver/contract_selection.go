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
	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// consumerMatch records that a consumer group selected a contract, along with
// the requirements of the selector that did so.
type consumerMatch struct {
	Contract *model.Contract
	Group    model.EgKey
	Selector model.SelectorName
	Relator  set.Set[model.RequirementName]
}

type providerMatch struct {
	Contract *model.Contract
	Group    model.EgKey
	Selector model.SelectorName
	Relator  set.Set[model.CapabilityName]
}

// ContractMatch is one (consumer, provider) join on a shared contract.
type ContractMatch struct {
	ContractTenant model.TenantID
	Contract       *model.Contract

	Consumer        model.EgKey
	ConsumerRelator set.Set[model.RequirementName]
	Provider        model.EgKey
	ProviderRelator set.Set[model.CapabilityName]
}

// selectContracts runs contract selection for one tenant.  Consumer matches
// are indexed by contract key first; provider matches then probe the index
// and the cross product is emitted keyed by group pair.
func selectContracts(t *model.Tenant, out map[model.EgPair][]ContractMatch) {
	consumerIdx := map[model.ContractKey][]consumerMatch{}
	for i := range t.EndpointGroups {
		eg := &t.EndpointGroups[i]
		egKey := model.EgKey{Tenant: t.ID, Group: eg.ID}
		for _, sel := range eg.ConsumerNamedSelectors {
			relator := set.FromArray(sel.Requirements)
			for _, cid := range sel.Contracts {
				c := t.Contract(cid)
				if c == nil {
					logCxt(t, egKey).WithField("contract", cid).Debug("Named selector references unknown contract")
					continue
				}
				ck := model.ContractKey{Tenant: t.ID, Contract: cid}
				consumerIdx[ck] = append(consumerIdx[ck], consumerMatch{
					Contract: c, Group: egKey, Selector: sel.Name, Relator: relator,
				})
			}
		}
		for _, sel := range eg.ConsumerTargetSelectors {
			relator := set.FromArray(sel.Requirements)
			for _, c := range matchTargets(t, sel.QualityMatchers) {
				ck := model.ContractKey{Tenant: t.ID, Contract: c.ID}
				consumerIdx[ck] = append(consumerIdx[ck], consumerMatch{
					Contract: c, Group: egKey, Selector: sel.Name, Relator: relator,
				})
			}
		}
	}
	if len(consumerIdx) == 0 {
		return
	}

	join := func(ck model.ContractKey, pm providerMatch) {
		for _, cm := range consumerIdx[ck] {
			pair := model.EgPair{Consumer: cm.Group, Provider: pm.Group}
			out[pair] = append(out[pair], ContractMatch{
				ContractTenant:  ck.Tenant,
				Contract:        pm.Contract,
				Consumer:        cm.Group,
				ConsumerRelator: cm.Relator,
				Provider:        pm.Group,
				ProviderRelator: pm.Relator,
			})
		}
	}
	for i := range t.EndpointGroups {
		eg := &t.EndpointGroups[i]
		egKey := model.EgKey{Tenant: t.ID, Group: eg.ID}
		for _, sel := range eg.ProviderNamedSelectors {
			relator := set.FromArray(sel.Capabilities)
			for _, cid := range sel.Contracts {
				c := t.Contract(cid)
				if c == nil {
					logCxt(t, egKey).WithField("contract", cid).Debug("Named selector references unknown contract")
					continue
				}
				join(model.ContractKey{Tenant: t.ID, Contract: cid}, providerMatch{
					Contract: c, Group: egKey, Selector: sel.Name, Relator: relator,
				})
			}
		}
		for _, sel := range eg.ProviderTargetSelectors {
			relator := set.FromArray(sel.Capabilities)
			for _, c := range matchTargets(t, sel.QualityMatchers) {
				join(model.ContractKey{Tenant: t.ID, Contract: c.ID}, providerMatch{
					Contract: c, Group: egKey, Selector: sel.Name, Relator: relator,
				})
			}
		}
	}
}

// matchTargets returns one entry per contract target satisfying every
// quality matcher, so a contract with two matching targets is selected twice.
func matchTargets(t *model.Tenant, qms []model.QualityMatcher) []*model.Contract {
	var out []*model.Contract
	for i := range t.Contracts {
		c := &t.Contracts[i]
		for j := range c.Targets {
			if targetMatches(qms, &c.Targets[j]) {
				out = append(out, c)
			}
		}
	}
	return out
}

func logCxt(t *model.Tenant, eg model.EgKey) *log.Entry {
	return log.WithFields(log.Fields{"tenant": t.ID, "group": eg.Group})
}

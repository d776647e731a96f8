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
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// subjectRef is a subject selected by an active clause, with provenance.
type subjectRef struct {
	Tenant   model.TenantID
	Contract model.ContractID
	Subject  *model.Subject
}

type subjectRefKey struct {
	Tenant   model.TenantID
	Contract model.ContractID
	Subject  model.SubjectName
}

func (s subjectRef) key() subjectRefKey {
	return subjectRefKey{Tenant: s.Tenant, Contract: s.Contract, Subject: s.Subject.Name}
}

// cellAccumulator gathers the subjects for one (consumer, provider)
// constraint pair.  Contributions from every contract match on the same
// group pair land in the same accumulator.
type cellAccumulator struct {
	consumer model.EndpointConstraint
	provider model.EndpointConstraint
	subjects map[subjectRefKey]subjectRef
}

// conditionIndex records, per group, the distinct condition sets some active
// clause requires of it.
type conditionIndex map[model.EgKey]map[string]model.ConditionSet

func (ci conditionIndex) add(eg model.EgKey, cs model.ConditionSet) {
	m := ci[eg]
	if m == nil {
		m = map[string]model.ConditionSet{}
		ci[eg] = m
	}
	m[cs.Key()] = cs
}

// selectSubjects walks the clauses of every contract match and returns the
// per-pair cell accumulators.
func selectSubjects(
	matches map[model.EgPair][]ContractMatch,
	condIdx conditionIndex,
) (map[model.EgPair]map[model.CellKey]*cellAccumulator, error) {
	cells := map[model.EgPair]map[model.CellKey]*cellAccumulator{}
	for pair, cms := range matches {
		for _, cm := range cms {
			for i := range cm.Contract.Clauses {
				cl := &cm.Contract.Clauses[i]
				if !consumerClauseMatches(cl.ConsumerMatchers, cm.Consumer, cm.ConsumerRelator) ||
					!providerClauseMatches(cl.ProviderMatchers, cm.Provider, cm.ProviderRelator) {
					if log.GetLevel() >= log.DebugLevel {
						log.WithFields(log.Fields{
							"pair":     pair,
							"contract": cm.Contract.ID,
							"clause":   cl.Name,
						}).Debug("Clause inactive for pair")
					}
					continue
				}
				consumer, provider, err := clauseConstraints(cl)
				if err != nil {
					return nil, &TenantError{
						Tenant: cm.ContractTenant,
						Reason: fmt.Sprintf("contract %q clause %q", cm.Contract.ID, cl.Name),
						Err:    err,
					}
				}
				condIdx.add(cm.Consumer, consumer.Conditions)
				condIdx.add(cm.Provider, provider.Conditions)

				ck := model.CellKey{Consumer: consumer.Key(), Provider: provider.Key()}
				pairCells := cells[pair]
				if pairCells == nil {
					pairCells = map[model.CellKey]*cellAccumulator{}
					cells[pair] = pairCells
				}
				acc := pairCells[ck]
				if acc == nil {
					acc = &cellAccumulator{
						consumer: consumer,
						provider: provider,
						subjects: map[subjectRefKey]subjectRef{},
					}
					pairCells[ck] = acc
				}
				for _, name := range cl.Subjects {
					s := cm.Contract.Subject(name)
					if s == nil {
						log.WithFields(log.Fields{
							"contract": cm.Contract.ID,
							"clause":   cl.Name,
							"subject":  name,
						}).Debug("Clause references unknown subject")
						continue
					}
					ref := subjectRef{Tenant: cm.ContractTenant, Contract: cm.Contract.ID, Subject: s}
					acc.subjects[ref.key()] = ref
				}
			}
		}
	}
	return cells, nil
}

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
	"fmt"
	"net/netip"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// policyEnforcer renders the resolved contract rules between the groups of
// each local endpoint and their peers.  Traffic is matched on the source and
// destination group and condition group registers loaded by the mappers.
type policyEnforcer struct{}

func (s *policyEnforcer) Name() string {
	return "policy-enforcer"
}

func (s *policyEnforcer) SyncSwitch(ctx *RenderContext, table uint8, sw *model.Switch, out *flows.FlowMap) error {
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityTableMiss,
		Actions:  []flows.Action{flows.Drop()},
	})
	out.AddFlow(sw.ID, &flows.Flow{
		TableID:  table,
		Priority: PriorityIntraGroup,
		Match:    flows.Match().EthType(EtherTypeARP),
		Actions:  []flows.Action{gotoTable(ctx, TableEgressNAT)},
	})
	return nil
}

// side is one end of the traffic a rule applies to.
type side struct {
	epgs     []uint32
	cgs      []uint32
	prefixes []netip.Prefix
}

func (s *policyEnforcer) SyncEndpoint(ctx *RenderContext, table uint8, ep *EndpointInfo, out *flows.FlowMap) error {
	node := ep.Node()
	conds := ep.Endpoint.ConditionSet()
	for _, eg := range ep.Groups {
		local := []uint32{ep.EPG}
		if ctx.IntraGroupAllowed(eg) {
			for _, peer := range ctx.GroupClasses(eg) {
				for _, m := range []flows.MatchCriteria{
					flows.Match().Reg(RegSrcEPG, ep.EPG).Reg(RegDstEPG, peer),
					flows.Match().Reg(RegSrcEPG, peer).Reg(RegDstEPG, ep.EPG),
				} {
					out.AddFlow(node, &flows.Flow{
						TableID:  table,
						Priority: PriorityIntraGroup,
						Match:    m,
						Actions:  []flows.Action{gotoTable(ctx, TableEgressNAT)},
					})
				}
			}
		}

		for _, peer := range ctx.Policy.ProvidersByConsumer[eg] {
			policy := ctx.Policy.Policy(eg, peer)
			for i := range policy.Cells {
				cell := &policy.Cells[i]
				if !cell.Consumer.Matches(conds, ep.IPs) {
					continue
				}
				consumer := side{epgs: local, cgs: []uint32{ep.ConditionGroup}, prefixes: prefixesOf(cell.Consumer)}
				provider := side{
					epgs:     ctx.GroupClasses(peer),
					cgs:      ctx.ConditionGroupsMatching(peer, cell.Provider.Conditions),
					prefixes: prefixesOf(cell.Provider),
				}
				if err := s.renderCell(ctx, table, node, pairOf(policy), cell, consumer, provider, out); err != nil {
					return fmt.Errorf("rendering policy %v->%v: %w", policy.Consumer, policy.Provider, err)
				}
			}
		}

		for _, peer := range ctx.Policy.ConsumersByProvider[eg] {
			policy := ctx.Policy.Policy(peer, eg)
			for i := range policy.Cells {
				cell := &policy.Cells[i]
				if !cell.Provider.Matches(conds, ep.IPs) {
					continue
				}
				consumer := side{
					epgs:     ctx.GroupClasses(peer),
					cgs:      ctx.ConditionGroupsMatching(peer, cell.Consumer.Conditions),
					prefixes: prefixesOf(cell.Consumer),
				}
				provider := side{epgs: local, cgs: []uint32{ep.ConditionGroup}, prefixes: prefixesOf(cell.Provider)}
				if err := s.renderCell(ctx, table, node, pairOf(policy), cell, consumer, provider, out); err != nil {
					return fmt.Errorf("rendering policy %v->%v: %w", policy.Consumer, policy.Provider, err)
				}
			}
		}
	}
	return nil
}

// renderCell renders the rules of one cell in order.  Each rule gets its own
// priority, counting down from PriorityRuleBase from the cell's place in the
// pass's rule sequence, so earlier rules win.
func (s *policyEnforcer) renderCell(
	ctx *RenderContext,
	table uint8,
	node model.NodeID,
	pair model.EgPair,
	cell *model.Cell,
	consumer, provider side,
	out *flows.FlowMap,
) error {
	if len(consumer.epgs) == 0 || len(provider.epgs) == 0 || len(consumer.cgs) == 0 || len(provider.cgs) == 0 {
		return nil
	}
	idx := ctx.RuleIndex(pair, cell)
	for _, rg := range cell.RuleGroups {
		t := ctx.Tenants.Get(rg.Tenant)
		if t == nil {
			return fmt.Errorf("tenant %s of %v not found", rg.Tenant, rg)
		}
		for _, rule := range rg.Rules {
			priority := rulePriority(idx)
			idx++
			if err := s.renderRule(ctx, t, table, node, rule, priority, consumer, provider, out); err != nil {
				return fmt.Errorf("rule %s of %v: %w", rule.Name, rg, err)
			}
		}
	}
	return nil
}

func rulePriority(idx int) uint16 {
	return uint16(max(PriorityRuleBase-idx, PriorityRuleMin))
}

func (s *policyEnforcer) renderRule(
	ctx *RenderContext,
	t *model.Tenant,
	table uint8,
	node model.NodeID,
	rule model.Rule,
	priority uint16,
	consumer, provider side,
	out *flows.FlowMap,
) error {
	allow, err := ruleAllows(t, rule.Actions)
	if err != nil {
		return err
	}
	for _, dir := range []model.Direction{model.DirectionOut, model.DirectionIn} {
		refs := classifiersFor(rule.Classifiers, dir)
		if len(rule.Classifiers) > 0 && len(refs) == 0 {
			continue
		}
		c, err := classify(t, refs)
		if err != nil {
			return err
		}
		// Out is consumer to provider.
		src, dst := consumer, provider
		if dir == model.DirectionIn {
			src, dst = provider, consumer
		}

		var actions []flows.Action
		if allow {
			if c.reflexive {
				actions = append(actions, flows.CtCommit())
			}
			actions = append(actions, gotoTable(ctx, TableEgressNAT))
		} else {
			actions = append(actions, flows.Drop())
		}
		s.addRuleFlows(table, node, priority, c, src, dst, nil, actions, out)

		if allow && c.reflexive {
			s.addRuleFlows(table, node, priority, c.reversed(), dst, src,
				flows.Match().CtState("+trk+est"), []flows.Action{gotoTable(ctx, TableEgressNAT)}, out)
		}
	}
	return nil
}

func (s *policyEnforcer) addRuleFlows(
	table uint8,
	node model.NodeID,
	priority uint16,
	c classification,
	src, dst side,
	extra flows.MatchCriteria,
	actions []flows.Action,
	out *flows.FlowMap,
) {
	for _, srcEPG := range src.epgs {
		for _, dstEPG := range dst.epgs {
			for _, srcCG := range src.cgs {
				for _, dstCG := range dst.cgs {
					base := append(flows.Match().
						Reg(RegSrcEPG, srcEPG).
						Reg(RegSrcConditionGroup, srcCG).
						Reg(RegDstEPG, dstEPG).
						Reg(RegDstConditionGroup, dstCG), extra...)
					for _, m := range c.expand(base, src.prefixes, dst.prefixes) {
						out.AddFlow(node, &flows.Flow{
							TableID:  table,
							Priority: priority,
							Match:    m,
							Actions:  actions,
						})
					}
				}
			}
		}
	}
}

func pairOf(p *model.Policy) model.EgPair {
	return model.EgPair{Consumer: p.Consumer, Provider: p.Provider}
}

func prefixesOf(ec model.EndpointConstraint) []netip.Prefix {
	if ec.Identification == nil {
		return nil
	}
	var out []netip.Prefix
	for _, raw := range ec.Identification.L3Prefixes {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p)
		}
	}
	return out
}

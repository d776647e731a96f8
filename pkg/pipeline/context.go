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
	"net/netip"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/inventory"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/ordinals"
)

// TenantLookup gives stages access to a tenant's classifier and action
// instances and forwarding model.
type TenantLookup interface {
	Get(id model.TenantID) *model.Tenant
}

// Ordinals holds the allocators that map names to the 32-bit values loaded
// into registers.  It outlives a single RenderContext so that values stay
// stable from one pass to the next.
type Ordinals struct {
	EPG            *ordinals.Allocator
	ConditionGroup *ordinals.Allocator
	L3Context      *ordinals.Allocator
	BridgeDomain   *ordinals.Allocator
	FloodDomain    *ordinals.Allocator
	Node           *ordinals.Allocator
}

func NewOrdinals() *Ordinals {
	return &Ordinals{
		EPG:            ordinals.New("epg"),
		ConditionGroup: ordinals.New("cg"),
		L3Context:      ordinals.New("l3c"),
		BridgeDomain:   ordinals.New("bd"),
		FloodDomain:    ordinals.New("fd"),
		Node:           ordinals.New("node"),
	}
}

// ForwardingContext is the L2/L3 context of an endpoint.  Fields are zero when
// the tenant model does not define that level.
type ForwardingContext struct {
	L3Context    model.L3ContextID
	BridgeDomain model.BridgeDomainID
	FloodDomain  model.FloodDomainID

	L3Ord uint32
	BDOrd uint32
	FDOrd uint32

	Subnets []model.Subnet
}

// EndpointInfo is the per-endpoint data that stages render from.
type EndpointInfo struct {
	Endpoint *model.Endpoint
	Groups   []model.EgKey
	IPs      []netip.Addr

	// EPG is the classification ordinal loaded into the group registers.  For
	// an endpoint in one group it is that group's ordinal; an endpoint in
	// several groups gets an ordinal for the whole set, which the enforcer
	// matches on behalf of every member group.
	EPG            uint32
	ConditionGroup uint32
	Forwarding     ForwardingContext
}

func (i *EndpointInfo) Node() model.NodeID {
	n, _ := i.Endpoint.Node()
	return n
}

func (i *EndpointInfo) Port() uint32 {
	if i.Endpoint.Location == nil {
		return 0
	}
	return i.Endpoint.Location.Port
}

// RenderContext is the read-only view shared by every stage during one pass.
// All ordinals are allocated up front, in a deterministic order, when the
// context is built.
type RenderContext struct {
	Policy    *model.ResolvedPolicy
	Endpoints *inventory.EndpointSnapshot
	Switches  *inventory.SwitchSnapshot
	Tenants   TenantLookup
	Tables    TableMap

	epgOrds  map[model.EgKey]uint32
	classes  map[model.EgKey][]uint32
	ruleBase map[model.EgPair]map[model.CellKey]int
	nodeOrds map[model.NodeID]uint32
	infos    map[model.EndpointKey]*EndpointInfo
	fdNodes  map[uint32][]model.NodeID
}

func NewRenderContext(
	rp *model.ResolvedPolicy,
	eps *inventory.EndpointSnapshot,
	sws *inventory.SwitchSnapshot,
	tenants TenantLookup,
	tables TableMap,
	ords *Ordinals,
) *RenderContext {
	ctx := &RenderContext{
		Policy:    rp,
		Endpoints: eps,
		Switches:  sws,
		Tenants:   tenants,
		Tables:    tables,
		epgOrds:   map[model.EgKey]uint32{},
		classes:   map[model.EgKey][]uint32{},
		ruleBase:  map[model.EgPair]map[model.CellKey]int{},
		nodeOrds:  map[model.NodeID]uint32{},
		infos:     map[model.EndpointKey]*EndpointInfo{},
		fdNodes:   map[uint32][]model.NodeID{},
	}

	live := map[*ordinals.Allocator]set.Set[string]{}
	alloc := func(a *ordinals.Allocator, name string) uint32 {
		s := live[a]
		if s == nil {
			s = set.New[string]()
			live[a] = s
		}
		s.Add(name)
		return a.GetOrAlloc(name)
	}

	// Groups first, in sorted order, so that ordinal collisions resolve the
	// same way on every pass.
	groups := set.New[model.EgKey]()
	for _, pair := range rp.Pairs() {
		groups.Add(pair.Consumer)
		groups.Add(pair.Provider)
	}
	endpoints := eps.Endpoints()
	for _, ep := range endpoints {
		for _, eg := range ep.EgKeys() {
			groups.Add(eg)
		}
	}
	sortedGroups := groups.Slice()
	slices.SortFunc(sortedGroups, model.CompareEgKeys)
	for _, eg := range sortedGroups {
		ctx.epgOrds[eg] = alloc(ords.EPG, eg.String())
	}

	// Then one classification per distinct multi-group membership, again in
	// sorted order.
	classSets := map[model.EgKey]set.Set[uint32]{}
	for _, eg := range sortedGroups {
		classSets[eg] = set.From(ctx.epgOrds[eg])
	}
	multi := set.New[string]()
	multiGroups := map[string][]model.EgKey{}
	for _, ep := range endpoints {
		if egs := ep.EgKeys(); len(egs) > 1 {
			name := groupSetName(egs)
			multi.Add(name)
			multiGroups[name] = egs
		}
	}
	classOrds := map[string]uint32{}
	for _, name := range set.Sorted(multi) {
		ord := alloc(ords.EPG, name)
		classOrds[name] = ord
		for _, eg := range multiGroups[name] {
			classSets[eg].Add(ord)
		}
	}
	for eg, s := range classSets {
		ctx.classes[eg] = set.Sorted(s)
	}
	ctx.planRulePriorities()

	nodes := set.FromArray(eps.Nodes())
	nodes.AddAll(sws.ReadySwitches())
	for _, n := range set.Sorted(nodes) {
		ctx.nodeOrds[n] = alloc(ords.Node, string(n))
	}

	fdNodes := map[uint32]set.Set[model.NodeID]{}
	for _, ep := range endpoints {
		info := &EndpointInfo{
			Endpoint: ep,
			Groups:   ep.EgKeys(),
			IPs:      ep.IPs(),
		}
		switch len(info.Groups) {
		case 0:
		case 1:
			info.EPG = ctx.epgOrds[info.Groups[0]]
		default:
			info.EPG = classOrds[groupSetName(info.Groups)]
		}
		if cg := ctx.conditionGroupName(ep, info.Groups); cg != "" {
			info.ConditionGroup = alloc(ords.ConditionGroup, cg)
		}

		fc := ctx.resolveForwarding(ep)
		if fc.L3Context != "" {
			fc.L3Ord = alloc(ords.L3Context, string(ep.Tenant)+"/"+string(fc.L3Context))
		}
		if fc.BridgeDomain != "" {
			fc.BDOrd = alloc(ords.BridgeDomain, string(ep.Tenant)+"/"+string(fc.BridgeDomain))
		}
		if fc.FloodDomain != "" {
			fc.FDOrd = alloc(ords.FloodDomain, string(ep.Tenant)+"/"+string(fc.FloodDomain))
			if node, ok := ep.Node(); ok {
				if fdNodes[fc.FDOrd] == nil {
					fdNodes[fc.FDOrd] = set.New[model.NodeID]()
				}
				fdNodes[fc.FDOrd].Add(node)
			}
		}
		info.Forwarding = fc
		ctx.infos[ep.Key] = info
	}
	for fd, nodes := range fdNodes {
		ctx.fdNodes[fd] = set.Sorted(nodes)
	}

	for _, a := range []*ordinals.Allocator{
		ords.EPG, ords.ConditionGroup, ords.L3Context, ords.BridgeDomain, ords.FloodDomain, ords.Node,
	} {
		l := live[a]
		if l == nil {
			l = set.Empty[string]()
		}
		if n := a.Retain(l); n > 0 {
			log.WithField("released", n).Debug("Released unused ordinals")
		}
	}
	return ctx
}

func groupSetName(egs []model.EgKey) string {
	names := make([]string, len(egs))
	for i, eg := range egs {
		names[i] = eg.String()
	}
	slices.Sort(names)
	return "groups:" + strings.Join(names, ",")
}

// planRulePriorities numbers the rules of every policy in one sequence, so
// that no two rules that can apply to the same traffic share a priority.
// Within a pair, cells with more constraints come first; within a cell, rule
// groups and rules keep their resolved order.  Pairs follow each other in
// sorted order, which is what decides precedence for an endpoint whose
// groups take part in several pairs.
func (ctx *RenderContext) planRulePriorities() {
	idx := 0
	for _, pair := range ctx.Policy.Pairs() {
		policy := ctx.Policy.Policies[pair]
		cells := make([]*model.Cell, len(policy.Cells))
		for i := range policy.Cells {
			cells[i] = &policy.Cells[i]
		}
		slices.SortStableFunc(cells, func(a, b *model.Cell) int {
			if c := specificity(b) - specificity(a); c != 0 {
				return c
			}
			return model.CompareCells(a, b)
		})
		bases := make(map[model.CellKey]int, len(cells))
		for _, cell := range cells {
			bases[cell.Key()] = idx
			for _, rg := range cell.RuleGroups {
				idx += len(rg.Rules)
			}
		}
		ctx.ruleBase[pair] = bases
	}
	if idx > PriorityRuleBase-PriorityRuleMin {
		log.WithField("rules", idx).Warn("More rules than distinct priorities, the lowest rules share a priority")
	}
}

func specificity(c *model.Cell) int {
	n := 0
	for _, ec := range []model.EndpointConstraint{c.Consumer, c.Provider} {
		if !ec.Conditions.IsEmpty() {
			n++
		}
		if ec.Identification != nil && len(ec.Identification.L3Prefixes) > 0 {
			n++
		}
	}
	return n
}

// RuleIndex returns the position of the first rule of cell in the priority
// sequence of the pass.
func (ctx *RenderContext) RuleIndex(pair model.EgPair, cell *model.Cell) int {
	return ctx.ruleBase[pair][cell.Key()]
}

// conditionGroupName identifies the combination of condition sets, across all
// of the endpoint's groups, that the endpoint satisfies.  Endpoints that
// satisfy none get the empty name and condition group 0.
func (ctx *RenderContext) conditionGroupName(ep *model.Endpoint, groups []model.EgKey) string {
	conds := ep.ConditionSet()
	var matched []string
	for _, eg := range groups {
		for _, cs := range ctx.Policy.ConditionSetsFor(eg) {
			if cs.IsEmpty() || !cs.Matches(conds) {
				continue
			}
			matched = append(matched, eg.String()+cs.Key())
		}
	}
	slices.Sort(matched)
	return strings.Join(matched, ";")
}

func (ctx *RenderContext) resolveForwarding(ep *model.Endpoint) ForwardingContext {
	var fc ForwardingContext
	t := ctx.Tenants.Get(ep.Tenant)
	if t == nil {
		return fc
	}
	domain := ep.NetworkContainment
	if domain == "" {
		for _, eg := range ep.EgKeys() {
			if g := t.EndpointGroup(eg.Group); g != nil && g.NetworkDomain != "" {
				domain = g.NetworkDomain
				break
			}
		}
	}

	// Walk up from the most specific domain.  Bounded so that a cycle in the
	// parent links cannot loop forever.
	for i := 0; i < 4 && domain != ""; i++ {
		id := string(domain)
		domain = ""
		if s := findSubnet(t, model.SubnetID(id)); s != nil {
			domain = s.Parent
			continue
		}
		if fd := findFloodDomain(t, model.FloodDomainID(id)); fd != nil && fc.FloodDomain == "" {
			fc.FloodDomain = fd.ID
			domain = model.NetworkDomainID(fd.Parent)
			continue
		}
		if bd := findBridgeDomain(t, model.BridgeDomainID(id)); bd != nil && fc.BridgeDomain == "" {
			fc.BridgeDomain = bd.ID
			domain = model.NetworkDomainID(bd.Parent)
			continue
		}
		if l3 := findL3Context(t, model.L3ContextID(id)); l3 != nil {
			fc.L3Context = l3.ID
		}
	}

	for _, s := range t.Subnets {
		if (fc.FloodDomain != "" && string(s.Parent) == string(fc.FloodDomain)) ||
			(fc.BridgeDomain != "" && string(s.Parent) == string(fc.BridgeDomain)) {
			fc.Subnets = append(fc.Subnets, s)
		}
	}
	return fc
}

func findSubnet(t *model.Tenant, id model.SubnetID) *model.Subnet {
	for i := range t.Subnets {
		if t.Subnets[i].ID == id {
			return &t.Subnets[i]
		}
	}
	return nil
}

func findFloodDomain(t *model.Tenant, id model.FloodDomainID) *model.FloodDomain {
	for i := range t.FloodDomains {
		if t.FloodDomains[i].ID == id {
			return &t.FloodDomains[i]
		}
	}
	return nil
}

func findBridgeDomain(t *model.Tenant, id model.BridgeDomainID) *model.BridgeDomain {
	for i := range t.BridgeDomains {
		if t.BridgeDomains[i].ID == id {
			return &t.BridgeDomains[i]
		}
	}
	return nil
}

func findL3Context(t *model.Tenant, id model.L3ContextID) *model.L3Context {
	for i := range t.L3Contexts {
		if t.L3Contexts[i].ID == id {
			return &t.L3Contexts[i]
		}
	}
	return nil
}

// Info returns the precomputed data for an endpoint, or nil if the endpoint
// was not in the snapshot.
func (ctx *RenderContext) Info(key model.EndpointKey) *EndpointInfo {
	return ctx.infos[key]
}

// EPGOrdinal returns the ordinal of a group, or 0 if the group is unknown to
// this pass.
func (ctx *RenderContext) EPGOrdinal(eg model.EgKey) uint32 {
	return ctx.epgOrds[eg]
}

// GroupClasses returns, sorted, every classification ordinal that stands for
// membership of eg: the group's own ordinal and those of the multi-group
// endpoints that include it.
func (ctx *RenderContext) GroupClasses(eg model.EgKey) []uint32 {
	if cs, ok := ctx.classes[eg]; ok {
		return cs
	}
	if ord, ok := ctx.epgOrds[eg]; ok {
		return []uint32{ord}
	}
	return nil
}

func (ctx *RenderContext) NodeOrdinal(n model.NodeID) uint32 {
	return ctx.nodeOrds[n]
}

// LocatedEndpoints returns, sorted by key, the endpoints whose location is a
// ready switch.
func (ctx *RenderContext) LocatedEndpoints() []*EndpointInfo {
	var out []*EndpointInfo
	for _, ep := range ctx.Endpoints.Endpoints() {
		node, ok := ep.Node()
		if !ok || !ctx.Switches.IsReady(node) {
			continue
		}
		out = append(out, ctx.infos[ep.Key])
	}
	return out
}

// RemoteSwitches returns the ready switches, other than local, that host at
// least one endpoint and can be reached through a tunnel.
func (ctx *RenderContext) RemoteSwitches(local model.NodeID) []*model.Switch {
	var out []*model.Switch
	for _, id := range ctx.Switches.ReadySwitches() {
		if id == local || len(ctx.Endpoints.EndpointsOnNode(id)) == 0 {
			continue
		}
		sw := ctx.Switches.Switch(id)
		if sw == nil || sw.TunnelPort == 0 {
			continue
		}
		out = append(out, sw)
	}
	return out
}

// FloodDomainNodes returns the nodes hosting endpoints of the given flood
// domain, sorted.
func (ctx *RenderContext) FloodDomainNodes(fdOrd uint32) []model.NodeID {
	return ctx.fdNodes[fdOrd]
}

// ConditionGroupsMatching returns the sorted condition group ordinals of the
// endpoints in eg that satisfy cs.
func (ctx *RenderContext) ConditionGroupsMatching(eg model.EgKey, cs model.ConditionSet) []uint32 {
	cgs := set.New[uint32]()
	for _, ep := range ctx.Endpoints.EndpointsInGroup(eg) {
		info := ctx.infos[ep.Key]
		if info == nil || !cs.Matches(ep.ConditionSet()) {
			continue
		}
		cgs.Add(info.ConditionGroup)
	}
	return set.Sorted(cgs)
}

// IntraGroupAllowed reports whether traffic between members of eg is allowed
// without a contract.
func (ctx *RenderContext) IntraGroupAllowed(eg model.EgKey) bool {
	t := ctx.Tenants.Get(eg.Tenant)
	if t == nil {
		return false
	}
	g := t.EndpointGroup(eg.Group)
	return g != nil && g.IntraGroupPolicy != model.IntraGroupRequireContract
}

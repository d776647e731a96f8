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
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var (
	ErrUnsupportedClassifier = errors.New("unsupported classifier")
	ErrUnsupportedAction     = errors.New("unsupported action")
)

// Classifier and action definitions understood by the policy enforcer.
const (
	ClassifierEtherType model.ClassifierDefID = "ether-type"
	ClassifierIPProto   model.ClassifierDefID = "ip-proto"
	ClassifierL4        model.ClassifierDefID = "l4"

	ActionAllow model.ActionDefID = "allow"
	ActionDeny  model.ActionDefID = "deny"
)

// Classifier parameter names.
const (
	ParamEtherType       = "ethertype"
	ParamProto           = "proto"
	ParamSourcePort      = "sourceport"
	ParamDestPort        = "destport"
	ParamSourcePortRange = "sourceport_range"
	ParamDestPortRange   = "destport_range"
)

// classification is the combined effect of the classifiers of one rule in one
// direction.  Empty fields do not constrain.
type classification struct {
	etherTypes []uint16
	protos     []uint8
	srcPorts   []flows.PortMask
	dstPorts   []flows.PortMask
	reflexive  bool
}

func classify(t *model.Tenant, refs []model.ClassifierRef) (classification, error) {
	var c classification
	for _, ref := range refs {
		inst := t.ClassifierInstance(ref.Instance)
		if inst == nil {
			return c, fmt.Errorf("%w: no classifier instance %q in tenant %s",
				ErrUnsupportedClassifier, ref.Instance, t.ID)
		}
		if ref.ConnectionTracking == model.ConnTrackReflexive {
			c.reflexive = true
		}
		switch inst.Definition {
		case ClassifierEtherType:
			v, err := intParam(inst, ParamEtherType, 0, 0xffff, true)
			if err != nil {
				return c, err
			}
			c.etherTypes = []uint16{uint16(v)}
		case ClassifierIPProto:
			v, err := intParam(inst, ParamProto, 0, 0xff, true)
			if err != nil {
				return c, err
			}
			c.protos = []uint8{uint8(v)}
		case ClassifierL4:
			var err error
			if c.srcPorts, err = portParam(inst, ParamSourcePort, ParamSourcePortRange); err != nil {
				return c, err
			}
			if c.dstPorts, err = portParam(inst, ParamDestPort, ParamDestPortRange); err != nil {
				return c, err
			}
		default:
			return c, fmt.Errorf("%w: %q (instance %q)", ErrUnsupportedClassifier, inst.Definition, inst.Name)
		}
	}
	for _, p := range c.protos {
		if len(c.srcPorts)+len(c.dstPorts) > 0 && p != ProtoTCP && p != ProtoUDP && p != ProtoSCTP {
			return c, fmt.Errorf("%w: port match on protocol %d", ErrUnsupportedClassifier, p)
		}
	}
	return c, nil
}

func intParam(inst *model.ClassifierInstance, name string, lo, hi int64, required bool) (int64, error) {
	p := model.Parameter(inst.Parameters, name)
	if p == nil {
		if required {
			return 0, fmt.Errorf("%w: %s classifier %q missing parameter %q",
				ErrUnsupportedClassifier, inst.Definition, inst.Name, name)
		}
		return -1, nil
	}
	if p.Int == nil || *p.Int < lo || *p.Int > hi {
		return 0, fmt.Errorf("%w: %s classifier %q parameter %q must be an integer in [%d, %d]",
			ErrUnsupportedClassifier, inst.Definition, inst.Name, name, lo, hi)
	}
	return *p.Int, nil
}

func portParam(inst *model.ClassifierInstance, single, rng string) ([]flows.PortMask, error) {
	port, err := intParam(inst, single, 0, 0xffff, false)
	if err != nil {
		return nil, err
	}
	r := model.Parameter(inst.Parameters, rng)
	if port >= 0 && r != nil {
		return nil, fmt.Errorf("%w: l4 classifier %q sets both %q and %q",
			ErrUnsupportedClassifier, inst.Name, single, rng)
	}
	if port >= 0 {
		return []flows.PortMask{flows.ExactPort(uint16(port))}, nil
	}
	if r == nil {
		return nil, nil
	}
	if r.Range == nil || r.Range.Min < 0 || r.Range.Max > 0xffff || r.Range.Min > r.Range.Max {
		return nil, fmt.Errorf("%w: l4 classifier %q has invalid %q", ErrUnsupportedClassifier, inst.Name, rng)
	}
	return flows.PortRangeMasks(uint16(r.Range.Min), uint16(r.Range.Max)), nil
}

// reversed returns the classification of the return traffic.
func (c classification) reversed() classification {
	r := c
	r.srcPorts, r.dstPorts = c.dstPorts, c.srcPorts
	return r
}

type matchAdder func(flows.MatchCriteria) flows.MatchCriteria

// expand returns one match per combination of the classification's values,
// each starting from base.  Prefixes are only combined with the ether type of
// their own family.
func (c classification) expand(base flows.MatchCriteria, srcPrefixes, dstPrefixes []netip.Prefix) []flows.MatchCriteria {
	protos := c.protos
	if len(protos) == 0 && len(c.srcPorts)+len(c.dstPorts) > 0 {
		protos = []uint8{ProtoTCP, ProtoUDP}
	}
	ethTypes := c.etherTypes
	if len(ethTypes) == 0 && len(protos)+len(srcPrefixes)+len(dstPrefixes) > 0 {
		ethTypes = []uint16{EtherTypeIPv4, EtherTypeIPv6}
	}
	if len(ethTypes) == 0 {
		return []flows.MatchCriteria{base}
	}

	var out []flows.MatchCriteria
	for _, et := range ethTypes {
		isIP := et == EtherTypeIPv4 || et == EtherTypeIPv6
		if !isIP && len(protos)+len(srcPrefixes)+len(dstPrefixes) > 0 {
			continue
		}
		srcs := prefixAdders(srcPrefixes, et, flows.MatchCriteria.IPSrc)
		dsts := prefixAdders(dstPrefixes, et, flows.MatchCriteria.IPDst)
		if (len(srcPrefixes) > 0 && len(srcs) == 0) || (len(dstPrefixes) > 0 && len(dsts) == 0) {
			continue
		}
		dims := [][]matchAdder{
			{func(m flows.MatchCriteria) flows.MatchCriteria { return m.EthType(et) }},
			protoAdders(protos),
			srcs,
			dsts,
			portAdders(c.srcPorts, flows.MatchCriteria.L4SrcPort),
			portAdders(c.dstPorts, flows.MatchCriteria.L4DstPort),
		}
		out = append(out, crossProduct(base, dims)...)
	}
	return out
}

func protoAdders(protos []uint8) []matchAdder {
	var out []matchAdder
	for _, p := range protos {
		out = append(out, func(m flows.MatchCriteria) flows.MatchCriteria { return m.IPProto(p) })
	}
	return out
}

func prefixAdders(prefixes []netip.Prefix, et uint16, f func(flows.MatchCriteria, netip.Prefix) flows.MatchCriteria) []matchAdder {
	var out []matchAdder
	for _, p := range prefixes {
		if etherTypeOf(p.Addr()) != et {
			continue
		}
		out = append(out, func(m flows.MatchCriteria) flows.MatchCriteria { return f(m, p) })
	}
	return out
}

func portAdders(ports []flows.PortMask, f func(flows.MatchCriteria, flows.PortMask) flows.MatchCriteria) []matchAdder {
	var out []matchAdder
	for _, pm := range ports {
		out = append(out, func(m flows.MatchCriteria) flows.MatchCriteria { return f(m, pm) })
	}
	return out
}

// crossProduct applies one adder from each non-empty dimension, in every
// combination.
func crossProduct(base flows.MatchCriteria, dims [][]matchAdder) []flows.MatchCriteria {
	out := []flows.MatchCriteria{slices.Clone(base)}
	for _, dim := range dims {
		if len(dim) == 0 {
			continue
		}
		next := make([]flows.MatchCriteria, 0, len(out)*len(dim))
		for _, m := range out {
			for _, add := range dim {
				next = append(next, add(slices.Clone(m)))
			}
		}
		out = next
	}
	return out
}

// ruleAllows returns the verdict of a rule's actions.  The first action in
// order decides; a rule with no actions allows.
func ruleAllows(t *model.Tenant, refs []model.ActionRef) (bool, error) {
	if len(refs) == 0 {
		return true, nil
	}
	sorted := slices.Clone(refs)
	slices.SortStableFunc(sorted, func(a, b model.ActionRef) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	inst := t.ActionInstance(sorted[0].Name)
	if inst == nil {
		return false, fmt.Errorf("%w: no action instance %q in tenant %s", ErrUnsupportedAction, sorted[0].Name, t.ID)
	}
	switch inst.Definition {
	case ActionAllow:
		return true, nil
	case ActionDeny:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q (instance %q)", ErrUnsupportedAction, inst.Definition, inst.Name)
}

// classifiersFor returns the classifiers of a rule that apply to traffic in
// direction d, relative to the consumer.
func classifiersFor(refs []model.ClassifierRef, d model.Direction) []model.ClassifierRef {
	var out []model.ClassifierRef
	for _, r := range refs {
		eff := r.Direction.Effective()
		if eff == d || eff == model.DirectionBidirectional {
			out = append(out, r)
		}
	}
	return out
}

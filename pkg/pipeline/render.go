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

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

// StageError records one stage failing for one switch or endpoint.  The
// stage's contribution for that switch or endpoint is omitted from the pass.
type StageError struct {
	Stage    string
	Switch   model.NodeID
	Endpoint *model.EndpointKey
	Err      error
}

func (e *StageError) Error() string {
	if e.Endpoint != nil {
		return fmt.Sprintf("stage %s failed for endpoint %v on %s: %v", e.Stage, *e.Endpoint, e.Switch, e.Err)
	}
	return fmt.Sprintf("stage %s failed for switch %s: %v", e.Stage, e.Switch, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RenderSwitch runs every stage's switch-level compilation for sw.
func (p *Pipeline) RenderSwitch(ctx *RenderContext, sw *model.Switch, out *flows.FlowMap) []*StageError {
	var errs []*StageError
	for i, stage := range p.stages {
		scratch := flows.NewFlowMap()
		err := runStage(func() error {
			return stage.SyncSwitch(ctx, ctx.Tables.ID(uint8(i)), sw, scratch)
		})
		if err != nil {
			errs = append(errs, &StageError{Stage: stage.Name(), Switch: sw.ID, Err: err})
			continue
		}
		out.Merge(scratch)
	}
	return errs
}

// RenderEndpoint runs every stage, in order, for one located endpoint.  Each
// stage writes into a scratch map that is only merged into out if the stage
// succeeds, so a failing stage contributes nothing.
func (p *Pipeline) RenderEndpoint(ctx *RenderContext, ep *EndpointInfo, out *flows.FlowMap) []*StageError {
	var errs []*StageError
	for i, stage := range p.stages {
		scratch := flows.NewFlowMap()
		err := runStage(func() error {
			return stage.SyncEndpoint(ctx, ctx.Tables.ID(uint8(i)), ep, scratch)
		})
		if err != nil {
			key := ep.Endpoint.Key
			errs = append(errs, &StageError{Stage: stage.Name(), Switch: ep.Node(), Endpoint: &key, Err: err})
			continue
		}
		out.Merge(scratch)
	}
	return errs
}

// runStage converts a panic in a stage into an error.
func runStage(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Stage panicked")
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return f()
}

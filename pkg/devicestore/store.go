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

// Package devicestore persists the flow and group state of each device.
// Writes are grouped into transactions that are submitted or cancelled as a
// unit; a transaction whose read baseline changed underneath it fails with
// ErrConflict.
package devicestore

import (
	"context"
	"errors"
	"slices"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var (
	ErrConflict    = errors.New("device state changed since it was read")
	ErrTxnClosed   = errors.New("transaction already submitted or cancelled")
	ErrTxnTooLarge = errors.New("transaction exceeds the datastore's operation limit")
)

type Store interface {
	NewTxn(ctx context.Context) (Txn, error)
	Close() error
}

// Txn reads device state and buffers writes.  Writes are applied at Submit,
// deletes before puts.
type Txn interface {
	// ReadFlows returns the persisted flows of one table keyed by their stored
	// equivalence key.
	ReadFlows(ctx context.Context, sw model.NodeID, table uint8) (map[string]*flows.Flow, error)
	PutFlow(sw model.NodeID, f *flows.Flow)
	DeleteFlow(sw model.NodeID, table uint8, key string)

	ReadGroups(ctx context.Context, sw model.NodeID) (map[uint32]*flows.Group, error)
	PutGroup(sw model.NodeID, g *flows.Group)
	DeleteGroup(sw model.NodeID, id uint32)

	// ReadOwnedTables returns the table ids last recorded as written by the
	// pipeline on sw, sorted, or nil if none were recorded.
	ReadOwnedTables(ctx context.Context, sw model.NodeID) ([]uint8, error)
	PutOwnedTables(sw model.NodeID, tables []uint8)

	// NumOps returns the number of buffered writes.
	NumOps() int
	Submit(ctx context.Context) error
	Cancel()
}

type opKind int

const (
	opDeleteFlow opKind = iota
	opPutFlow
	opDeleteGroup
	opPutGroup
	opPutOwnedTables
)

type op struct {
	kind    opKind
	sw      model.NodeID
	table   uint8
	key     string
	flow    *flows.Flow
	groupID uint32
	group   *flows.Group
	tables  []uint8
}

// opBuffer is the write side shared by the store implementations.
type opBuffer struct {
	ops    []op
	closed bool
}

func (b *opBuffer) PutFlow(sw model.NodeID, f *flows.Flow) {
	b.ops = append(b.ops, op{kind: opPutFlow, sw: sw, table: f.TableID, key: f.Key(), flow: f.Copy()})
}

func (b *opBuffer) DeleteFlow(sw model.NodeID, table uint8, key string) {
	b.ops = append(b.ops, op{kind: opDeleteFlow, sw: sw, table: table, key: key})
}

func (b *opBuffer) PutGroup(sw model.NodeID, g *flows.Group) {
	b.ops = append(b.ops, op{kind: opPutGroup, sw: sw, groupID: g.ID, group: g.Copy()})
}

func (b *opBuffer) DeleteGroup(sw model.NodeID, id uint32) {
	b.ops = append(b.ops, op{kind: opDeleteGroup, sw: sw, groupID: id})
}

func (b *opBuffer) PutOwnedTables(sw model.NodeID, tables []uint8) {
	tables = slices.Clone(tables)
	slices.Sort(tables)
	b.ops = append(b.ops, op{kind: opPutOwnedTables, sw: sw, tables: slices.Compact(tables)})
}

func (b *opBuffer) NumOps() int {
	return len(b.ops)
}

// ordered returns the buffered ops with deletes first, otherwise preserving
// submission order.
func (b *opBuffer) ordered() []op {
	out := make([]op, 0, len(b.ops))
	for _, o := range b.ops {
		if o.kind == opDeleteFlow || o.kind == opDeleteGroup {
			out = append(out, o)
		}
	}
	for _, o := range b.ops {
		if o.kind != opDeleteFlow && o.kind != opDeleteGroup {
			out = append(out, o)
		}
	}
	return out
}

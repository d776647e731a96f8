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

package devicestore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxTxnOps matches etcd's default --max-txn-ops.
const DefaultMaxTxnOps = 128

// Key layout, below the configured prefix:
//
//	/devices/<switch>/tables/<table>/rev          bumped on every table commit
//	/devices/<switch>/tables/<table>/flows/<key>  one flow, JSON
//	/devices/<switch>/groups-rev                  bumped on every group commit
//	/devices/<switch>/groups/<id>                 one group, JSON
//	/devices/<switch>/owned-tables                table ids written by the pipeline, JSON
func tablePrefix(prefix string, sw model.NodeID, table uint8) string {
	return fmt.Sprintf("%s/devices/%s/tables/%d", prefix, sw, table)
}

func tableRevKey(prefix string, sw model.NodeID, table uint8) string {
	return tablePrefix(prefix, sw, table) + "/rev"
}

func flowsPrefix(prefix string, sw model.NodeID, table uint8) string {
	return tablePrefix(prefix, sw, table) + "/flows/"
}

func flowKey(prefix string, sw model.NodeID, table uint8, key string) string {
	return flowsPrefix(prefix, sw, table) + key
}

func groupsRevKey(prefix string, sw model.NodeID) string {
	return fmt.Sprintf("%s/devices/%s/groups-rev", prefix, sw)
}

func groupsPrefix(prefix string, sw model.NodeID) string {
	return fmt.Sprintf("%s/devices/%s/groups/", prefix, sw)
}

func groupKey(prefix string, sw model.NodeID, id uint32) string {
	return groupsPrefix(prefix, sw) + strconv.FormatUint(uint64(id), 10)
}

func ownedTablesKey(prefix string, sw model.NodeID) string {
	return fmt.Sprintf("%s/devices/%s/owned-tables", prefix, sw)
}

// EtcdStore keeps device state in etcd, for device agents that watch it.
// Each table and each switch's group set carries a revision key; a commit
// compares the revision it read and bumps it, so concurrent writers to the
// same unit cannot interleave.
//
// A unit is always committed in one etcd transaction.  A unit needing more
// operations than the server allows fails with ErrTxnTooLarge; the limit
// must then be raised on both sides.
type EtcdStore struct {
	client    *clientv3.Client
	prefix    string
	maxTxnOps int
}

type EtcdOption func(*EtcdStore)

// WithMaxTxnOps sets the per-transaction operation limit; it should match the
// server's --max-txn-ops.
func WithMaxTxnOps(n int) EtcdOption {
	return func(s *EtcdStore) {
		if n > 0 {
			s.maxTxnOps = n
		}
	}
}

func NewEtcdStore(client *clientv3.Client, prefix string, opts ...EtcdOption) *EtcdStore {
	s := &EtcdStore{
		client:    client,
		prefix:    strings.TrimSuffix(prefix, "/"),
		maxTxnOps: DefaultMaxTxnOps,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *EtcdStore) NewTxn(ctx context.Context) (Txn, error) {
	return &etcdTxn{
		store:     s,
		revisions: map[string]int64{},
	}, nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

type etcdTxn struct {
	opBuffer
	store *EtcdStore

	// Mod revision of each revision key seen by a read; 0 if absent.
	revisions map[string]int64
}

func (t *etcdTxn) ReadFlows(ctx context.Context, sw model.NodeID, table uint8) (map[string]*flows.Flow, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	p := t.store.prefix
	resp, err := t.store.client.Get(ctx, tablePrefix(p, sw, table)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to read table %d of %s: %w", table, sw, err)
	}
	revKey := tableRevKey(p, sw, table)
	fp := flowsPrefix(p, sw, table)
	t.revisions[revKey] = 0
	out := map[string]*flows.Flow{}
	for _, kv := range resp.Kvs {
		k := string(kv.Key)
		if k == revKey {
			t.revisions[revKey] = kv.ModRevision
			continue
		}
		storedKey, ok := strings.CutPrefix(k, fp)
		if !ok {
			continue
		}
		var f flows.Flow
		if err := json.Unmarshal(kv.Value, &f); err != nil {
			// Keep the key so the reconciler deletes the junk.
			log.WithError(err).WithField("key", k).Warn("Failed to decode stored flow")
			f = flows.Flow{TableID: table, ID: "undecodable"}
		}
		out[storedKey] = &f
	}
	return out, nil
}

func (t *etcdTxn) ReadGroups(ctx context.Context, sw model.NodeID) (map[uint32]*flows.Group, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	p := t.store.prefix
	revKey := groupsRevKey(p, sw)
	resp, err := t.store.client.Txn(ctx).Then(
		clientv3.OpGet(revKey),
		clientv3.OpGet(groupsPrefix(p, sw), clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to read groups of %s: %w", sw, err)
	}
	t.revisions[revKey] = 0
	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
		t.revisions[revKey] = kvs[0].ModRevision
	}
	out := map[uint32]*flows.Group{}
	gp := groupsPrefix(p, sw)
	for _, kv := range resp.Responses[1].GetResponseRange().GetKvs() {
		idStr, _ := strings.CutPrefix(string(kv.Key), gp)
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			log.WithError(err).WithField("key", string(kv.Key)).Warn("Ignoring group with malformed id")
			continue
		}
		var g flows.Group
		if err := json.Unmarshal(kv.Value, &g); err != nil {
			log.WithError(err).WithField("key", string(kv.Key)).Warn("Failed to decode stored group")
		}
		g.ID = uint32(id)
		out[g.ID] = &g
	}
	return out, nil
}

func (t *etcdTxn) ReadOwnedTables(ctx context.Context, sw model.NodeID) ([]uint8, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	key := ownedTablesKey(t.store.prefix, sw)
	resp, err := t.store.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read owned tables of %s: %w", sw, err)
	}
	t.revisions[key] = 0
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	kv := resp.Kvs[0]
	t.revisions[key] = kv.ModRevision
	tables, err := decodeOwnedTables(kv.Value)
	if err != nil {
		// Treated as unrecorded; the next successful pass rewrites it.
		log.WithError(err).WithField("key", key).Warn("Failed to decode owned tables record")
		return nil, nil
	}
	return tables, nil
}

// Table ids are stored as a JSON array of numbers; a plain []uint8 would
// encode as base64.
func encodeOwnedTables(tables []uint8) ([]byte, error) {
	ids := make([]int, len(tables))
	for i, t := range tables {
		ids[i] = int(t)
	}
	return json.Marshal(ids)
}

func decodeOwnedTables(raw []byte) ([]uint8, error) {
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	out := make([]uint8, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id > 255 {
			return nil, fmt.Errorf("table id %d out of range", id)
		}
		out = append(out, uint8(id))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (t *etcdTxn) Submit(ctx context.Context) error {
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true
	if len(t.ops) == 0 {
		return nil
	}
	cmps, etcdOps, err := t.build()
	if err != nil {
		return err
	}
	resp, err := t.store.client.Txn(ctx).If(cmps...).Then(etcdOps...).Commit()
	if err != nil {
		return fmt.Errorf("device transaction failed: %w", err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	log.WithField("ops", len(etcdOps)).Debug("Committed etcd device transaction")
	return nil
}

// build turns the buffered writes into one guarded etcd transaction: a
// compare per unit read by this transaction, the writes, and a bump of every
// touched revision key.
func (t *etcdTxn) build() ([]clientv3.Cmp, []clientv3.Op, error) {
	p := t.store.prefix

	var etcdOps []clientv3.Op
	touchedRevs := map[string]bool{}
	guarded := map[string]bool{}
	for _, o := range t.ordered() {
		switch o.kind {
		case opDeleteFlow:
			etcdOps = append(etcdOps, clientv3.OpDelete(flowKey(p, o.sw, o.table, o.key)))
			touchedRevs[tableRevKey(p, o.sw, o.table)] = true
		case opPutFlow:
			v, err := json.Marshal(o.flow)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode flow %v: %w", o.flow, err)
			}
			etcdOps = append(etcdOps, clientv3.OpPut(flowKey(p, o.sw, o.table, o.key), string(v)))
			touchedRevs[tableRevKey(p, o.sw, o.table)] = true
		case opDeleteGroup:
			etcdOps = append(etcdOps, clientv3.OpDelete(groupKey(p, o.sw, o.groupID)))
			touchedRevs[groupsRevKey(p, o.sw)] = true
		case opPutGroup:
			v, err := json.Marshal(o.group)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode group %v: %w", o.group, err)
			}
			etcdOps = append(etcdOps, clientv3.OpPut(groupKey(p, o.sw, o.groupID), string(v)))
			touchedRevs[groupsRevKey(p, o.sw)] = true
		case opPutOwnedTables:
			// The record is its own revision key.
			key := ownedTablesKey(p, o.sw)
			if len(o.tables) == 0 {
				etcdOps = append(etcdOps, clientv3.OpDelete(key))
			} else {
				v, err := encodeOwnedTables(o.tables)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to encode owned tables of %s: %w", o.sw, err)
				}
				etcdOps = append(etcdOps, clientv3.OpPut(key, string(v)))
			}
			guarded[key] = true
		}
	}

	var cmps []clientv3.Cmp
	stamp := uuid.NewString()
	for revKey := range touchedRevs {
		etcdOps = append(etcdOps, clientv3.OpPut(revKey, stamp))
		guarded[revKey] = true
	}
	for key := range guarded {
		if rev, ok := t.revisions[key]; ok {
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", rev))
		}
	}
	if len(etcdOps) > t.store.maxTxnOps {
		return nil, nil, fmt.Errorf("%w: %d operations, limit %d", ErrTxnTooLarge, len(etcdOps), t.store.maxTxnOps)
	}
	return cmps, etcdOps, nil
}

func (t *etcdTxn) Cancel() {
	t.closed = true
	t.ops = nil
}

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

package policysource

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key layout, below the configured prefix:
//
//	/policy/tenants/<tenant>                one tenant, JSON
//	/policy/endpoints/<l2context>/<mac>     one endpoint, JSON
//	/policy/switches/<switch>               one switch with readiness, JSON
//	/policy/config/table-offset             runtime table offset, JSON number
type kind int

const (
	kindTenant kind = iota
	kindEndpoint
	kindSwitch
	kindConfig
)

var kindDirs = map[kind]string{
	kindTenant:   "tenants",
	kindEndpoint: "endpoints",
	kindSwitch:   "switches",
	kindConfig:   "config",
}

const configTableOffset = "table-offset"

func policyRoot(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/policy/"
}

func TenantKey(prefix string, id model.TenantID) string {
	return policyRoot(prefix) + "tenants/" + string(id)
}

func EndpointKey(prefix string, key model.EndpointKey) string {
	return policyRoot(prefix) + "endpoints/" + string(key.L2Context) + "/" + key.MAC
}

func SwitchKey(prefix string, id model.NodeID) string {
	return policyRoot(prefix) + "switches/" + string(id)
}

func TableOffsetKey(prefix string) string {
	return policyRoot(prefix) + "config/" + configTableOffset
}

// parseKey returns the kind and the name below the kind's directory.
func parseKey(prefix, key string) (kind, string, bool) {
	rest, ok := strings.CutPrefix(key, policyRoot(prefix))
	if !ok {
		return 0, "", false
	}
	dir, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return 0, "", false
	}
	for k, d := range kindDirs {
		if d == dir {
			return k, name, true
		}
	}
	return 0, "", false
}

// etcdState is the decoded contents of the policy tree, keyed by etcd key
// suffix.
type etcdState struct {
	tenants   map[string]*model.Tenant
	endpoints map[string]*model.Endpoint
	switches  map[string]SwitchState
	config    RuntimeConfig
}

func newEtcdState() *etcdState {
	return &etcdState{
		tenants:   map[string]*model.Tenant{},
		endpoints: map[string]*model.Endpoint{},
		switches:  map[string]SwitchState{},
	}
}

// apply records one key.  A value that fails to decode is reported and
// leaves the previously accepted value for the key in place.
func (st *etcdState) apply(k kind, name string, value []byte, deleted bool) error {
	var err error
	switch k {
	case kindTenant:
		if deleted {
			delete(st.tenants, name)
			break
		}
		t := &model.Tenant{}
		if err = json.Unmarshal(value, t); err == nil {
			st.tenants[name] = t
		}
	case kindEndpoint:
		if deleted {
			delete(st.endpoints, name)
			break
		}
		ep := &model.Endpoint{}
		if err = json.Unmarshal(value, ep); err == nil {
			st.endpoints[name] = ep
		}
	case kindSwitch:
		if deleted {
			delete(st.switches, name)
			break
		}
		var sw SwitchState
		if err = json.Unmarshal(value, &sw); err == nil {
			st.switches[name] = sw
		}
	case kindConfig:
		if name != configTableOffset {
			err = errors.New("unknown setting")
			break
		}
		if deleted {
			st.config.TableOffset = nil
			break
		}
		var offset int
		if err = json.Unmarshal(value, &offset); err == nil {
			st.config.TableOffset = &offset
		}
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", kindDirs[k], name, err)
	}
	return nil
}

func (st *etcdState) deliver(cbs Callbacks, kinds set.Set[kind]) {
	if kinds.Contains(kindTenant) {
		keys := slices.Sorted(maps.Keys(st.tenants))
		out := make([]*model.Tenant, 0, len(keys))
		for _, k := range keys {
			out = append(out, st.tenants[k])
		}
		cbs.OnTenants(out)
	}
	if kinds.Contains(kindEndpoint) {
		keys := slices.Sorted(maps.Keys(st.endpoints))
		out := make([]*model.Endpoint, 0, len(keys))
		for _, k := range keys {
			out = append(out, st.endpoints[k])
		}
		cbs.OnEndpoints(out)
	}
	if kinds.Contains(kindSwitch) {
		keys := slices.Sorted(maps.Keys(st.switches))
		out := make([]SwitchState, 0, len(keys))
		for _, k := range keys {
			out = append(out, st.switches[k])
		}
		cbs.OnSwitches(out)
	}
	if kinds.Contains(kindConfig) {
		deliverConfig(cbs, st.config)
	}
}

var allKinds = set.From(kindTenant, kindEndpoint, kindSwitch, kindConfig)

// EtcdSource reads the policy tree from etcd and follows it with a watch.
// After a compaction or watch failure it reloads the whole tree.
type EtcdSource struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string

	resyncDelay time.Duration
}

func NewEtcdSource(client *clientv3.Client, prefix string) *EtcdSource {
	return &EtcdSource{
		kv:          client,
		watcher:     client,
		prefix:      prefix,
		resyncDelay: time.Second,
	}
}

func (s *EtcdSource) Start(ctx context.Context, cbs Callbacks) error {
	st, rev, err := s.load(ctx)
	if err != nil {
		return err
	}
	st.deliver(cbs, allKinds)
	go s.watchLoop(ctx, st, rev, cbs)
	return nil
}

func (s *EtcdSource) load(ctx context.Context) (*etcdState, int64, error) {
	var resp *clientv3.GetResponse
	err := retry.Do(
		func() (err error) {
			resp, err = s.kv.Get(ctx, policyRoot(s.prefix), clientv3.WithPrefix())
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.WithError(err).WithField("attempt", attempt).Warn("Failed to load policy from etcd, retrying")
		}),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load policy from etcd: %w", err)
	}
	st := newEtcdState()
	for _, kv := range resp.Kvs {
		k, name, ok := parseKey(s.prefix, string(kv.Key))
		if !ok {
			continue
		}
		if err := st.apply(k, name, kv.Value, false); err != nil {
			log.WithError(err).Warn("Ignoring undecodable policy entry")
		}
	}
	log.WithFields(log.Fields{
		"revision":  resp.Header.Revision,
		"tenants":   len(st.tenants),
		"endpoints": len(st.endpoints),
		"switches":  len(st.switches),
	}).Info("Loaded policy from etcd")
	return st, resp.Header.Revision, nil
}

func (s *EtcdSource) watchLoop(ctx context.Context, st *etcdState, rev int64, cbs Callbacks) {
	for {
		compacted := s.watch(ctx, st, &rev, cbs)
		if ctx.Err() != nil {
			return
		}

		// A compacted watch can resync straight away; anything else may be
		// an etcd outage so back off first.
		if !compacted {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.resyncDelay):
			}
		}
		fresh, freshRev, err := s.load(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to resync policy from etcd")
			continue
		}
		st, rev = fresh, freshRev
		st.deliver(cbs, allKinds)
	}
}

// watch follows the tree from rev+1 until the watch fails or ctx ends.  It
// reports whether the watch ended because rev+1 was compacted away.
func (s *EtcdSource) watch(ctx context.Context, st *etcdState, rev *int64, cbs Callbacks) bool {
	wch := s.watcher.Watch(clientv3.WithRequireLeader(ctx), policyRoot(s.prefix),
		clientv3.WithPrefix(), clientv3.WithRev(*rev+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			if isCompacted(err, wresp.CompactRevision) {
				log.WithField("revision", *rev).Info("Policy watch revision compacted, resyncing")
				return true
			}
			log.WithError(err).Warn("Policy watch failed, will resync")
			return false
		}
		dirty := set.New[kind]()
		for _, ev := range wresp.Events {
			k, name, ok := parseKey(s.prefix, string(ev.Kv.Key))
			if !ok {
				continue
			}
			dirty.Add(k)
			if err := st.apply(k, name, ev.Kv.Value, ev.Type == clientv3.EventTypeDelete); err != nil {
				log.WithError(err).Warn("Ignoring undecodable policy entry")
			}
		}
		*rev = wresp.Header.Revision
		st.deliver(cbs, dirty)
	}
	return false
}

func isCompacted(err error, compactRev int64) bool {
	return compactRev != 0 || errors.Is(err, rpctypes.ErrCompacted)
}

// Publish writes every object in w to etcd.  Existing keys for other objects
// are left alone.
func Publish(ctx context.Context, kv clientv3.KV, prefix string, w *World) error {
	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := kv.Put(ctx, key, string(data)); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
		return nil
	}
	for _, t := range w.Tenants {
		if err := put(TenantKey(prefix, t.ID), t); err != nil {
			return err
		}
	}
	for _, ep := range w.Endpoints {
		if err := put(EndpointKey(prefix, ep.Key), ep); err != nil {
			return err
		}
	}
	for _, sw := range w.Switches {
		if err := put(SwitchKey(prefix, sw.ID), sw); err != nil {
			return err
		}
	}
	if w.Config.TableOffset != nil {
		if err := put(TableOffsetKey(prefix), *w.Config.TableOffset); err != nil {
			return err
		}
	}
	return nil
}

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
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/inventory"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
)

const worldYAML = `
tenants:
- id: T1
  endpointGroups:
  - id: app
    consumerNamedSelectors:
    - name: c
      contracts: [C1]
  - id: web
    providerNamedSelectors:
    - name: p
      contracts: [C1]
  contracts:
  - id: C1
    subjects:
    - name: s1
      rules:
      - name: r1
    clauses:
    - name: cl
      subjects: [s1]
endpoints:
- key: {l2Context: bd, mac: "00:00:00:00:00:01"}
  tenant: T1
  endpointGroups: [app]
  l3Addresses:
  - {l3Context: l3, ip: 10.0.0.1}
  location: {node: sw1, port: 1}
switches:
- id: sw1
  tunnelIp: 192.168.0.1
  tunnelPort: 10
  ready: true
- id: sw2
  ready: false
`

type recorder struct {
	lock      sync.Mutex
	tenants   [][]*model.Tenant
	endpoints [][]*model.Endpoint
	switches  [][]SwitchState
	configs   []RuntimeConfig
}

func (r *recorder) OnConfig(cfg RuntimeConfig) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.configs = append(r.configs, cfg)
}

func (r *recorder) lastTableOffset() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.configs) == 0 || r.configs[len(r.configs)-1].TableOffset == nil {
		return -1
	}
	return *r.configs[len(r.configs)-1].TableOffset
}

func (r *recorder) OnTenants(ts []*model.Tenant) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.tenants = append(r.tenants, ts)
}

func (r *recorder) OnEndpoints(eps []*model.Endpoint) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.endpoints = append(r.endpoints, eps)
}

func (r *recorder) OnSwitches(sws []SwitchState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.switches = append(r.switches, sws)
}

func (r *recorder) numTenantUpdates() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.tenants)
}

func (r *recorder) lastTenantID() model.TenantID {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.tenants) == 0 || len(r.tenants[len(r.tenants)-1]) == 0 {
		return ""
	}
	return r.tenants[len(r.tenants)-1][0].ID
}

var _ = Describe("ParseWorld", func() {
	It("should parse a world file", func() {
		w, err := ParseWorld([]byte(worldYAML))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Tenants).To(HaveLen(1))
		Expect(w.Tenants[0].EndpointGroups).To(HaveLen(2))
		Expect(w.Endpoints[0].Location.Node).To(Equal(model.NodeID("sw1")))
		Expect(w.Switches).To(Equal([]SwitchState{
			{Switch: model.Switch{ID: "sw1", TunnelIP: "192.168.0.1", TunnelPort: 10}, Ready: true},
			{Switch: model.Switch{ID: "sw2"}},
		}))
	})

	It("should reject unknown fields", func() {
		_, err := ParseWorld([]byte("tenants:\n- id: T1\n  bogus: 1\n"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("FileSource", func() {
	var (
		dir    string
		path   string
		rec    *recorder
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "world.yaml")
		Expect(os.WriteFile(path, []byte(worldYAML), 0o644)).To(Succeed())
		rec = &recorder{}
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("should deliver the initial contents", func() {
		Expect(NewFileSource(path).Start(ctx, rec)).To(Succeed())
		Expect(rec.numTenantUpdates()).To(Equal(1))
		Expect(rec.endpoints).To(HaveLen(1))
		Expect(rec.switches).To(HaveLen(1))
		Expect(rec.configs).To(Equal([]RuntimeConfig{{}}))
	})

	It("should deliver a changed table offset", func() {
		Expect(NewFileSource(path).Start(ctx, rec)).To(Succeed())
		replaceFile(path, worldYAML+"config:\n  tableOffset: 100\n")
		Eventually(rec.lastTableOffset, "5s", "20ms").Should(Equal(100))
	})

	It("should fail to start on a missing file", func() {
		Expect(NewFileSource(filepath.Join(dir, "missing.yaml")).Start(ctx, rec)).NotTo(Succeed())
	})

	It("should reload on change and ignore broken contents", func() {
		Expect(NewFileSource(path).Start(ctx, rec)).To(Succeed())

		replaceFile(path, "tenants: [{")
		Consistently(rec.numTenantUpdates, "200ms", "20ms").Should(Equal(1))

		replaceFile(path, "tenants:\n- id: T2\n")
		Eventually(rec.lastTenantID, "5s", "20ms").Should(Equal(model.TenantID("T2")))
		Expect(rec.numTenantUpdates()).To(Equal(2))
	})

	It("should not redeliver identical contents", func() {
		Expect(NewFileSource(path).Start(ctx, rec)).To(Succeed())
		replaceFile(path, worldYAML)
		Consistently(rec.numTenantUpdates, "200ms", "20ms").Should(Equal(1))
	})
})

// replaceFile swaps in new contents by rename so the watcher never sees a
// truncated file.
func replaceFile(path, contents string) {
	tmp := filepath.Join(filepath.Dir(path), ".world.yaml.tmp")
	ExpectWithOffset(1, os.WriteFile(tmp, []byte(contents), 0o644)).To(Succeed())
	ExpectWithOffset(1, os.Rename(tmp, path)).To(Succeed())
}

var _ = DescribeTable("watch compaction",
	func(err error, compactRev int64, expected bool) {
		Expect(isCompacted(err, compactRev)).To(Equal(expected))
	},
	Entry("compacted error", rpctypes.ErrCompacted, int64(0), true),
	Entry("wrapped compacted error", fmt.Errorf("watch: %w", rpctypes.ErrCompacted), int64(0), true),
	Entry("compact revision set", errors.New("closed"), int64(42), true),
	Entry("other failure", rpctypes.ErrNoLeader, int64(0), false),
)

var _ = Describe("etcd key layout", func() {
	It("should round trip keys", func() {
		k, name, ok := parseKey("/gbp", TenantKey("/gbp", "T1"))
		Expect(ok).To(BeTrue())
		Expect(k).To(Equal(kindTenant))
		Expect(name).To(Equal("T1"))

		k, name, ok = parseKey("/gbp/", EndpointKey("/gbp", model.EndpointKey{L2Context: "bd", MAC: "00:00:00:00:00:01"}))
		Expect(ok).To(BeTrue())
		Expect(k).To(Equal(kindEndpoint))
		Expect(name).To(Equal("bd/00:00:00:00:00:01"))

		k, _, ok = parseKey("/gbp", SwitchKey("/gbp", "sw1"))
		Expect(ok).To(BeTrue())
		Expect(k).To(Equal(kindSwitch))

		k, name, ok = parseKey("/gbp", TableOffsetKey("/gbp"))
		Expect(ok).To(BeTrue())
		Expect(k).To(Equal(kindConfig))
		Expect(name).To(Equal("table-offset"))
	})

	DescribeTable("rejects foreign keys",
		func(key string) {
			_, _, ok := parseKey("/gbp", key)
			Expect(ok).To(BeFalse())
		},
		Entry("other prefix", "/other/policy/tenants/T1"),
		Entry("device tree", "/gbp/devices/sw1/groups-rev"),
		Entry("unknown kind", "/gbp/policy/widgets/w1"),
		Entry("no name", "/gbp/policy/tenants/"),
	)
})

var _ = Describe("etcdState", func() {
	It("should apply puts and deletes and deliver only dirty kinds", func() {
		st := newEtcdState()
		Expect(st.apply(kindTenant, "T2", []byte(`{"id":"T2"}`), false)).To(Succeed())
		Expect(st.apply(kindTenant, "T1", []byte(`{"id":"T1"}`), false)).To(Succeed())
		Expect(st.apply(kindSwitch, "sw1", []byte(`{"id":"sw1","ready":true}`), false)).To(Succeed())

		rec := &recorder{}
		st.deliver(rec, set.From(kindTenant))
		Expect(rec.tenants).To(HaveLen(1))
		Expect(rec.switches).To(BeEmpty())
		Expect(rec.tenants[0][0].ID).To(Equal(model.TenantID("T1")))
		Expect(rec.tenants[0][1].ID).To(Equal(model.TenantID("T2")))

		Expect(st.apply(kindTenant, "T1", nil, true)).To(Succeed())
		st.deliver(rec, allKinds)
		Expect(rec.tenants[1]).To(HaveLen(1))
		Expect(rec.switches[0]).To(Equal([]SwitchState{{Switch: model.Switch{ID: "sw1"}, Ready: true}}))
		Expect(rec.endpoints[0]).To(BeEmpty())
	})

	It("should keep the accepted entry when an update does not decode", func() {
		st := newEtcdState()
		Expect(st.apply(kindTenant, "T1", []byte(`{"id":"T1"}`), false)).To(Succeed())
		Expect(st.apply(kindEndpoint, "bd/m", []byte(`{"tenant":"T1"}`), false)).To(Succeed())
		Expect(st.apply(kindSwitch, "sw1", []byte(`{"id":"sw1","ready":true}`), false)).To(Succeed())

		Expect(st.apply(kindTenant, "T1", []byte(`{`), false)).NotTo(Succeed())
		Expect(st.apply(kindEndpoint, "bd/m", []byte(`[]`), false)).NotTo(Succeed())
		Expect(st.apply(kindSwitch, "sw1", []byte(`{"ready":"yes"}`), false)).NotTo(Succeed())

		rec := &recorder{}
		st.deliver(rec, allKinds)
		Expect(rec.tenants[0]).To(HaveLen(1))
		Expect(rec.tenants[0][0].ID).To(Equal(model.TenantID("T1")))
		Expect(rec.endpoints[0]).To(HaveLen(1))
		Expect(rec.switches[0]).To(Equal([]SwitchState{{Switch: model.Switch{ID: "sw1"}, Ready: true}}))

		// A delete still removes it.
		Expect(st.apply(kindTenant, "T1", nil, true)).To(Succeed())
		Expect(st.tenants).To(BeEmpty())
	})

	It("should ignore an undecodable entry it never accepted", func() {
		st := newEtcdState()
		Expect(st.apply(kindTenant, "T1", []byte(`{`), false)).NotTo(Succeed())
		Expect(st.tenants).To(BeEmpty())
	})

	It("should follow the table offset setting", func() {
		st := newEtcdState()
		Expect(st.apply(kindConfig, "table-offset", []byte(`100`), false)).To(Succeed())
		Expect(st.apply(kindConfig, "table-offset", []byte(`"x"`), false)).NotTo(Succeed())
		Expect(st.apply(kindConfig, "colour", []byte(`1`), false)).NotTo(Succeed())

		rec := &recorder{}
		st.deliver(rec, set.From(kindConfig))
		Expect(rec.tenants).To(BeEmpty())
		Expect(rec.lastTableOffset()).To(Equal(100))

		Expect(st.apply(kindConfig, "table-offset", nil, true)).To(Succeed())
		st.deliver(rec, set.From(kindConfig))
		Expect(rec.lastTableOffset()).To(Equal(-1))
	})
})

var _ = Describe("InventorySink", func() {
	It("should feed the tenant cache and inventories", func() {
		triggered := 0
		sink := &InventorySink{
			Tenants:          resolver.NewTenantCache(),
			Endpoints:        inventory.NewEndpointIndex(),
			Switches:         inventory.NewSwitchInventory(),
			OnTenantsChanged: func() { triggered++ },
		}
		w, err := ParseWorld([]byte(worldYAML))
		Expect(err).NotTo(HaveOccurred())

		sink.OnTenants(w.Tenants)
		sink.OnEndpoints(w.Endpoints)
		sink.OnSwitches(w.Switches)

		Expect(triggered).To(Equal(1))
		Expect(sink.Tenants.Get("T1")).NotTo(BeNil())
		Expect(sink.Endpoints.Snapshot().Len()).To(Equal(1))
		sws := sink.Switches.Snapshot()
		Expect(sws.Len()).To(Equal(2))
		Expect(sws.ReadySwitches()).To(Equal([]model.NodeID{"sw1"}))

		// A switch missing from the next snapshot is removed.
		sink.OnSwitches(w.Switches[:1])
		Expect(sink.Switches.Snapshot().Len()).To(Equal(1))
	})

	It("should apply runtime table offsets", func() {
		var applied []int
		sink := &InventorySink{
			DefaultTableOffset: 10,
			SetTableOffset: func(offset int) error {
				if offset > 200 {
					return errors.New("out of range")
				}
				applied = append(applied, offset)
				return nil
			},
		}
		offset := 100
		sink.OnConfig(RuntimeConfig{TableOffset: &offset})
		sink.OnConfig(RuntimeConfig{})
		tooBig := 300
		sink.OnConfig(RuntimeConfig{TableOffset: &tooBig})
		Expect(applied).To(Equal([]int{100, 10}))

		// Without a setter the sink ignores configuration.
		(&InventorySink{}).OnConfig(RuntimeConfig{TableOffset: &offset})
	})
})

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

// Package flows defines the flow and group values programmed into devices,
// the equivalence used to diff them, and the concurrent accumulator that
// pipeline stages write into.
package flows

import (
	"cmp"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// 16 chars of URL-safe base64 gives 96 bits, plenty for one table.
	HashLength = 16

	MaxTableID = 254
)

// Flow is one entry in a device flow table.  ID, Cookie and the counters are
// informational and excluded from equivalence.
type Flow struct {
	ID       string        `json:"id,omitempty"`
	TableID  uint8         `json:"table"`
	Priority uint16        `json:"priority"`
	Match    MatchCriteria `json:"match,omitempty"`
	Actions  []Action      `json:"actions,omitempty"`

	Cookie      uint64 `json:"cookie,omitempty"`
	PacketCount uint64 `json:"packetCount,omitempty"`
	ByteCount   uint64 `json:"byteCount,omitempty"`
}

// Render returns the semantic content of the flow in ovs-ofctl syntax.
func (f *Flow) Render() string {
	return fmt.Sprintf("table=%d,priority=%d,%s actions=%s",
		f.TableID, f.Priority, f.Match.Render(), RenderActions(f.Actions))
}

func (f *Flow) String() string {
	if f.ID == "" {
		return f.Render()
	}
	return fmt.Sprintf("%s[%s]", f.ID, f.Render())
}

// Key is the flow's equivalence key: two flows with the same key program the
// same behaviour.
func (f *Flow) Key() string {
	return hashString(f.Render())
}

// SameMatch reports whether two flows would occupy the same slot in a table,
// i.e. they differ at most in their actions.
func (f *Flow) SameMatch(other *Flow) bool {
	return f.TableID == other.TableID && f.Priority == other.Priority && f.Match.Render() == other.Match.Render()
}

func (f *Flow) Copy() *Flow {
	cpy := *f
	cpy.Match = slices.Clone(f.Match)
	cpy.Actions = slices.Clone(f.Actions)
	return &cpy
}

type GroupType string

const (
	GroupTypeAll      GroupType = "all"
	GroupTypeSelect   GroupType = "select"
	GroupTypeIndirect GroupType = "indirect"
)

type Bucket struct {
	ID      uint32   `json:"id"`
	Actions []Action `json:"actions,omitempty"`
}

func (b Bucket) Render() string {
	return fmt.Sprintf("bucket_id:%d,actions=%s", b.ID, RenderActions(b.Actions))
}

// Group is a device group.  Buckets are kept sorted by ID so that groups
// assembled from contributions in any order compare equal.
type Group struct {
	ID      uint32    `json:"id"`
	Type    GroupType `json:"type"`
	Buckets []Bucket  `json:"buckets,omitempty"`
}

func (g *Group) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "group_id=%d,type=%s", g.ID, g.Type)
	for _, bucket := range g.Buckets {
		b.WriteString(",")
		b.WriteString(bucket.Render())
	}
	return b.String()
}

func (g *Group) String() string {
	return g.Render()
}

func (g *Group) Key() string {
	return hashString(g.Render())
}

func (g *Group) Copy() *Group {
	cpy := *g
	cpy.Buckets = make([]Bucket, len(g.Buckets))
	for i, b := range g.Buckets {
		cpy.Buckets[i] = Bucket{ID: b.ID, Actions: slices.Clone(b.Actions)}
	}
	return &cpy
}

// MergeBuckets unions buckets into g, keeping one bucket per ID.  When the
// same bucket ID arrives with different actions the lowest rendering wins, so
// the result does not depend on contribution order.
func (g *Group) MergeBuckets(buckets []Bucket) {
	byID := make(map[uint32]Bucket, len(g.Buckets)+len(buckets))
	for _, b := range g.Buckets {
		byID[b.ID] = b
	}
	for _, b := range buckets {
		existing, ok := byID[b.ID]
		if ok {
			newActions, oldActions := RenderActions(b.Actions), RenderActions(existing.Actions)
			if newActions == oldActions {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"group":  g.ID,
				"bucket": b.ID,
			}).Warn("Conflicting bucket contributions, keeping lowest")
			if newActions > oldActions {
				continue
			}
		}
		byID[b.ID] = Bucket{ID: b.ID, Actions: slices.Clone(b.Actions)}
	}
	g.Buckets = g.Buckets[:0]
	for _, b := range byID {
		g.Buckets = append(g.Buckets, b)
	}
	slices.SortFunc(g.Buckets, func(a, b Bucket) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func hashString(s string) string {
	h := sha256.New224()
	_, err := h.Write([]byte(s))
	if err != nil {
		logrus.WithField("fragment", s).WithError(err).Panic("Failed to write fragment to hash.")
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:HashLength]
}

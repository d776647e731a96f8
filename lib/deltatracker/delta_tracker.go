// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deltatracker tracks the difference between a desired set of KVs and
// the KVs that a device currently holds.  Keys are expected to be equivalence
// keys: two values stored under the same key are considered interchangeable
// unless the configured equality function says otherwise.
package deltatracker

import (
	"iter"

	"github.com/sirupsen/logrus"
)

type DeltaTracker[K comparable, V any] struct {
	// The desired and device states overlap heavily, so each region is stored
	// once:
	//
	//    desired state = inDeviceAndDesired + pendingUpdates
	//    device state  = inDeviceAndDesired + inDeviceNotDesired
	//
	// A key in pendingUpdates may also be in inDeviceAndDesired if the device
	// holds a different value for it.
	inDeviceAndDesired map[K]V
	inDeviceNotDesired map[K]V
	pendingUpdates     map[K]V

	valuesEqual func(a, b V) bool
}

type Option[K comparable, V any] func(*DeltaTracker[K, V])

// WithValuesEqualFn overrides the value comparison.  By default, values stored
// under the same key are always treated as equal.
func WithValuesEqualFn[K comparable, V any](f func(a, b V) bool) Option[K, V] {
	return func(t *DeltaTracker[K, V]) {
		t.valuesEqual = f
	}
}

func New[K comparable, V any](opts ...Option[K, V]) *DeltaTracker[K, V] {
	t := &DeltaTracker[K, V]{
		inDeviceAndDesired: map[K]V{},
		inDeviceNotDesired: map[K]V{},
		pendingUpdates:     map[K]V{},
		valuesEqual:        func(a, b V) bool { return true },
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetDesired records that k should be present with value v.
func (t *DeltaTracker[K, V]) SetDesired(k K, v V) {
	if dv, ok := t.inDeviceNotDesired[k]; ok {
		t.inDeviceAndDesired[k] = dv
		delete(t.inDeviceNotDesired, k)
	}
	if cur, ok := t.inDeviceAndDesired[k]; ok && t.valuesEqual(cur, v) {
		delete(t.pendingUpdates, k)
		return
	}
	t.pendingUpdates[k] = v
}

func (t *DeltaTracker[K, V]) GetDesired(k K) (V, bool) {
	if v, ok := t.pendingUpdates[k]; ok {
		return v, true
	}
	v, ok := t.inDeviceAndDesired[k]
	return v, ok
}

// ReplaceDeviceState replaces the tracker's view of the device with the KVs
// yielded by kvs and recomputes the pending updates and deletions.
func (t *DeltaTracker[K, V]) ReplaceDeviceState(kvs iter.Seq2[K, V]) {
	oldInDevice := t.inDeviceAndDesired
	newInDevice := map[K]V{}
	newNotDesired := map[K]V{}

	for k, v := range kvs {
		if dv, desired := t.GetDesired(k); desired {
			newInDevice[k] = v
			if t.valuesEqual(dv, v) {
				delete(t.pendingUpdates, k)
			} else {
				t.pendingUpdates[k] = dv
			}
		} else {
			newNotDesired[k] = v
		}
		delete(oldInDevice, k)
	}

	// Anything left was thought to be on the device but has gone.
	for k, v := range oldInDevice {
		if _, pending := t.pendingUpdates[k]; !pending {
			t.pendingUpdates[k] = v
		}
	}

	t.inDeviceAndDesired = newInDevice
	t.inDeviceNotDesired = newNotDesired
	if logrus.GetLevel() >= logrus.DebugLevel {
		logrus.WithFields(logrus.Fields{
			"inDevice":       len(newInDevice),
			"pendingUpdates": len(t.pendingUpdates),
			"pendingDeletes": len(newNotDesired),
		}).Debug("Replaced device state.")
	}
}

func (t *DeltaTracker[K, V]) NumPendingUpdates() int {
	return len(t.pendingUpdates)
}

func (t *DeltaTracker[K, V]) NumPendingDeletions() int {
	return len(t.inDeviceNotDesired)
}

func (t *DeltaTracker[K, V]) InSync() bool {
	return len(t.pendingUpdates) == 0 && len(t.inDeviceNotDesired) == 0
}

func (t *DeltaTracker[K, V]) PendingUpdates() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, v := range t.pendingUpdates {
			if !yield(k, v) {
				return
			}
		}
	}
}

func (t *DeltaTracker[K, V]) PendingDeletions() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, v := range t.inDeviceNotDesired {
			if !yield(k, v) {
				return
			}
		}
	}
}

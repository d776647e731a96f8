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

// Package ordinals maps policy names (endpoint groups, condition groups,
// forwarding contexts) onto the 32-bit values written into device registers.
package ordinals

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/set"
)

// Allocator allocates unique, non-zero 32-bit ordinals for string names.  To
// keep ordinals stable across restarts they are chosen by iterated hashing
// with collision detection, so the same set of names allocated in the same
// order always produces the same values.  Safe for concurrent use.
type Allocator struct {
	namespace string

	lock        sync.Mutex
	strToUint32 map[string]uint32
	uint32ToStr map[uint32]string
	buf         []byte
}

func New(namespace string) *Allocator {
	return &Allocator{
		namespace:   namespace,
		strToUint32: map[string]uint32{},
		uint32ToStr: map[uint32]string{},
	}
}

func (a *Allocator) trialHash(name string, n uint64) uint32 {
	need := 8 + len(a.namespace) + 1 + len(name)
	if len(a.buf) < need {
		a.buf = make([]byte, need)
	}
	buf := a.buf[:need]
	binary.LittleEndian.PutUint64(buf[:8], n)
	copy(buf[8:], a.namespace)
	buf[8+len(a.namespace)] = '/'
	copy(buf[9+len(a.namespace):], name)
	hash := sha256.Sum256(buf)
	return binary.LittleEndian.Uint32(hash[:4])
}

// GetOrAlloc returns the existing ordinal for name, allocating one if needed.
func (a *Allocator) GetOrAlloc(name string) uint32 {
	a.lock.Lock()
	defer a.lock.Unlock()

	debug := log.GetLevel() >= log.DebugLevel
	if o, ok := a.strToUint32[name]; ok {
		return o
	}
	for n := uint64(0); n < math.MaxUint64; n++ {
		candidate := a.trialHash(name, n)
		if candidate == 0 {
			continue
		}
		if _, inUse := a.uint32ToStr[candidate]; inUse {
			if debug {
				log.WithFields(log.Fields{"namespace": a.namespace, "name": name, "n": n}).Debug(
					"Ordinal collision, will try next candidate.")
			}
			continue
		}
		a.uint32ToStr[candidate] = name
		a.strToUint32[name] = candidate
		if debug {
			log.WithFields(log.Fields{"namespace": a.namespace, "name": name, "ordinal": candidate}).Debug(
				"Allocated ordinal.")
		}
		return candidate
	}
	log.Panic("Ran out of candidates.")
	panic("Ran out of candidates.")
}

// Retain releases every allocation whose name is not in live.  Returns the
// number released.
func (a *Allocator) Retain(live set.Set[string]) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	released := 0
	for name, o := range a.strToUint32 {
		if live.Contains(name) {
			continue
		}
		delete(a.uint32ToStr, o)
		delete(a.strToUint32, name)
		released++
	}
	return released
}

func (a *Allocator) Len() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.strToUint32)
}

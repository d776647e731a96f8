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

package set

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

type Set[T comparable] interface {
	Len() int
	Add(T)
	AddAll(itemArray []T)
	AddSet(other Set[T])
	Discard(T)
	Clear()
	Contains(T) bool
	All() iter.Seq[T]
	Iter(func(item T) error)
	Copy() Set[T]
	Equals(Set[T]) bool
	ContainsAll(Set[T]) bool
	Slice() []T
	String() string
}

type v struct{}

var emptyValue = v{}

var (
	StopIteration = errors.New("stop iteration")
	RemoveItem    = errors.New("remove item")
)

// Typed is the map-backed implementation of Set.
type Typed[T comparable] map[T]v

func New[T comparable]() Set[T] {
	return make(Typed[T])
}

func From[T comparable](members ...T) Set[T] {
	s := New[T]()
	s.AddAll(members)
	return s
}

func FromArray[T comparable](membersArray []T) Set[T] {
	s := New[T]()
	s.AddAll(membersArray)
	return s
}

// Empty returns a shared, read-only empty set.
func Empty[T comparable]() Set[T] {
	return (Typed[T])(nil)
}

func (set Typed[T]) String() string {
	var buf strings.Builder
	buf.WriteString("set.Set{")
	first := true
	for item := range set.All() {
		if !first {
			buf.WriteString(",")
		}
		first = false
		_, _ = fmt.Fprint(&buf, item)
	}
	buf.WriteString("}")
	return buf.String()
}

func (set Typed[T]) Len() int {
	return len(set)
}

func (set Typed[T]) Add(item T) {
	set[item] = emptyValue
}

func (set Typed[T]) AddAll(itemArray []T) {
	for _, v := range itemArray {
		set.Add(v)
	}
}

func (set Typed[T]) AddSet(other Set[T]) {
	if other == nil {
		return
	}
	for item := range other.All() {
		set.Add(item)
	}
}

func (set Typed[T]) Discard(item T) {
	delete(set, item)
}

func (set Typed[T]) Clear() {
	clear(set)
}

func (set Typed[T]) Contains(item T) bool {
	_, present := set[item]
	return present
}

func (set Typed[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for item := range set {
			if !yield(item) {
				return
			}
		}
	}
}

// Iter calls f for each item.  f may return StopIteration to end the loop
// early or RemoveItem to delete the current item.
func (set Typed[T]) Iter(f func(item T) error) {
	for item := range set {
		err := f(item)
		if err == StopIteration {
			return
		} else if err == RemoveItem {
			delete(set, item)
		}
	}
}

func (set Typed[T]) Copy() Set[T] {
	cpy := make(Typed[T], len(set))
	for item := range set {
		cpy[item] = emptyValue
	}
	return cpy
}

func (set Typed[T]) Slice() (s []T) {
	for item := range set {
		s = append(s, item)
	}
	return
}

func (set Typed[T]) Equals(other Set[T]) bool {
	if other == nil {
		return set.Len() == 0
	}
	if set.Len() != other.Len() {
		return false
	}
	for item := range other.All() {
		if !set.Contains(item) {
			return false
		}
	}
	return true
}

func (set Typed[T]) ContainsAll(other Set[T]) bool {
	if other == nil {
		return true
	}
	for item := range other.All() {
		if !set.Contains(item) {
			return false
		}
	}
	return true
}

// Sorted returns the members of s in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	if s == nil {
		return nil
	}
	out := s.Slice()
	slices.Sort(out)
	return out
}

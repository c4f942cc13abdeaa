// Copyright 2024 The gVisor Authors.
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

package emm

// nilIndex terminates an emaList chain.
const nilIndex = -1

type emaSlot struct {
	ema  *EMA
	prev int
	next int
}

// emaList is a doubly linked list of EMAs kept in an arena of slots. Links are
// slot indices, and an index stays valid until its element is removed, no
// matter what else is inserted or removed. Freed slots are reused.
//
// The zero value is not usable; call newEMAList.
type emaList struct {
	slots []emaSlot
	free  []int
	head  int
	tail  int
	len   int
}

func newEMAList() emaList {
	return emaList{head: nilIndex, tail: nilIndex}
}

// Len returns the number of elements.
func (l *emaList) Len() int { return l.len }

// Front returns the index of the first element, or nilIndex.
func (l *emaList) Front() int { return l.head }

// Back returns the index of the last element, or nilIndex.
func (l *emaList) Back() int { return l.tail }

// Next returns the index following i, or nilIndex.
func (l *emaList) Next(i int) int { return l.slots[i].next }

// Prev returns the index preceding i, or nilIndex.
func (l *emaList) Prev(i int) int { return l.slots[i].prev }

// Get returns the EMA at i.
func (l *emaList) Get(i int) *EMA { return l.slots[i].ema }

func (l *emaList) newSlot(e *EMA) int {
	s := emaSlot{ema: e, prev: nilIndex, next: nilIndex}
	if n := len(l.free); n > 0 {
		i := l.free[n-1]
		l.free = l.free[:n-1]
		l.slots[i] = s
		return i
	}
	l.slots = append(l.slots, s)
	return len(l.slots) - 1
}

// InsertBefore inserts e before the element at at and returns its index. at
// == nilIndex appends e at the back.
func (l *emaList) InsertBefore(at int, e *EMA) int {
	if at == nilIndex {
		return l.PushBack(e)
	}
	i := l.newSlot(e)
	prev := l.slots[at].prev
	l.slots[i].prev = prev
	l.slots[i].next = at
	l.slots[at].prev = i
	if prev == nilIndex {
		l.head = i
	} else {
		l.slots[prev].next = i
	}
	l.len++
	return i
}

// InsertAfter inserts e after the element at at and returns its index. at ==
// nilIndex prepends e at the front.
func (l *emaList) InsertAfter(at int, e *EMA) int {
	if at == nilIndex {
		return l.InsertBefore(l.head, e)
	}
	i := l.newSlot(e)
	next := l.slots[at].next
	l.slots[i].prev = at
	l.slots[i].next = next
	l.slots[at].next = i
	if next == nilIndex {
		l.tail = i
	} else {
		l.slots[next].prev = i
	}
	l.len++
	return i
}

// PushBack appends e and returns its index.
func (l *emaList) PushBack(e *EMA) int {
	i := l.newSlot(e)
	l.slots[i].prev = l.tail
	if l.tail == nilIndex {
		l.head = i
	} else {
		l.slots[l.tail].next = i
	}
	l.tail = i
	l.len++
	return i
}

// Remove unlinks the element at i and returns it with the index of the
// element that followed it.
func (l *emaList) Remove(i int) (*EMA, int) {
	s := l.slots[i]
	if s.prev == nilIndex {
		l.head = s.next
	} else {
		l.slots[s.prev].next = s.next
	}
	if s.next == nilIndex {
		l.tail = s.prev
	} else {
		l.slots[s.next].prev = s.prev
	}
	l.slots[i] = emaSlot{prev: nilIndex, next: nilIndex}
	l.free = append(l.free, i)
	l.len--
	return s.ema, s.next
}

// All returns the EMAs in list order.
func (l *emaList) All() []*EMA {
	out := make([]*EMA, 0, l.len)
	for i := l.head; i != nilIndex; i = l.slots[i].next {
		out = append(out, l.slots[i].ema)
	}
	return out
}

// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides BitArray, a fixed-length bit array whose storage is
// charged to a metadata allocator. The enclave memory manager keeps one per
// memory area to record which pages have been accepted.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/metaalloc"
)

const wordBits = 64

// BitArray is a fixed-length array of bits. It is not safe for concurrent
// use; callers serialize access, as the memory manager does with its lock.
type BitArray struct {
	// n is the number of valid bits.
	n int

	// numOnes is the number of set bits.
	numOnes int

	// words holds the bits, least significant bit first. Bits at positions
	// >= n in the last word are always zero.
	words []uint64

	alloc metaalloc.Allocator
}

func numWords(n int) int {
	return (n + wordBits - 1) / wordBits
}

// storageSize returns the bytes charged for words, in whole 16-byte
// allocator granules so that partial frees after Split stay exact.
func storageSize(words int) uint64 {
	return uint64((words+1)/2) * 16
}

// StorageSize returns the bytes NewBitArray charges for n bits.
func StorageSize(n int) uint64 {
	return storageSize(numWords(n))
}

// NewBitArray returns a zeroed BitArray of n bits charged to alloc.
func NewBitArray(n int, alloc metaalloc.Allocator) (*BitArray, error) {
	if n <= 0 {
		return nil, linuxerr.EINVAL
	}
	w := numWords(n)
	if err := alloc.Alloc(storageSize(w)); err != nil {
		return nil, err
	}
	return &BitArray{
		n:     n,
		words: make([]uint64, w),
		alloc: alloc,
	}, nil
}

// Len returns the number of bits.
func (b *BitArray) Len() int {
	return b.n
}

// Allocator returns the allocator the storage is charged to.
func (b *BitArray) Allocator() metaalloc.Allocator {
	return b.alloc
}

// Get returns bit i.
func (b *BitArray) Get(i int) (bool, error) {
	if i < 0 || i >= b.n {
		return false, linuxerr.EINVAL
	}
	return b.words[i/wordBits]&(1<<(uint(i)%wordBits)) != 0, nil
}

// Set sets bit i to v.
func (b *BitArray) Set(i int, v bool) error {
	if i < 0 || i >= b.n {
		return linuxerr.EINVAL
	}
	idx, mask := i/wordBits, uint64(1)<<(uint(i)%wordBits)
	old := b.words[idx]
	if v {
		b.words[idx] |= mask
	} else {
		b.words[idx] &^= mask
	}
	switch {
	case old == b.words[idx]:
	case v:
		b.numOnes++
	default:
		b.numOnes--
	}
	return nil
}

// tailMask returns the mask of valid bits in the last word.
func (b *BitArray) tailMask() uint64 {
	if r := uint(b.n) % wordBits; r != 0 {
		return (1 << r) - 1
	}
	return math.MaxUint64
}

// SetFull sets every bit.
func (b *BitArray) SetFull() {
	for i := range b.words {
		b.words[i] = math.MaxUint64
	}
	b.words[len(b.words)-1] &= b.tailMask()
	b.numOnes = b.n
}

// Clear clears every bit.
func (b *BitArray) Clear() {
	clear(b.words)
	b.numOnes = 0
}

// AllTrue returns true if every bit is set.
func (b *BitArray) AllTrue() bool {
	return b.numOnes == b.n
}

// NumOnes returns the number of set bits.
func (b *BitArray) NumOnes() int {
	return b.numOnes
}

// next returns the first index in [from, to) whose bit equals v.
func (b *BitArray) next(from, to int, v bool) (int, bool) {
	if from < 0 {
		from = 0
	}
	if to > b.n {
		to = b.n
	}
	for i := from; i < to; {
		w := b.words[i/wordBits]
		if !v {
			w = ^w
		}
		w &= math.MaxUint64 << (uint(i) % wordBits)
		if w != 0 {
			if r := i&^(wordBits-1) + bits.TrailingZeros64(w); r < to {
				return r, true
			}
			return 0, false
		}
		i = i&^(wordBits-1) + wordBits
	}
	return 0, false
}

// NextSet returns the index of the first set bit in [from, to).
func (b *BitArray) NextSet(from, to int) (int, bool) {
	return b.next(from, to, true)
}

// NextClear returns the index of the first clear bit in [from, to).
func (b *BitArray) NextClear(from, to int) (int, bool) {
	return b.next(from, to, false)
}

// Split partitions b at index at: b keeps bits [0, at) and the returned array
// holds bits [at, Len()), charged to the same allocator. b is unchanged on
// error.
func (b *BitArray) Split(at int) (*BitArray, error) {
	if at <= 0 || at >= b.n {
		return nil, linuxerr.EINVAL
	}
	right, err := NewBitArray(b.n-at, b.alloc)
	if err != nil {
		return nil, err
	}

	start, shift := at/wordBits, uint(at)%wordBits
	for j := range right.words {
		w := b.words[start+j] >> shift
		if shift != 0 && start+j+1 < len(b.words) {
			w |= b.words[start+j+1] << (wordBits - shift)
		}
		right.words[j] = w
	}
	right.words[len(right.words)-1] &= right.tailMask()
	right.numOnes = countOnes(right.words)

	keep := numWords(at)
	if keep < len(b.words) {
		if freed := storageSize(len(b.words)) - storageSize(keep); freed > 0 {
			b.alloc.Free(freed)
		}
		b.words = append([]uint64(nil), b.words[:keep]...)
	}
	b.n = at
	b.words[keep-1] &= b.tailMask()
	b.numOnes = countOnes(b.words)
	return right, nil
}

func countOnes(words []uint64) int {
	n := 0
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Release returns the storage to the allocator. b must not be used
// afterwards.
func (b *BitArray) Release() {
	if b.words == nil {
		return
	}
	b.alloc.Free(storageSize(len(b.words)))
	b.words = nil
	b.n = 0
	b.numOnes = 0
}

// Bools returns the bits as a slice.
func (b *BitArray) Bools() []bool {
	out := make([]bool, b.n)
	for i := range out {
		out[i] = b.words[i/wordBits]&(1<<(uint(i)%wordBits)) != 0
	}
	return out
}

// String implements fmt.Stringer.String, rendering set bits as '1'.
func (b *BitArray) String() string {
	var sb strings.Builder
	sb.Grow(b.n)
	for _, v := range b.Bools() {
		if v {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return fmt.Sprintf("BitArray[%d]{%s}", b.n, sb.String())
}

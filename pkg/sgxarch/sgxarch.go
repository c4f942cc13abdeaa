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

// Package sgxarch contains address and page-size definitions for enclave
// linear address space (ELRANGE) arithmetic.
package sgxarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the EPC page size.
	PageShift = 12

	// PageSize is the EPC page size.
	PageSize = 1 << PageShift

	// PageMask is the offset mask within a page.
	PageMask = PageSize - 1
)

// Addr represents an enclave virtual address.
type Addr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is page aligned.
func (v Addr) IsPageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// PagesToBytes returns the byte length of n pages.
func PagesToBytes(n uint64) uint64 {
	return n << PageShift
}

// BytesToPages returns the number of whole pages in length.
func BytesToPages(length uint64) uint64 {
	return length >> PageShift
}

// IsPageMultiple returns true if length is a non-zero multiple of PageSize.
func IsPageMultiple(length uint64) bool {
	return length != 0 && length&PageMask == 0
}

// TrimTo rounds v down to a multiple of align, which must be a power of two.
func TrimTo(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// RoundTo rounds v up to a multiple of align, which must be a power of two.
// ok is false if the result wrapped around.
func RoundTo(v, align uint64) (r uint64, ok bool) {
	r = (v + align - 1) &^ (align - 1)
	return r, r >= v
}

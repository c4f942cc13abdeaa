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

package sgx

import (
	"fmt"
	"strings"
)

// AllocFlags are the EMA allocation flags.
type AllocFlags uint8

const (
	// AllocReserved marks address space with no backing pages.
	AllocReserved AllocFlags = 0x1

	// AllocCommitNow commits every page at allocation time.
	AllocCommitNow AllocFlags = 0x2

	// AllocCommitOnDemand commits pages on first access or explicit commit.
	AllocCommitOnDemand AllocFlags = 0x4

	// AllocGrowsDown marks a region that grows towards lower addresses.
	AllocGrowsDown AllocFlags = 0x10

	// AllocGrowsUp marks a region that grows towards higher addresses.
	AllocGrowsUp AllocFlags = 0x20

	// AllocFixed requires the region to be placed exactly at the requested
	// address.
	AllocFixed AllocFlags = 0x40

	allocFlagsMask = AllocReserved | AllocCommitNow | AllocCommitOnDemand | AllocGrowsDown | AllocGrowsUp | AllocFixed
)

// Contains returns true if every bit of g is set in f.
func (f AllocFlags) Contains(g AllocFlags) bool {
	return f&g == g
}

// IsValid returns true if f has no unknown bits.
func (f AllocFlags) IsValid() bool {
	return f&^allocFlagsMask == 0
}

// Validate checks that f has no unknown bits, selects at most one commit
// mode and at most one growth direction, and that reserved space requests
// no commit mode.
func (f AllocFlags) Validate() error {
	switch {
	case !f.IsValid():
		return fmt.Errorf("unknown allocation flags %#x", uint8(f&^allocFlagsMask))
	case f.Contains(AllocCommitNow | AllocCommitOnDemand):
		return fmt.Errorf("allocation flags %v select two commit modes", f)
	case f.Contains(AllocGrowsDown | AllocGrowsUp):
		return fmt.Errorf("allocation flags %v select two growth directions", f)
	case f&AllocReserved != 0 && f&(AllocCommitNow|AllocCommitOnDemand) != 0:
		return fmt.Errorf("allocation flags %v commit reserved space", f)
	}
	return nil
}

var allocFlagNames = []struct {
	flag AllocFlags
	name string
}{
	{AllocReserved, "reserved"},
	{AllocCommitNow, "commit_now"},
	{AllocCommitOnDemand, "commit_on_demand"},
	{AllocGrowsDown, "grows_down"},
	{AllocGrowsUp, "grows_up"},
	{AllocFixed, "fixed"},
}

// String implements fmt.Stringer.String.
func (f AllocFlags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range allocFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ allocFlagsMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseAllocFlags ORs together the named flags.
func ParseAllocFlags(names []string) (AllocFlags, error) {
	var f AllocFlags
next:
	for _, name := range names {
		for _, n := range allocFlagNames {
			if strings.EqualFold(name, n.name) {
				f |= n.flag
				continue next
			}
		}
		return 0, fmt.Errorf("unknown allocation flag %q", name)
	}
	return f, nil
}

// Align is the log2 of a region alignment. The zero value means page
// alignment.
type Align uint8

const (
	Align4K  Align = 12
	Align2M  Align = 21
	Align1G  Align = 30
	AlignMax Align = 32
)

// Bytes returns the alignment in bytes.
func (a Align) Bytes() uint64 {
	if a == 0 {
		a = Align4K
	}
	return 1 << a
}

// IsValid returns true if a is zero or within [Align4K, AlignMax].
func (a Align) IsValid() bool {
	return a == 0 || (a >= Align4K && a <= AlignMax)
}

// The packed EMA flag word passed across the C ABI carries the allocation
// flags in bits 0-7, the page type in bits 8-15 and the alignment in bits
// 24-31.
const (
	emaPageTypeShift = 8
	emaAlignShift    = 24
)

// PackEMAFlags encodes flags, page type and alignment into one word.
func PackEMAFlags(flags AllocFlags, typ PageType, align Align) uint32 {
	return uint32(flags) | uint32(typ)<<emaPageTypeShift | uint32(align)<<emaAlignShift
}

// UnpackEMAFlags decodes a packed flag word. Bits 16-23 must be zero.
func UnpackEMAFlags(w uint32) (AllocFlags, PageType, Align, error) {
	if w&0x00ff0000 != 0 {
		return 0, 0, 0, fmt.Errorf("reserved bits set in EMA flags %#x", w)
	}
	flags := AllocFlags(w)
	typ := PageType(w >> emaPageTypeShift)
	align := Align(w >> emaAlignShift)
	if !flags.IsValid() || !align.IsValid() {
		return 0, 0, 0, fmt.Errorf("invalid EMA flags %#x", w)
	}
	return flags, typ, align, nil
}

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

// Package sgx contains SGX architectural and enclave memory manager ABI
// definitions: page types, SECINFO flags, EMA allocation flags and page-fault
// information.
package sgx

import (
	"fmt"
	"strings"
)

// PageType is the SECINFO page type of an EPC page.
type PageType uint8

// Page types, from the SDM EPCM page type encodings. PageTypeNone is not an
// architectural value; it marks reserved address space with no pages.
const (
	PageTypeNone    PageType = 0
	PageTypeTCS     PageType = 1
	PageTypeReg     PageType = 2
	PageTypeTrim    PageType = 4
	PageTypeSSFirst PageType = 5
	PageTypeSSRest  PageType = 6
)

// String implements fmt.Stringer.String.
func (t PageType) String() string {
	switch t {
	case PageTypeNone:
		return "none"
	case PageTypeTCS:
		return "tcs"
	case PageTypeReg:
		return "reg"
	case PageTypeTrim:
		return "trim"
	case PageTypeSSFirst:
		return "ss_first"
	case PageTypeSSRest:
		return "ss_rest"
	default:
		return fmt.Sprintf("PageType(%d)", uint8(t))
	}
}

// ParsePageType is the inverse of PageType.String.
func ParsePageType(s string) (PageType, error) {
	for _, t := range []PageType{PageTypeNone, PageTypeTCS, PageTypeReg, PageTypeTrim, PageTypeSSFirst, PageTypeSSRest} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown page type %q", s)
}

// ProtFlags are the low SECINFO flag bits: access permissions plus the
// pending, modified and permission-restriction state bits.
type ProtFlags uint8

const (
	ProtNone     ProtFlags = 0
	ProtRead     ProtFlags = 1 << 0
	ProtWrite    ProtFlags = 1 << 1
	ProtExec     ProtFlags = 1 << 2
	ProtPending  ProtFlags = 1 << 3
	ProtModified ProtFlags = 1 << 4
	ProtPR       ProtFlags = 1 << 5

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec

	// ProtPermMask selects the access permission bits.
	ProtPermMask = ProtRWX
)

// Perms returns only the access permission bits of p.
func (p ProtFlags) Perms() ProtFlags {
	return p & ProtPermMask
}

// Contains returns true if every bit of q is set in p.
func (p ProtFlags) Contains(q ProtFlags) bool {
	return p&q == q
}

// String implements fmt.Stringer.String. Permissions are rendered as "rwx"
// with '-' for missing bits, followed by any state bits.
func (p ProtFlags) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	s := string(b)
	if p&ProtPending != 0 {
		s += "|pending"
	}
	if p&ProtModified != 0 {
		s += "|modified"
	}
	if p&ProtPR != 0 {
		s += "|pr"
	}
	if rest := p &^ (ProtRWX | ProtPending | ProtModified | ProtPR); rest != 0 {
		s += fmt.Sprintf("|%#x", uint8(rest))
	}
	return s
}

// ParseProt parses permissions written as any combination of "r", "w" and
// "x" (for example "rw"), or "none"/"" for no access.
func ParseProt(s string) (ProtFlags, error) {
	var p ProtFlags
	if s == "" || strings.EqualFold(s, "none") || s == "---" {
		return ProtNone, nil
	}
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= ProtRead
		case 'w':
			p |= ProtWrite
		case 'x':
			p |= ProtExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return p, nil
}

// PageInfo is the type and protection of a range of pages, as carried in a
// SECINFO structure.
type PageInfo struct {
	Type PageType
	Prot ProtFlags
}

// SecInfoFlags returns the SECINFO.FLAGS encoding of i: the protection bits in
// bits 0-7 and the page type in bits 8-15.
func (i PageInfo) SecInfoFlags() uint64 {
	return uint64(i.Prot) | uint64(i.Type)<<8
}

// PageInfoFromSecInfo decodes SECINFO.FLAGS.
func PageInfoFromSecInfo(flags uint64) PageInfo {
	return PageInfo{
		Type: PageType(flags >> 8),
		Prot: ProtFlags(flags),
	}
}

// String implements fmt.Stringer.String.
func (i PageInfo) String() string {
	return fmt.Sprintf("%v:%v", i.Type, i.Prot)
}

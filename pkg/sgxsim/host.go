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

package sgxsim

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/ocall"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// mapping is a host mapping of part of ELRANGE.
type mapping struct {
	sgxarch.AddrRange
	prot  sgx.ProtFlags
	flags sgx.AllocFlags
}

func mappingLess(a, b mapping) bool {
	return a.Start < b.Start
}

// Mapping describes a host mapping.
type Mapping struct {
	Range sgxarch.AddrRange
	Prot  sgx.ProtFlags
	Flags sgx.AllocFlags
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	return fmt.Sprintf("%v %v %v", m.Range, m.Prot, m.Flags)
}

// Mappings returns the host mappings in address order.
func (e *Enclave) Mappings() []Mapping {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Mapping
	e.mappings.Ascend(func(m mapping) bool {
		out = append(out, Mapping{Range: m.AddrRange, Prot: m.prot, Flags: m.flags})
		return true
	})
	return out
}

// hostProt converts an EPC protection into mmap protection bits. Execute is
// not propagated: simulated enclave code never runs.
func hostProt(p sgx.ProtFlags) int {
	prot := unix.PROT_NONE
	if p&(sgx.ProtRead|sgx.ProtExec) != 0 {
		prot |= unix.PROT_READ
	}
	if p&sgx.ProtWrite != 0 {
		prot |= unix.PROT_READ | unix.PROT_WRITE
	}
	return prot
}

// +checklocks:e.mu
func (e *Enclave) mprotectLocked(r sgxarch.AddrRange, p sgx.ProtFlags) error {
	if err := unix.Mprotect(e.memLocked(r), hostProt(p)); err != nil {
		return fmt.Errorf("mprotect %v %v: %w", r, p, err)
	}
	return nil
}

// findMappingLocked returns the mapping containing addr.
//
// +checklocks:e.mu
func (e *Enclave) findMappingLocked(addr sgxarch.Addr) (mapping, bool) {
	var (
		found mapping
		ok    bool
	)
	e.mappings.DescendLessOrEqual(mapping{AddrRange: sgxarch.AddrRange{Start: addr}}, func(m mapping) bool {
		found, ok = m, m.Contains(addr)
		return false
	})
	return found, ok
}

// overlappingLocked returns the mappings that overlap r, in order.
//
// +checklocks:e.mu
func (e *Enclave) overlappingLocked(r sgxarch.AddrRange) []mapping {
	var out []mapping
	if m, ok := e.findMappingLocked(r.Start); ok {
		out = append(out, m)
	}
	e.mappings.AscendGreaterOrEqual(mapping{AddrRange: sgxarch.AddrRange{Start: r.Start}}, func(m mapping) bool {
		if m.Start >= r.End {
			return false
		}
		if len(out) == 0 || out[len(out)-1].Start != m.Start {
			out = append(out, m)
		}
		return true
	})
	return out
}

// isMappedLocked returns true if r is covered by mappings without gaps.
//
// +checklocks:e.mu
func (e *Enclave) isMappedLocked(r sgxarch.AddrRange) bool {
	next := r.Start
	for _, m := range e.overlappingLocked(r) {
		if m.Start > next {
			return false
		}
		next = m.End
	}
	return next >= r.End
}

// carveLocked removes r from the mappings and returns the removed pieces,
// clipped to r.
//
// +checklocks:e.mu
func (e *Enclave) carveLocked(r sgxarch.AddrRange) []mapping {
	var pieces []mapping
	for _, m := range e.overlappingLocked(r) {
		e.mappings.Delete(m)
		if m.Start < r.Start {
			left := m
			left.End = r.Start
			e.mappings.ReplaceOrInsert(left)
		}
		if m.End > r.End {
			right := m
			right.Start = r.End
			e.mappings.ReplaceOrInsert(right)
		}
		m.AddrRange = m.Intersect(r)
		pieces = append(pieces, m)
	}
	return pieces
}

// takeFailureLocked returns and clears an injected OCALL failure.
//
// +checklocks:e.mu
func (e *Enclave) takeFailureLocked() error {
	err := e.failOCall
	e.failOCall = nil
	return err
}

// +checklocks:e.mu
func (e *Enclave) checkRangeLocked(addr sgxarch.Addr, length uint64) (sgxarch.AddrRange, error) {
	r, ok := addr.ToRange(length)
	if !ok || length == 0 || !r.IsPageAligned() || !e.elrange.IsSupersetOf(r) {
		return sgxarch.AddrRange{}, linuxerr.EINVAL
	}
	if e.mem == nil {
		return sgxarch.AddrRange{}, linuxerr.EIO
	}
	return r, nil
}

// AllocOCall implements ocall.Host.AllocOCall. The range is mapped
// read-write, replacing any previous mapping of it. Pages of a commit-now
// request are added to the enclave as pending pages, ready to be accepted.
func (e *Enclave) AllocOCall(req ocall.AllocRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailureLocked(); err != nil {
		return err
	}
	r, err := e.checkRangeLocked(req.Addr, req.Length)
	if err != nil {
		return err
	}
	if req.Flags.Contains(sgx.AllocReserved) {
		return linuxerr.EINVAL
	}
	e.carveLocked(r)
	e.mappings.ReplaceOrInsert(mapping{AddrRange: r, prot: sgx.ProtRW, flags: req.Flags})
	if err := e.mprotectLocked(r, sgx.ProtRW); err != nil {
		return err
	}
	if req.Flags.Contains(sgx.AllocCommitNow) {
		for a := r.Start; a < r.End; a += sgxarch.PageSize {
			if err := e.eaugLocked(a, req.Type); err != nil {
				return err
			}
		}
	}
	log.Debugf("sgxsim: mapped %v for %v", r, req)
	return nil
}

// ModifyOCall implements ocall.Host.ModifyOCall.
func (e *Enclave) ModifyOCall(req ocall.ModifyRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.takeFailureLocked(); err != nil {
		return err
	}
	r, err := e.checkRangeLocked(req.Addr, req.Length)
	if err != nil {
		return err
	}
	if !e.isMappedLocked(r) {
		log.Debugf("sgxsim: %v on unmapped memory", req)
		return linuxerr.EINVAL
	}
	switch t := req.Classify(); t {
	case ocall.TransitionTrimStart:
		return e.forEachPageLocked(r, func(a sgxarch.Addr, p *epcPage) error {
			return p.emodt(sgx.PageTypeTrim)
		})
	case ocall.TransitionTrimCommit:
		if err := e.forEachPageLocked(r, func(a sgxarch.Addr, p *epcPage) error {
			return e.eremoveLocked(a, p)
		}); err != nil {
			return err
		}
		if err := unix.Madvise(e.memLocked(r), unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("madvise %v: %w", r, err)
		}
		if req.To.Prot == sgx.ProtNone {
			e.carveLocked(r)
			return e.mprotectLocked(r, sgx.ProtNone)
		}
		return nil
	case ocall.TransitionToTCS:
		return e.forEachPageLocked(r, func(a sgxarch.Addr, p *epcPage) error {
			return p.emodt(sgx.PageTypeTCS)
		})
	case ocall.TransitionPerms, ocall.TransitionPermsCommit:
		to := req.To.Prot.Perms()
		if to&(sgx.ProtWrite|sgx.ProtExec) != sgx.ProtWrite|sgx.ProtExec && t == ocall.TransitionPerms {
			if err := e.forEachPageLocked(r, func(a sgxarch.Addr, p *epcPage) error {
				return p.emodpr(to)
			}); err != nil {
				return err
			}
		}
		for _, m := range e.carveLocked(r) {
			m.prot = to
			e.mappings.ReplaceOrInsert(m)
		}
		return e.mprotectLocked(r, to)
	default:
		log.Warningf("sgxsim: rejecting %v", req)
		return linuxerr.EINVAL
	}
}

// forEachPageLocked calls fn on every page of r. Every page must be present.
//
// +checklocks:e.mu
func (e *Enclave) forEachPageLocked(r sgxarch.AddrRange, fn func(sgxarch.Addr, *epcPage) error) error {
	for a := r.Start; a < r.End; a += sgxarch.PageSize {
		p, ok := e.pages[a]
		if !ok {
			return linuxerr.EINVAL
		}
		if err := fn(a, p); err != nil {
			return err
		}
	}
	return nil
}

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

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// epcPage is the EPCM entry of a page.
type epcPage struct {
	typ   sgx.PageType
	perms sgx.ProtFlags

	// pending is set by EAUG and cleared by EACCEPT.
	pending bool

	// modified is set by EMODT and cleared by EACCEPT.
	modified bool

	// pr is set by EMODPR and cleared by EACCEPT.
	pr bool
}

// busy returns true if the page awaits an EACCEPT.
func (p *epcPage) busy() bool {
	return p.pending || p.modified || p.pr
}

// emodt changes the page type. The page must be accepted.
func (p *epcPage) emodt(typ sgx.PageType) error {
	if p.busy() {
		return linuxerr.EBUSY
	}
	p.typ = typ
	p.modified = true
	if typ == sgx.PageTypeTCS || typ == sgx.PageTypeTrim {
		p.perms = sgx.ProtNone
	}
	return nil
}

// emodpr restricts the permissions of an accepted regular page to perms.
func (p *epcPage) emodpr(perms sgx.ProtFlags) error {
	if p.pending || p.modified || p.typ != sgx.PageTypeReg {
		return linuxerr.EBUSY
	}
	p.perms &= perms
	p.pr = true
	return nil
}

// PageState is the EPCM state of a page.
type PageState struct {
	Type     sgx.PageType
	Perms    sgx.ProtFlags
	Pending  bool
	Modified bool
	PR       bool
}

// String implements fmt.Stringer.String.
func (s PageState) String() string {
	return fmt.Sprintf("%v %v pending=%t modified=%t pr=%t", s.Type, s.Perms, s.Pending, s.Modified, s.PR)
}

// PageState returns the EPCM state of the page at addr, if it is present.
func (e *Enclave) PageState(addr sgxarch.Addr) (PageState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[addr]
	if !ok {
		return PageState{}, false
	}
	return PageState{Type: p.typ, Perms: p.perms, Pending: p.pending, Modified: p.modified, PR: p.pr}, true
}

// NumPages returns the number of EPC pages present.
func (e *Enclave) NumPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pages)
}

// eaugLocked adds a pending read-write page of type typ at addr.
//
// +checklocks:e.mu
func (e *Enclave) eaugLocked(addr sgxarch.Addr, typ sgx.PageType) error {
	if _, ok := e.pages[addr]; ok {
		return linuxerr.EEXIST
	}
	e.pages[addr] = &epcPage{typ: typ, perms: sgx.ProtRW, pending: true}
	return nil
}

// eremoveLocked removes an accepted trimmed page.
//
// +checklocks:e.mu
func (e *Enclave) eremoveLocked(addr sgxarch.Addr, p *epcPage) error {
	if p.typ != sgx.PageTypeTrim || p.busy() {
		return linuxerr.EBUSY
	}
	delete(e.pages, addr)
	return nil
}

// Accept implements emm.PageOps.Accept. It fails with EFAULT unless the
// page is in the state info describes. Accepting an absent page of a host
// mapping first adds it as pending, as the driver does when EACCEPT faults
// on it.
func (e *Enclave) Accept(addr sgxarch.Addr, info sgx.PageInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.failAccept[addr]; ok {
		return err
	}
	if !addr.IsPageAligned() || !e.elrange.Contains(addr) {
		return linuxerr.EFAULT
	}
	p, ok := e.pages[addr]
	switch {
	case info.Prot&sgx.ProtPending != 0:
		if !ok {
			if _, mapped := e.findMappingLocked(addr); !mapped {
				return e.rejectLocked("eaccept", addr, info, "no page")
			}
			if err := e.eaugLocked(addr, info.Type); err != nil {
				return err
			}
			p = e.pages[addr]
		}
		if !p.pending || p.typ != info.Type || p.perms != info.Prot.Perms() {
			return e.rejectLocked("eaccept", addr, info, "not pending")
		}
		p.pending = false
	case info.Prot&sgx.ProtModified != 0:
		if !ok || !p.modified || p.typ != info.Type {
			return e.rejectLocked("eaccept", addr, info, "type not modified")
		}
		p.modified = false
	case info.Prot&sgx.ProtPR != 0:
		if !ok || !p.pr || p.pending || p.typ != info.Type || p.perms != info.Prot.Perms() {
			return e.rejectLocked("eaccept", addr, info, "permissions not restricted")
		}
		p.pr = false
	default:
		return e.rejectLocked("eaccept", addr, info, "no status bit")
	}
	return nil
}

// ModPE implements emm.PageOps.ModPE.
func (e *Enclave) ModPE(addr sgxarch.Addr, info sgx.PageInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[addr]
	if !ok || p.pending || p.modified || p.typ != sgx.PageTypeReg {
		return e.rejectLocked("emodpe", addr, info, "page not accepted")
	}
	p.perms |= info.Prot.Perms()
	return nil
}

// +checklocks:e.mu
func (e *Enclave) rejectLocked(inst string, addr sgxarch.Addr, info sgx.PageInfo, why string) error {
	state := "absent"
	if p, ok := e.pages[addr]; ok {
		state = PageState{Type: p.typ, Perms: p.perms, Pending: p.pending, Modified: p.modified, PR: p.pr}.String()
	}
	log.Debugf("sgxsim: %s %v %v rejected: %s (%s)", inst, addr, info, why, state)
	return linuxerr.EFAULT
}

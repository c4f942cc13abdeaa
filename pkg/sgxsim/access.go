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
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// ReadAt reads len(p) bytes of enclave memory at addr, as enclave code
// would. It returns the number of bytes read and EFAULT if an access faulted
// and the fault handler did not resolve it.
func (e *Enclave) ReadAt(p []byte, addr sgxarch.Addr) (int, error) {
	return e.access(p, addr, false)
}

// WriteAt writes p to enclave memory at addr, as enclave code would. Errors
// are as for ReadAt.
func (e *Enclave) WriteAt(p []byte, addr sgxarch.Addr) (int, error) {
	return e.access(p, addr, true)
}

func (e *Enclave) access(p []byte, addr sgxarch.Addr, write bool) (int, error) {
	done := 0
	for done < len(p) {
		a := addr + sgxarch.Addr(done)
		n := len(p) - done
		if rest := int(sgxarch.PageSize - a.PageOffset()); n > rest {
			n = rest
		}
		if err := e.accessPage(p[done:done+n], a, write); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// accessPage copies b to or from addr, which lies in a single page. A fault
// is delivered to the handler and the access retried once if the handler
// resumes execution.
func (e *Enclave) accessPage(b []byte, addr sgxarch.Addr, write bool) error {
	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		if e.mem == nil || !e.elrange.Contains(addr) {
			e.mu.Unlock()
			return linuxerr.EFAULT
		}
		info := e.checkAccessLocked(addr, write)
		if info == nil {
			mem := e.mem[e.offset(addr):]
			if write {
				copy(mem, b)
			} else {
				copy(b, mem)
			}
			e.mu.Unlock()
			return nil
		}
		h := e.handler
		e.mu.Unlock()

		if attempt > 0 || h == nil || h(info) != sgx.HandleExecution {
			return linuxerr.EFAULT
		}
	}
}

// checkAccessLocked returns the fault an access to addr raises, or nil if
// the access is allowed.
//
// +checklocks:e.mu
func (e *Enclave) checkAccessLocked(addr sgxarch.Addr, write bool) *sgx.PfInfo {
	info := &sgx.PfInfo{MAddr: uint64(addr), PFEC: sgx.PFECUser}
	need := sgx.ProtRead
	if write {
		info.PFEC |= sgx.PFECWrite
		need = sgx.ProtWrite
	}
	m, ok := e.findMappingLocked(addr)
	if !ok {
		return info
	}
	info.PFEC |= sgx.PFECPresent
	if m.prot&need == 0 {
		return info
	}
	p, ok := e.pages[addr.RoundDown()]
	if !ok || p.busy() || p.typ != sgx.PageTypeReg || p.perms&need == 0 {
		info.PFEC |= sgx.PFECSGX
		return info
	}
	return nil
}

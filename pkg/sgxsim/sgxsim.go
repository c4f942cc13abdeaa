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

// Package sgxsim simulates an SGX2 enclave in host memory so the memory
// manager can run outside real hardware.
//
// An Enclave plays both sides of the page protocol. As the untrusted host it
// implements ocall.Host: it keeps the host mappings of ELRANGE, backs them
// with real memory and performs the privileged EPC operations (EAUG, EMODT,
// EMODPR, EREMOVE). As the processor it implements the enclave-side page
// instructions EACCEPT and EMODPE, validating each against the EPCM state of
// the page, so a host that skips a step is detected exactly as hardware
// would detect it.
//
// Enclave memory accesses go through ReadAt and WriteAt. An access that the
// host mapping or the EPCM does not allow raises a page fault that is
// delivered to the installed FaultHandler.
package sgxsim

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/emm"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/metaalloc"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// FaultHandler receives simulated enclave page faults.
type FaultHandler func(info *sgx.PfInfo) sgx.HandleResult

// Enclave is a simulated enclave. It is safe for concurrent use.
type Enclave struct {
	elrange sgxarch.AddrRange

	// mem backs ELRANGE; mem[0] is the byte at elrange.Start.
	mem []byte

	mu sync.Mutex

	// mappings are the host mappings, sorted by start and non-overlapping.
	//
	// +checklocks:mu
	mappings *btree.BTreeG[mapping]

	// pages are the EPC pages present in the enclave.
	//
	// +checklocks:mu
	pages map[sgxarch.Addr]*epcPage

	// +checklocks:mu
	failAccept map[sgxarch.Addr]error

	// +checklocks:mu
	failOCall error

	// +checklocks:mu
	handler FaultHandler
}

// New reserves size bytes of host memory as the ELRANGE [base, base+size).
// base and size must be page aligned, and the host page size must equal the
// EPC page size.
func New(base sgxarch.Addr, size uint64) (*Enclave, error) {
	if ps := unix.Getpagesize(); ps != sgxarch.PageSize {
		return nil, fmt.Errorf("host page size %d is not the EPC page size %d", ps, sgxarch.PageSize)
	}
	r, ok := base.ToRange(size)
	if !ok || base == 0 || size == 0 || !r.IsPageAligned() {
		return nil, fmt.Errorf("invalid enclave range [%v, +%#x)", base, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserving %#x bytes: %w", size, err)
	}
	log.Debugf("sgxsim: enclave %v reserved", r)
	return &Enclave{
		elrange:    r,
		mem:        mem,
		mappings:   btree.NewG(8, mappingLess),
		pages:      make(map[sgxarch.Addr]*epcPage),
		failAccept: make(map[sgxarch.Addr]error),
	}, nil
}

// Close releases the host memory. The enclave must not be used afterwards.
func (e *Enclave) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mem == nil {
		return nil
	}
	err := unix.Munmap(e.mem)
	e.mem = nil
	e.mappings.Clear(false)
	clear(e.pages)
	return err
}

// Range returns ELRANGE.
func (e *Enclave) Range() sgxarch.AddrRange {
	return e.elrange
}

// SetFaultHandler installs the handler for page faults raised by ReadAt and
// WriteAt.
func (e *Enclave) SetFaultHandler(h FaultHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// FailAccept makes every EACCEPT of the page at addr fail with err, as if
// the page were in an unexpected state. A nil err clears the failure.
func (e *Enclave) FailAccept(addr sgxarch.Addr, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failAccept, addr)
		return
	}
	e.failAccept[addr] = err
}

// FailNextOCall makes the next OCALL fail with err without side effects.
func (e *Enclave) FailNextOCall(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOCall = err
}

// NewManager returns a memory manager for e whose user range is [userBase,
// userBase+userSize), and routes e's page faults to it. A nil allocs selects
// the default metadata backends.
func (e *Enclave) NewManager(userBase sgxarch.Addr, userSize uint64, allocs *metaalloc.Set) (*emm.Manager, error) {
	layout := emm.Layout{
		Base:     e.elrange.Start,
		Size:     e.elrange.Length(),
		UserBase: userBase,
		UserSize: userSize,
	}
	m, err := emm.NewManager(emm.NewPlatform(e, e, layout, allocs))
	if err != nil {
		return nil, err
	}
	e.SetFaultHandler(m.HandlePageFault)
	return m, nil
}

// offset returns the index into mem of addr.
func (e *Enclave) offset(addr sgxarch.Addr) uint64 {
	return uint64(addr - e.elrange.Start)
}

// +checklocks:e.mu
func (e *Enclave) memLocked(r sgxarch.AddrRange) []byte {
	return e.mem[e.offset(r.Start):e.offset(r.End)]
}

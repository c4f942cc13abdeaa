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

import (
	"fmt"
	"unsafe"

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/bitmap"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/metaalloc"
	"gvisor.dev/sgxemm/pkg/ocall"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// PageFaultHandler is a per-EMA page-fault handler. private is the value
// registered with the handler.
type PageFaultHandler func(info *sgx.PfInfo, private any) sgx.HandleResult

// EMA is an enclave memory area: a page-aligned range of ELRANGE whose pages
// share allocation flags, page type and protection.
//
// An EMA is not safe for concurrent use. The Manager serializes all
// operations on the EMAs it owns.
type EMA struct {
	start  sgxarch.Addr
	length uint64
	flags  sgx.AllocFlags
	info   sgx.PageInfo

	// eacceptMap has one bit per page, set iff the page has been accepted.
	// It is nil for reserved areas and before Alloc.
	eacceptMap *bitmap.BitArray

	handler PageFaultHandler
	private any

	// kind is the backend charged for this node and its eacceptMap.
	kind     metaalloc.Kind
	released bool

	p *Platform
}

// emaNodeSize is the metadata charged per EMA.
var emaNodeSize = uint64(unsafe.Sizeof(EMA{}))

// New returns an EMA for [start, start+length). The range must be non-empty,
// page aligned and inside ELRANGE; a TCS area must be exactly one page. The
// node is charged to the kind backend of p.Allocators. No ocall is made.
func New(p *Platform, start sgxarch.Addr, length uint64, flags sgx.AllocFlags, info sgx.PageInfo, handler PageFaultHandler, private any, kind metaalloc.Kind) (*EMA, error) {
	if !flags.IsValid() {
		return nil, linuxerr.EINVAL
	}
	if start == 0 || !start.IsPageAligned() || !sgxarch.IsPageMultiple(length) || !p.Layout.IsWithinEnclave(start, length) {
		return nil, linuxerr.EINVAL
	}
	if info.Type == sgx.PageTypeTCS && length != sgxarch.PageSize {
		return nil, linuxerr.EINVAL
	}
	if err := p.Allocators.Get(kind).Alloc(emaNodeSize); err != nil {
		return nil, err
	}
	return &EMA{
		start:   start,
		length:  length,
		flags:   flags,
		info:    info,
		handler: handler,
		private: private,
		kind:    kind,
		p:       p,
	}, nil
}

// String implements fmt.Stringer.String.
func (e *EMA) String() string {
	committed := 0
	if e.eacceptMap != nil {
		committed = e.eacceptMap.NumOnes()
	}
	return fmt.Sprintf("EMA%v{%v, %v, %d/%d committed}", e.Range(), e.flags, e.info, committed, e.numPages())
}

// Start returns the first address.
func (e *EMA) Start() sgxarch.Addr { return e.start }

// Len returns the length in bytes.
func (e *EMA) Len() uint64 { return e.length }

// End returns the address one past the end.
func (e *EMA) End() sgxarch.Addr { return e.start + sgxarch.Addr(e.length) }

// Range returns [Start, End).
func (e *EMA) Range() sgxarch.AddrRange { return sgxarch.AddrRange{Start: e.start, End: e.End()} }

// AlignedEnd returns End rounded up to align bytes, a power of two.
func (e *EMA) AlignedEnd(align uint64) sgxarch.Addr {
	end, _ := sgxarch.RoundTo(uint64(e.End()), align)
	return sgxarch.Addr(end)
}

// LowerThanAddr returns true if e lies entirely below addr.
func (e *EMA) LowerThanAddr(addr sgxarch.Addr) bool { return e.End() <= addr }

// HigherThanAddr returns true if e lies entirely at or above addr.
func (e *EMA) HigherThanAddr(addr sgxarch.Addr) bool { return e.start >= addr }

// OverlapAddr returns true if addr lies inside e.
func (e *EMA) OverlapAddr(addr sgxarch.Addr) bool { return e.start <= addr && addr < e.End() }

// Flags returns the allocation flags.
func (e *EMA) Flags() sgx.AllocFlags { return e.flags }

// Info returns the page type and protection.
func (e *EMA) Info() sgx.PageInfo { return e.info }

// Allocator returns the metadata backend of e.
func (e *EMA) Allocator() metaalloc.Kind { return e.kind }

// Handler returns the page-fault handler and its private value.
func (e *EMA) Handler() (PageFaultHandler, any) { return e.handler, e.private }

// IsPageCommitted returns true if the page containing addr has been
// accepted. It returns false for addresses outside e and when no accept map
// exists.
func (e *EMA) IsPageCommitted(addr sgxarch.Addr) bool {
	if e.eacceptMap == nil || !e.OverlapAddr(addr) {
		return false
	}
	return e.accepted(e.pageIndex(addr))
}

// accepted reports the accept map bit for page idx. idx must be in range.
func (e *EMA) accepted(idx int) bool {
	v, err := e.eacceptMap.Get(idx)
	if err != nil {
		panic(fmt.Sprintf("emm: %v: accept map index %d: %v", e, idx, err))
	}
	return v
}

// setAccepted sets the accept map bit for page idx. idx must be in range.
func (e *EMA) setAccepted(idx int, v bool) {
	if err := e.eacceptMap.Set(idx, v); err != nil {
		panic(fmt.Sprintf("emm: %v: accept map index %d: %v", e, idx, err))
	}
}

// CommittedPages returns the number of accepted pages.
func (e *EMA) CommittedPages() int {
	if e.eacceptMap == nil {
		return 0
	}
	return e.eacceptMap.NumOnes()
}

// SetEacceptMapFull marks every page as accepted, creating the map if
// needed. It is used for regions the loader already committed.
func (e *EMA) SetEacceptMapFull() error {
	if err := e.ensureEacceptMap(); err != nil {
		return err
	}
	e.eacceptMap.SetFull()
	return nil
}

func (e *EMA) numPages() uint64 {
	return sgxarch.BytesToPages(e.length)
}

func (e *EMA) pageIndex(addr sgxarch.Addr) int {
	return int(sgxarch.BytesToPages(uint64(addr - e.start)))
}

func (e *EMA) ensureEacceptMap() error {
	if e.eacceptMap != nil {
		return nil
	}
	m, err := bitmap.NewBitArray(int(e.numPages()), e.p.Allocators.Get(e.kind))
	if err != nil {
		return err
	}
	e.eacceptMap = m
	return nil
}

// checkSubrange returns EINVAL unless [start, start+length) is a non-empty
// page-aligned sub-range of e.
func (e *EMA) checkSubrange(start sgxarch.Addr, length uint64) error {
	if !start.IsPageAligned() || !sgxarch.IsPageMultiple(length) {
		return linuxerr.EINVAL
	}
	r, ok := start.ToRange(length)
	if !ok || !e.Range().IsSupersetOf(r) {
		return linuxerr.EINVAL
	}
	return nil
}

// Alloc performs the allocation protocol. Reserved areas need nothing. For
// all others the accept map is created, the host is asked to map the range,
// and with AllocCommitNow every page is accepted (top-down for
// AllocGrowsDown) and marked; otherwise every page is marked uncommitted.
//
// On failure e may be partially set up and should be deallocated and
// released by the caller.
func (e *EMA) Alloc() error {
	if e.flags.Contains(sgx.AllocReserved) {
		return nil
	}
	if err := e.ensureEacceptMap(); err != nil {
		return err
	}
	if err := e.p.allocOCall(ocall.AllocRequest{
		Addr:   e.start,
		Length: e.length,
		Type:   e.info.Type,
		Flags:  e.flags,
	}); err != nil {
		return err
	}
	if !e.flags.Contains(sgx.AllocCommitNow) {
		e.eacceptMap.Clear()
		return nil
	}
	pages, err := NewPageRange(e.p, e.start, e.numPages(), sgx.PageInfo{Type: e.info.Type, Prot: e.info.Prot | sgx.ProtPending})
	if err != nil {
		return err
	}
	if err := pages.Accept(e.flags.Contains(sgx.AllocGrowsDown)); err != nil {
		log.Warningf("emm: %v: accepting committed pages failed: %v", e, err)
		return err
	}
	e.eacceptMap.SetFull()
	return nil
}

// CommitCheck returns EACCES unless pages of e may be committed: e must be a
// readable or writable regular area that is not reserved.
func (e *EMA) CommitCheck() error {
	if e.info.Prot&sgx.ProtRW == 0 || e.info.Type != sgx.PageTypeReg || e.flags.Contains(sgx.AllocReserved) {
		return linuxerr.EACCES
	}
	return nil
}

// Commit accepts every page of [start, start+length) that is not committed
// yet, in ascending order. Pages already committed are skipped without any
// instruction. The accept map is updated page by page, so a failure leaves the
// pages before it committed.
func (e *EMA) Commit(start sgxarch.Addr, length uint64) error {
	if err := e.checkSubrange(start, length); err != nil {
		return err
	}
	if e.eacceptMap == nil {
		panic(fmt.Sprintf("emm: commit on %v without an accept map", e))
	}
	pages, err := NewPageRange(e.p, start, sgxarch.BytesToPages(length), sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW | sgx.ProtPending})
	if err != nil {
		return err
	}
	base := e.pageIndex(start)
	for i, page := range pages.All() {
		idx := base + int(i)
		if e.accepted(idx) {
			continue
		}
		if err := page.Accept(); err != nil {
			return err
		}
		e.setAccepted(idx, true)
	}
	return nil
}

// CommitSelf commits the whole of e.
func (e *EMA) CommitSelf() error {
	return e.Commit(e.start, e.length)
}

// UncommitCheck returns EACCES if e is reserved.
func (e *EMA) UncommitCheck() error {
	if e.flags.Contains(sgx.AllocReserved) {
		return linuxerr.EACCES
	}
	return nil
}

// Uncommit removes every committed page of [start, start+length). Each
// maximal run of committed pages goes through the trim protocol: the host
// retypes the run to TRIM, each page is accepted as trimmed and unmarked, and
// the host is told to complete removal. prot is the protection reported to
// the host for the run. Reserved areas are a no-op. Trimming needs read
// access, so an inaccessible regular area fails with EINVAL, as does an area
// with no accept map.
func (e *EMA) Uncommit(start sgxarch.Addr, length uint64, prot sgx.ProtFlags) error {
	if e.flags.Contains(sgx.AllocReserved) {
		return nil
	}
	if e.eacceptMap == nil || (e.info.Prot == sgx.ProtNone && e.info.Type != sgx.PageTypeTCS) {
		return linuxerr.EINVAL
	}
	if err := e.checkSubrange(start, length); err != nil {
		return err
	}
	first := e.pageIndex(start)
	end := first + int(sgxarch.BytesToPages(length))
	for i := first; i < end; {
		runStart, ok := e.eacceptMap.NextSet(i, end)
		if !ok {
			break
		}
		runEnd, ok := e.eacceptMap.NextClear(runStart, end)
		if !ok {
			runEnd = end
		}
		if err := e.trimRun(runStart, runEnd, prot); err != nil {
			return err
		}
		i = runEnd
	}
	return nil
}

// trimRun runs the trim protocol on pages [first, end) of e.
func (e *EMA) trimRun(first, end int, prot sgx.ProtFlags) error {
	addr := e.start + sgxarch.Addr(sgxarch.PagesToBytes(uint64(first)))
	count := uint64(end - first)
	length := sgxarch.PagesToBytes(count)
	trimmed := sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: prot}
	if err := e.p.modifyOCall(ocall.ModifyRequest{
		Addr:   addr,
		Length: length,
		From:   sgx.PageInfo{Type: e.info.Type, Prot: prot},
		To:     trimmed,
	}); err != nil {
		return err
	}
	pages, err := NewPageRange(e.p, addr, count, sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtModified})
	if err != nil {
		return err
	}
	for i, page := range pages.All() {
		if err := page.Accept(); err != nil {
			log.Warningf("emm: %v: accepting trimmed %v failed after %d of %d pages: %v", e, page, i, count, err)
			return err
		}
		e.setAccepted(first+int(i), false)
	}
	return e.p.modifyOCall(ocall.ModifyRequest{
		Addr:   addr,
		Length: length,
		From:   trimmed,
		To:     trimmed,
	})
}

// UncommitSelf uncommits the whole of e with its current protection. An
// inaccessible non-TCS area is first made readable.
func (e *EMA) UncommitSelf() error {
	if e.info.Prot == sgx.ProtNone && e.info.Type != sgx.PageTypeTCS {
		if err := e.ModifyPerm(sgx.ProtRead); err != nil {
			return err
		}
	}
	return e.Uncommit(e.start, e.length, e.info.Prot)
}

// ModifyPermCheck returns EACCES unless e is a non-reserved regular area, and
// EINVAL unless every page of e is committed.
func (e *EMA) ModifyPermCheck() error {
	if e.info.Type != sgx.PageTypeReg || e.flags.Contains(sgx.AllocReserved) {
		return linuxerr.EACCES
	}
	if e.eacceptMap == nil || !e.eacceptMap.AllTrue() {
		return linuxerr.EINVAL
	}
	return nil
}

// ModifyPerm changes the permissions of every page of e to prot. The host is
// told first; then each page is extended with EMODPE if prot adds bits, and
// accepted with the restriction unless prot grants both write and execute.
// Making the area inaccessible costs one more ocall to tell the host.
func (e *EMA) ModifyPerm(prot sgx.ProtFlags) error {
	prot = prot.Perms()
	old := e.info.Prot
	if prot == old {
		return nil
	}
	if err := e.p.modifyOCall(ocall.ModifyRequest{
		Addr:   e.start,
		Length: e.length,
		From:   sgx.PageInfo{Type: e.info.Type, Prot: old},
		To:     sgx.PageInfo{Type: e.info.Type, Prot: prot},
	}); err != nil {
		return err
	}
	pages, err := NewPageRange(e.p, e.start, e.numPages(), sgx.PageInfo{Type: sgx.PageTypeReg, Prot: prot | sgx.ProtPR})
	if err != nil {
		return err
	}
	extend := prot|old != old
	accept := prot&(sgx.ProtWrite|sgx.ProtExec) != sgx.ProtWrite|sgx.ProtExec
	for _, page := range pages.All() {
		if extend {
			if err := page.ModPE(); err != nil {
				log.Warningf("emm: %v: emodpe %v failed: %v", e, page, err)
				return err
			}
		}
		if accept {
			if err := page.Accept(); err != nil {
				log.Warningf("emm: %v: accepting restricted %v failed: %v", e, page, err)
				return err
			}
		}
	}
	e.info.Prot = prot
	if prot == sgx.ProtNone {
		none := sgx.PageInfo{Type: e.info.Type, Prot: sgx.ProtNone}
		return e.p.modifyOCall(ocall.ModifyRequest{
			Addr:   e.start,
			Length: e.length,
			From:   none,
			To:     none,
		})
	}
	return nil
}

// ChangeToTCS converts a committed single-page read-write regular area into a
// thread control structure. It returns EINVAL unless e is exactly one page
// and EACCES unless that page is committed with type regular and protection
// read-write. An area that is already a TCS is left unchanged.
func (e *EMA) ChangeToTCS() error {
	if e.length != sgxarch.PageSize {
		return linuxerr.EINVAL
	}
	if e.info.Type == sgx.PageTypeTCS {
		return nil
	}
	rw := sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW}
	if !e.IsPageCommitted(e.start) || e.info != rw {
		return linuxerr.EACCES
	}
	if err := e.p.modifyOCall(ocall.ModifyRequest{
		Addr:   e.start,
		Length: e.length,
		From:   rw,
		To:     sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtRW},
	}); err != nil {
		return err
	}
	page := Page{Addr: e.start, Info: sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtModified}, ops: e.p}
	if err := page.Accept(); err != nil {
		return err
	}
	e.info = sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtNone}
	return nil
}

// Split cuts e at addr, which must be a page boundary strictly inside e. e
// keeps [Start, addr) and the returned EMA covers [addr, End) with the same
// flags, page info, handler and backend; the accept map is partitioned
// between the two. e is unchanged on error.
func (e *EMA) Split(addr sgxarch.Addr) (*EMA, error) {
	if addr <= e.start || addr >= e.End() || !addr.IsPageAligned() {
		return nil, linuxerr.EINVAL
	}
	alloc := e.p.Allocators.Get(e.kind)
	if err := alloc.Alloc(emaNodeSize); err != nil {
		return nil, err
	}
	var rightMap *bitmap.BitArray
	if e.eacceptMap != nil {
		m, err := e.eacceptMap.Split(e.pageIndex(addr))
		if err != nil {
			alloc.Free(emaNodeSize)
			return nil, err
		}
		rightMap = m
	}
	right := &EMA{
		start:      addr,
		length:     uint64(e.End() - addr),
		flags:      e.flags,
		info:       e.info,
		eacceptMap: rightMap,
		handler:    e.handler,
		private:    e.private,
		kind:       e.kind,
		p:          e.p,
	}
	e.length = uint64(addr - e.start)
	e.p.Stats.Splits.Add(1)
	return right, nil
}

// Dealloc releases every committed page of e. An inaccessible non-TCS area is
// made readable first, and the host is told the pages become inaccessible.
// Reserved areas are a no-op. The node itself is freed by Release.
func (e *EMA) Dealloc() error {
	if e.flags.Contains(sgx.AllocReserved) {
		return nil
	}
	if e.info.Prot == sgx.ProtNone && e.info.Type != sgx.PageTypeTCS {
		if err := e.ModifyPerm(sgx.ProtRead); err != nil {
			return err
		}
	}
	return e.Uncommit(e.start, e.length, sgx.ProtNone)
}

// Release returns the node and accept map to their backend. e must not be
// used afterwards.
func (e *EMA) Release() {
	if e.released {
		return
	}
	e.released = true
	if e.eacceptMap != nil {
		e.eacceptMap.Release()
		e.eacceptMap = nil
	}
	e.p.Allocators.Get(e.kind).Free(emaNodeSize)
}

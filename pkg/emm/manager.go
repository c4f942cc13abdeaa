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
	"sort"
	"sync"
	"time"

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/bitmap"
	"gvisor.dev/sgxemm/pkg/cleanup"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/metaalloc"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// Manager administers the EMAs of one enclave: a sorted list for the runtime
// range and one for the user range. A single mutex serializes every
// operation.
type Manager struct {
	p *Platform

	// faultLog rate limits page fault diagnostics.
	faultLog log.Logger

	mu sync.Mutex

	// rts and user hold non-overlapping EMAs sorted by address.
	//
	// +checklocks:mu
	rts emaList
	// +checklocks:mu
	user emaList

	// grows counts reserve backend growths.
	//
	// +checklocks:mu
	grows int
}

// NewManager returns a Manager for p. If the reserve backend of p is a
// metaalloc.ReservePool, the Manager backs its growth with committed runtime
// memory; such a pool must then only be used through this Manager.
func NewManager(p *Platform) (*Manager, error) {
	if err := p.Layout.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		p:        p,
		faultLog: log.BasicRateLimitedLogger(time.Second),
		rts:      newEMAList(),
		user:     newEMAList(),
	}
	if rp, ok := p.Allocators.Get(metaalloc.Reserve).(*metaalloc.ReservePool); ok {
		rp.SetGrowFunc(m.growReserveLocked)
	}
	return m, nil
}

// Platform returns the platform m operates on.
func (m *Manager) Platform() *Platform {
	return m.p
}

// +checklocks:m.mu
func (m *Manager) list(typ RangeType) *emaList {
	if typ == RangeUser {
		return &m.user
	}
	return &m.rts
}

func (m *Manager) withinRange(addr sgxarch.Addr, length uint64, typ RangeType) bool {
	if typ == RangeUser {
		return m.p.Layout.IsWithinUser(addr, length)
	}
	return m.p.Layout.IsWithinRTS(addr, length)
}

// Check returns the range type of [addr, addr+size), or EINVAL if it is not
// page aligned or not wholly inside either range.
func (m *Manager) Check(addr sgxarch.Addr, size uint64) (RangeType, error) {
	if !addr.IsPageAligned() || !m.p.Layout.IsWithinEnclave(addr, size) || !sgxarch.IsPageMultiple(size) {
		return 0, linuxerr.EINVAL
	}
	switch {
	case m.p.Layout.IsWithinRTS(addr, size):
		return RangeRTS, nil
	case m.p.Layout.IsWithinUser(addr, size):
		return RangeUser, nil
	default:
		return 0, linuxerr.EINVAL
	}
}

// precharge makes sure the backend can supply size bytes, growing it if
// needed, without keeping the charge. Growing the reserve backend inserts a
// new runtime EMA, so this must run before the caller picks list positions.
func (m *Manager) precharge(kind metaalloc.Kind, size uint64) error {
	a := m.p.Allocators.Get(kind)
	if err := a.Alloc(size); err != nil {
		return err
	}
	a.Free(size)
	return nil
}

// emaMetaSize returns the metadata charged for an EMA of pages pages.
func emaMetaSize(pages uint64) uint64 {
	return metaalloc.RoundSize(emaNodeSize) + bitmap.StorageSize(int(pages))
}

// growReserveLocked backs size more bytes of reserve metadata with a
// committed runtime region whose own metadata is static.
//
// +checklocks:m.mu
func (m *Manager) growReserveLocked(size uint64) error {
	size, _ = sgxarch.RoundTo(size, sgxarch.PageSize)
	addr, err := m.allocLocked(&Options{
		Length: size,
		Flags:  sgx.AllocCommitNow,
		Type:   sgx.PageTypeReg,
		Alloc:  metaalloc.Static,
	}, RangeRTS)
	if err != nil {
		return err
	}
	m.grows++
	log.Infof("emm: reserve metadata grew by %#x bytes at %v", size, addr)
	return nil
}

// Alloc allocates a region in the typ range and returns its address.
//
// With a non-zero opts.Addr, a range covered only by reserved EMAs of the
// same backend is reclaimed for the new region; a range overlapping anything
// else fails with EEXIST if sgx.AllocFixed is set and otherwise falls back
// to a free range chosen by the Manager. A free opts.Addr is used as is. If
// no free range exists, Alloc returns ENOMEM.
func (m *Manager) Alloc(opts *Options, typ RangeType) (sgxarch.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocLocked(opts, typ)
}

// AllocUser allocates in the user range.
func (m *Manager) AllocUser(opts *Options) (sgxarch.Addr, error) {
	return m.Alloc(opts, RangeUser)
}

// AllocRTS allocates in the runtime range.
func (m *Manager) AllocRTS(opts *Options) (sgxarch.Addr, error) {
	return m.Alloc(opts, RangeRTS)
}

// +checklocks:m.mu
func (m *Manager) allocLocked(opts *Options, typ RangeType) (sgxarch.Addr, error) {
	if err := opts.Check(); err != nil {
		return 0, err
	}
	meta := emaMetaSize(sgxarch.BytesToPages(opts.Length))
	var (
		addr sgxarch.Addr
		pos  int
		err  error
	)
	for {
		grows := m.grows
		if addr, pos, err = m.placeLocked(opts, typ); err != nil {
			return 0, err
		}
		if err := m.precharge(opts.Alloc, meta); err != nil {
			return 0, err
		}
		// Growing the reserve backend may have taken the chosen range.
		if m.grows == grows {
			break
		}
	}

	ema, err := New(m.p, addr, opts.Length, opts.Flags, opts.pageInfo(), opts.Handler, opts.Private, opts.Alloc)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() {
		if ema.eacceptMap == nil {
			ema.Release()
			return
		}
		if err := ema.Dealloc(); err != nil {
			log.Warningf("emm: releasing %v after failed allocation: %v", ema, err)
		}
		ema.Release()
	})
	defer cu.Clean()
	if err := ema.Alloc(); err != nil {
		return 0, err
	}
	m.list(typ).InsertBefore(pos, ema)
	cu.Release()
	log.Debugf("emm: allocated %v in %v range", ema, typ)
	return addr, nil
}

// placeLocked picks the address and list position for a new region as
// described by Alloc.
//
// +checklocks:m.mu
func (m *Manager) placeLocked(opts *Options, typ RangeType) (sgxarch.Addr, int, error) {
	if opts.Addr != 0 {
		fixed := opts.Flags.Contains(sgx.AllocFixed)
		end := opts.Addr + sgxarch.Addr(opts.Length)
		if m.overlapsLocked(typ, opts.Addr, end) {
			pos, ok, err := m.clearReservedLocked(typ, opts.Addr, end, opts.Alloc)
			switch {
			case err != nil:
				return 0, nilIndex, err
			case ok:
				return opts.Addr, pos, nil
			case fixed:
				return 0, nilIndex, linuxerr.EEXIST
			}
		} else if pos, ok := m.findFreeRegionAtLocked(typ, opts.Addr, opts.Length); ok {
			return opts.Addr, pos, nil
		} else if fixed {
			return 0, nilIndex, linuxerr.EPERM
		}
	}
	addr, pos, ok := m.findFreeRegionLocked(typ, opts.Length, opts.Align.Bytes())
	if !ok {
		return 0, nilIndex, linuxerr.ENOMEM
	}
	return addr, pos, nil
}

// +checklocks:m.mu
func (m *Manager) overlapsLocked(typ RangeType, start, end sgxarch.Addr) bool {
	l := m.list(typ)
	r := sgxarch.AddrRange{Start: start, End: end}
	for i := l.Front(); i != nilIndex; i = l.Next(i) {
		e := l.Get(i)
		if e.HigherThanAddr(end) {
			return false
		}
		if e.Range().Overlaps(r) {
			return true
		}
	}
	return false
}

// findFreeRegionAtLocked returns the list position a region at [addr,
// addr+length) would be inserted before, if that range is free.
//
// +checklocks:m.mu
func (m *Manager) findFreeRegionAtLocked(typ RangeType, addr sgxarch.Addr, length uint64) (int, bool) {
	if !m.withinRange(addr, length, typ) {
		return nilIndex, false
	}
	end := addr + sgxarch.Addr(length)
	l := m.list(typ)
	for i := l.Front(); i != nilIndex; i = l.Next(i) {
		e := l.Get(i)
		if e.HigherThanAddr(end) {
			return i, true
		}
		if !e.LowerThanAddr(addr) {
			return nilIndex, false
		}
	}
	return nilIndex, true
}

// findFreeRegionLocked finds the first free range of length bytes aligned to
// align and returns its address and insert position.
//
// +checklocks:m.mu
func (m *Manager) findFreeRegionLocked(typ RangeType, length, align uint64) (sgxarch.Addr, int, bool) {
	l := m.list(typ)
	lay := m.p.Layout
	fits := func(a uint64) bool {
		return m.withinRange(sgxarch.Addr(a), length, typ)
	}

	if l.Len() > 0 {
		// Gaps after each area, lowest first.
		for i := l.Front(); i != nilIndex; i = l.Next(i) {
			a := uint64(l.Get(i).AlignedEnd(align))
			next := l.Next(i)
			if next == nilIndex {
				if fits(a) {
					return sgxarch.Addr(a), nilIndex, true
				}
				break
			}
			if end, ok := sgxarch.Addr(a).AddLength(length); ok && end <= l.Get(next).Start() && fits(a) {
				return sgxarch.Addr(a), next, true
			}
		}
		// Below the first area.
		if first := uint64(l.Get(l.Front()).Start()); first >= length {
			if a := sgxarch.TrimTo(first-length, align); fits(a) {
				return sgxarch.Addr(a), l.Front(), true
			}
		}
	}

	// Fixed candidates: the start of the user range, or for the runtime
	// range the space just below and just above the user range and the base
	// of ELRANGE.
	var candidates []uint64
	if typ == RangeUser {
		candidates = append(candidates, uint64(lay.UserBase))
	} else {
		if u := uint64(lay.UserBase); u >= length {
			candidates = append(candidates, sgxarch.TrimTo(u-length, align))
		}
		candidates = append(candidates, uint64(lay.UserRange().End), uint64(lay.Base))
	}
	for _, c := range candidates {
		a, ok := sgxarch.RoundTo(c, align)
		if !ok {
			continue
		}
		if pos, ok := m.findFreeRegionAtLocked(typ, sgxarch.Addr(a), length); ok {
			return sgxarch.Addr(a), pos, true
		}
	}
	return 0, nilIndex, false
}

// findRangeLocked returns the first and last list positions and the number
// of EMAs that overlap [start, end). With continuous, the EMAs must leave no
// gap between one another. It returns EINVAL if there is no such EMA.
//
// +checklocks:m.mu
func (m *Manager) findRangeLocked(typ RangeType, start, end sgxarch.Addr, continuous bool) (first, last, n int, err error) {
	l := m.list(typ)
	i := l.Front()
	for i != nilIndex && l.Get(i).LowerThanAddr(start) {
		i = l.Next(i)
	}
	if i == nilIndex || l.Get(i).HigherThanAddr(end) {
		return nilIndex, nilIndex, 0, linuxerr.EINVAL
	}
	first, last = i, i
	prevEnd := l.Get(i).Start()
	for ; i != nilIndex && !l.Get(i).HigherThanAddr(end); i = l.Next(i) {
		e := l.Get(i)
		if continuous && prevEnd != e.Start() {
			return nilIndex, nilIndex, 0, linuxerr.EINVAL
		}
		prevEnd = e.End()
		last = i
		n++
	}
	return first, last, n, nil
}

// searchRangeLocked is findRangeLocked followed by splitting the boundary
// EMAs so that the n EMAs starting at first lie exactly inside [start, end).
//
// +checklocks:m.mu
func (m *Manager) searchRangeLocked(typ RangeType, start, end sgxarch.Addr, continuous bool) (int, int, error) {
	first, last, n, err := m.findRangeLocked(typ, start, end, continuous)
	if err != nil {
		return nilIndex, 0, err
	}
	l := m.list(typ)
	splitFirst := l.Get(first).Start() < start
	splitLast := l.Get(last).End() > end
	if splitFirst || splitLast {
		// Get split metadata before touching the list: growing the reserve
		// backend may insert a runtime EMA.
		need := make(map[metaalloc.Kind]uint64)
		if splitFirst {
			e := l.Get(first)
			need[e.kind] += 2 * emaMetaSize(e.numPages())
		}
		if splitLast {
			e := l.Get(last)
			need[e.kind] += 2 * emaMetaSize(e.numPages())
		}
		for kind, size := range need {
			if err := m.precharge(kind, size); err != nil {
				return nilIndex, 0, err
			}
		}
		if first, last, n, err = m.findRangeLocked(typ, start, end, continuous); err != nil {
			return nilIndex, 0, err
		}
	}
	if e := l.Get(first); e.Start() < start {
		right, err := e.Split(start)
		if err != nil {
			return nilIndex, 0, err
		}
		idx := l.InsertAfter(first, right)
		if last == first {
			last = idx
		}
		first = idx
	}
	if e := l.Get(last); e.End() > end {
		right, err := e.Split(end)
		if err != nil {
			return nilIndex, 0, err
		}
		l.InsertAfter(last, right)
	}
	return first, n, nil
}

// forEachLocked calls fn on the n EMAs starting at first, stopping at the
// first error.
//
// +checklocks:m.mu
func (m *Manager) forEachLocked(typ RangeType, first, n int, fn func(*EMA) error) error {
	l := m.list(typ)
	for i, k := first, 0; k < n; i, k = l.Next(i), k+1 {
		if err := fn(l.Get(i)); err != nil {
			return err
		}
	}
	return nil
}

// clearReservedLocked removes the EMAs in [start, end) if they are all
// reserved, use backend kind and leave no gaps between one another. It
// returns the insert position for a region replacing them.
//
// +checklocks:m.mu
func (m *Manager) clearReservedLocked(typ RangeType, start, end sgxarch.Addr, kind metaalloc.Kind) (int, bool, error) {
	first, _, n, err := m.findRangeLocked(typ, start, end, true)
	if err != nil {
		return nilIndex, false, nil
	}
	if err := m.forEachLocked(typ, first, n, func(e *EMA) error {
		if !e.Flags().Contains(sgx.AllocReserved) || e.Allocator() != kind {
			return linuxerr.EEXIST
		}
		return nil
	}); err != nil {
		return nilIndex, false, nil
	}
	first, n, err = m.searchRangeLocked(typ, start, end, true)
	if err != nil {
		return nilIndex, false, err
	}
	l := m.list(typ)
	i := first
	for k := 0; k < n; k++ {
		var e *EMA
		e, i = l.Remove(i)
		e.Release()
	}
	return i, true, nil
}

// Commit commits [addr, addr+size), which must be covered without gaps by
// committable EMAs.
func (m *Manager) Commit(addr sgxarch.Addr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ, err := m.Check(addr, size)
	if err != nil {
		return err
	}
	first, n, err := m.searchRangeLocked(typ, addr, addr+sgxarch.Addr(size), true)
	if err != nil {
		return err
	}
	if err := m.forEachLocked(typ, first, n, (*EMA).CommitCheck); err != nil {
		return err
	}
	return m.forEachLocked(typ, first, n, (*EMA).CommitSelf)
}

// Uncommit uncommits [addr, addr+size), which must be covered without gaps
// by non-reserved EMAs. The address range stays allocated.
func (m *Manager) Uncommit(addr sgxarch.Addr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ, err := m.Check(addr, size)
	if err != nil {
		return err
	}
	first, n, err := m.searchRangeLocked(typ, addr, addr+sgxarch.Addr(size), true)
	if err != nil {
		return err
	}
	if err := m.forEachLocked(typ, first, n, (*EMA).UncommitCheck); err != nil {
		return err
	}
	return m.forEachLocked(typ, first, n, (*EMA).UncommitSelf)
}

// Dealloc frees every EMA in [addr, addr+size). The EMAs are removed and
// their metadata released even if giving their pages back fails; the first
// such error is returned.
func (m *Manager) Dealloc(addr sgxarch.Addr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ, err := m.Check(addr, size)
	if err != nil {
		return err
	}
	first, n, err := m.searchRangeLocked(typ, addr, addr+sgxarch.Addr(size), false)
	if err != nil {
		return err
	}
	l := m.list(typ)
	var firstErr error
	i := first
	for k := 0; k < n; k++ {
		var e *EMA
		e, i = l.Remove(i)
		if err := e.Dealloc(); err != nil {
			log.Warningf("emm: deallocating %v: %v", e, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		e.Release()
	}
	return firstErr
}

// ModifyType changes the page type of [addr, addr+size). Only conversion of
// a single page to sgx.PageTypeTCS is supported: other types fail with EPERM
// and other sizes with EINVAL.
func (m *Manager) ModifyType(addr sgxarch.Addr, size uint64, typ sgx.PageType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, err := m.Check(addr, size)
	if err != nil {
		return err
	}
	if typ != sgx.PageTypeTCS {
		return linuxerr.EPERM
	}
	if size != sgxarch.PageSize {
		return linuxerr.EINVAL
	}
	first, _, err := m.searchRangeLocked(rt, addr, addr+sgxarch.Addr(size), true)
	if err != nil {
		return err
	}
	return m.list(rt).Get(first).ChangeToTCS()
}

// ModifyPerms changes the permissions of [addr, addr+size), which must be
// covered without gaps by fully committed regular EMAs. Execute without read
// is rejected with EINVAL.
func (m *Manager) ModifyPerms(addr sgxarch.Addr, size uint64, prot sgx.ProtFlags) error {
	if prot != prot.Perms() || (prot&sgx.ProtExec != 0 && prot&sgx.ProtRead == 0) {
		return linuxerr.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	typ, err := m.Check(addr, size)
	if err != nil {
		return err
	}
	first, n, err := m.searchRangeLocked(typ, addr, addr+sgxarch.Addr(size), true)
	if err != nil {
		return err
	}
	if err := m.forEachLocked(typ, first, n, (*EMA).ModifyPermCheck); err != nil {
		return err
	}
	return m.forEachLocked(typ, first, n, func(e *EMA) error {
		return e.ModifyPerm(prot)
	})
}

// InitStaticRegion registers a runtime region the loader created at
// opts.Addr with protection prot. No ocall is made; unless the region is
// reserved all its pages are recorded as committed.
func (m *Manager) InitStaticRegion(opts *Options, prot sgx.ProtFlags) error {
	if opts.Addr == 0 {
		return linuxerr.EINVAL
	}
	if err := opts.Check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.precharge(opts.Alloc, emaMetaSize(sgxarch.BytesToPages(opts.Length))); err != nil {
		return err
	}
	pos, ok := m.findFreeRegionAtLocked(RangeRTS, opts.Addr, opts.Length)
	if !ok {
		return linuxerr.EINVAL
	}
	info := opts.pageInfo()
	if !opts.Flags.Contains(sgx.AllocReserved) {
		info.Prot = prot.Perms()
	}
	ema, err := New(m.p, opts.Addr, opts.Length, opts.Flags, info, opts.Handler, opts.Private, opts.Alloc)
	if err != nil {
		return err
	}
	if !opts.Flags.Contains(sgx.AllocReserved) {
		if err := ema.SetEacceptMapFull(); err != nil {
			ema.Release()
			return err
		}
	}
	m.rts.InsertBefore(pos, ema)
	return nil
}

// RegionInfo describes one EMA.
type RegionInfo struct {
	Range          sgxarch.AddrRange
	RangeType      RangeType
	Flags          sgx.AllocFlags
	Info           sgx.PageInfo
	Alloc          metaalloc.Kind
	CommittedPages int
	HasHandler     bool
}

func regionInfo(e *EMA, typ RangeType) RegionInfo {
	return RegionInfo{
		Range:          e.Range(),
		RangeType:      typ,
		Flags:          e.Flags(),
		Info:           e.Info(),
		Alloc:          e.Allocator(),
		CommittedPages: e.CommittedPages(),
		HasHandler:     e.handler != nil,
	}
}

// Regions returns every EMA sorted by address.
func (m *Manager) Regions() []RegionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RegionInfo
	for _, typ := range []RangeType{RangeRTS, RangeUser} {
		for _, e := range m.list(typ).All() {
			out = append(out, regionInfo(e, typ))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

// Lookup returns the EMA containing addr.
func (m *Manager) Lookup(addr sgxarch.Addr) (RegionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, typ := m.searchEMALocked(addr)
	if e == nil {
		return RegionInfo{}, false
	}
	return regionInfo(e, typ), true
}

// searchEMALocked returns the EMA containing addr and its range type.
//
// +checklocks:m.mu
func (m *Manager) searchEMALocked(addr sgxarch.Addr) (*EMA, RangeType) {
	for _, typ := range []RangeType{RangeUser, RangeRTS} {
		l := m.list(typ)
		for i := l.Front(); i != nilIndex; i = l.Next(i) {
			e := l.Get(i)
			if e.OverlapAddr(addr) {
				return e, typ
			}
			if e.HigherThanAddr(addr) {
				break
			}
		}
	}
	return nil, RangeRTS
}

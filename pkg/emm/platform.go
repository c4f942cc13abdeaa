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

// Package emm implements enclave memory management for SGX2 enclaves.
//
// The enclave's linear address range is tracked as a sorted set of enclave
// memory areas (EMAs). Each EMA covers a page-aligned range with uniform
// allocation flags, page type and protection, and records which of its pages
// have been accepted. Changing the state of a page is a two-party protocol: the
// untrusted host is asked to perform the change through an OCALL (package
// ocall), and the enclave then confirms it with EACCEPT or EMODPE (PageOps).
// The enclave never trusts the host's reply; it trusts only the outcome of
// its own page instructions.
//
// Lock order:
//
//	Manager.mu
//	  metaalloc pool locks
package emm

import (
	"fmt"

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/metaalloc"
	"gvisor.dev/sgxemm/pkg/ocall"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// Layout describes the enclave address space: ELRANGE and the sub-range
// handed out to user allocations. Everything in ELRANGE outside the user
// range belongs to the runtime (RTS).
type Layout struct {
	Base     sgxarch.Addr
	Size     uint64
	UserBase sgxarch.Addr
	UserSize uint64
}

// Validate checks that the layout is page aligned and that the user range
// lies inside ELRANGE.
func (l Layout) Validate() error {
	elrange, ok := l.Base.ToRange(l.Size)
	if !ok || l.Base == 0 || !elrange.IsPageAligned() || l.Size == 0 {
		return fmt.Errorf("invalid enclave range [%v, +%#x)", l.Base, l.Size)
	}
	user, ok := l.UserBase.ToRange(l.UserSize)
	if !ok || !user.IsPageAligned() || !elrange.IsSupersetOf(user) {
		return fmt.Errorf("user range [%v, +%#x) is not page aligned inside %v", l.UserBase, l.UserSize, elrange)
	}
	return nil
}

// EnclaveRange returns ELRANGE.
func (l Layout) EnclaveRange() sgxarch.AddrRange {
	r, _ := l.Base.ToRange(l.Size)
	return r
}

// UserRange returns the user range.
func (l Layout) UserRange() sgxarch.AddrRange {
	r, _ := l.UserBase.ToRange(l.UserSize)
	return r
}

// IsWithinEnclave returns true if [addr, addr+length) lies inside ELRANGE.
func (l Layout) IsWithinEnclave(addr sgxarch.Addr, length uint64) bool {
	r, ok := addr.ToRange(length)
	return ok && l.EnclaveRange().IsSupersetOf(r)
}

// IsWithinUser returns true if [addr, addr+length) lies inside the user
// range.
func (l Layout) IsWithinUser(addr sgxarch.Addr, length uint64) bool {
	r, ok := addr.ToRange(length)
	return ok && l.UserSize != 0 && l.UserRange().IsSupersetOf(r)
}

// IsWithinRTS returns true if [addr, addr+length) lies inside ELRANGE and
// does not touch the user range.
func (l Layout) IsWithinRTS(addr sgxarch.Addr, length uint64) bool {
	r, ok := addr.ToRange(length)
	return ok && l.EnclaveRange().IsSupersetOf(r) && !l.UserRange().Overlaps(r)
}

// RangeType selects one of the two address ranges the Manager administers.
type RangeType int

const (
	// RangeRTS is the runtime range.
	RangeRTS RangeType = iota

	// RangeUser is the user range.
	RangeUser
)

// String implements fmt.Stringer.String.
func (t RangeType) String() string {
	if t == RangeUser {
		return "user"
	}
	return "rts"
}

// Platform bundles the collaborators every EMA operation needs. All EMA
// operations route their ocalls and page instructions through it, which
// counts and traces them.
type Platform struct {
	Host       ocall.Host
	Pages      PageOps
	Layout     Layout
	Allocators *metaalloc.Set
	Stats      *Stats
}

// NewPlatform returns a Platform. A nil allocator set selects
// metaalloc.NewDefaultSet.
func NewPlatform(host ocall.Host, pages PageOps, layout Layout, allocs *metaalloc.Set) *Platform {
	if allocs == nil {
		allocs = metaalloc.NewDefaultSet()
	}
	return &Platform{
		Host:       host,
		Pages:      pages,
		Layout:     layout,
		Allocators: allocs,
		Stats:      &Stats{},
	}
}

func (p *Platform) allocOCall(req ocall.AllocRequest) error {
	p.Stats.AllocOCalls.Add(1)
	err := p.Host.AllocOCall(req)
	if err != nil {
		p.Stats.OCallFailures.Add(1)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("emm: ocall %v: %v", req, err)
	}
	return err
}

func (p *Platform) modifyOCall(req ocall.ModifyRequest) error {
	p.Stats.ModifyOCalls.Add(1)
	err := p.Host.ModifyOCall(req)
	if err != nil {
		p.Stats.OCallFailures.Add(1)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("emm: ocall %v (%v): %v", req, req.Classify(), err)
	}
	return err
}

// Accept implements PageOps.Accept.
func (p *Platform) Accept(addr sgxarch.Addr, info sgx.PageInfo) error {
	p.Stats.Accepts.Add(1)
	if err := p.Pages.Accept(addr, info); err != nil {
		p.Stats.PageOpFailures.Add(1)
		log.Debugf("emm: eaccept %v %v: %v", addr, info, err)
		return err
	}
	return nil
}

// ModPE implements PageOps.ModPE.
func (p *Platform) ModPE(addr sgxarch.Addr, info sgx.PageInfo) error {
	p.Stats.ModPEs.Add(1)
	if err := p.Pages.ModPE(addr, info); err != nil {
		p.Stats.PageOpFailures.Add(1)
		log.Debugf("emm: emodpe %v %v: %v", addr, info, err)
		return err
	}
	return nil
}

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

// Package emmtest provides test doubles for the enclave memory manager: a
// recording host with failure injection and page instructions that record
// their order.
package emmtest

import (
	"fmt"
	"sync"

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/ocall"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// Host is an ocall.Host that records every call. Calls succeed unless a
// failure was injected.
type Host struct {
	*ocall.Recorder
	inj *injector
}

// NewHost returns a Host with no injected failures.
func NewHost() *Host {
	inj := &injector{
		byCall:       make(map[int]error),
		byTransition: make(map[ocall.Transition]error),
	}
	return &Host{Recorder: &ocall.Recorder{Next: inj}, inj: inj}
}

// FailCall makes the n-th call from now, counting from zero, fail with err.
func (h *Host) FailCall(n int, err error) {
	h.inj.mu.Lock()
	defer h.inj.mu.Unlock()
	h.inj.byCall[h.inj.seen+n] = err
}

// FailAlloc makes every AllocOCall fail with err. A nil err clears it.
func (h *Host) FailAlloc(err error) {
	h.inj.mu.Lock()
	defer h.inj.mu.Unlock()
	h.inj.alloc = err
}

// FailTransition makes every ModifyOCall requesting t fail with err. A nil
// err clears it.
func (h *Host) FailTransition(t ocall.Transition, err error) {
	h.inj.mu.Lock()
	defer h.inj.mu.Unlock()
	if err == nil {
		delete(h.inj.byTransition, t)
		return
	}
	h.inj.byTransition[t] = err
}

// Transitions returns the classified ModifyOCalls recorded so far.
func (h *Host) Transitions() []ocall.Transition {
	var ts []ocall.Transition
	for _, req := range h.ModifyCalls() {
		ts = append(ts, req.Classify())
	}
	return ts
}

type injector struct {
	mu           sync.Mutex
	seen         int
	byCall       map[int]error
	byTransition map[ocall.Transition]error
	alloc        error
}

func (i *injector) next() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := i.seen
	i.seen++
	if err, ok := i.byCall[n]; ok {
		delete(i.byCall, n)
		return err
	}
	return nil
}

func (i *injector) AllocOCall(req ocall.AllocRequest) error {
	if err := i.next(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.alloc
}

func (i *injector) ModifyOCall(req ocall.ModifyRequest) error {
	if err := i.next(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.byTransition[req.Classify()]
}

// Instruction names a page instruction.
type Instruction string

const (
	// EAccept is EACCEPT.
	EAccept Instruction = "eaccept"

	// EModPE is EMODPE.
	EModPE Instruction = "emodpe"
)

// PageOp is one recorded page instruction.
type PageOp struct {
	Inst Instruction
	Addr sgxarch.Addr
	Info sgx.PageInfo
}

// String implements fmt.Stringer.String.
func (op PageOp) String() string {
	return fmt.Sprintf("%s(%v, %v)", op.Inst, op.Addr, op.Info)
}

// Pages implements page instructions by recording them. Instructions succeed
// unless a failure was injected.
type Pages struct {
	mu     sync.Mutex
	ops    []PageOp
	failN  map[int]error
	byAddr map[sgxarch.Addr]error
}

// NewPages returns a Pages with no injected failures.
func NewPages() *Pages {
	return &Pages{
		failN:  make(map[int]error),
		byAddr: make(map[sgxarch.Addr]error),
	}
}

// FailOp makes the n-th instruction from now, counting from zero, fail with
// err.
func (p *Pages) FailOp(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failN[len(p.ops)+n] = err
}

// FailAddr makes every instruction on the page at addr fail with err. A nil
// err clears it.
func (p *Pages) FailAddr(addr sgxarch.Addr, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.byAddr, addr)
		return
	}
	p.byAddr[addr] = err
}

func (p *Pages) record(inst Instruction, addr sgxarch.Addr, info sgx.PageInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ops)
	p.ops = append(p.ops, PageOp{Inst: inst, Addr: addr, Info: info})
	if err, ok := p.failN[n]; ok {
		delete(p.failN, n)
		return err
	}
	return p.byAddr[addr]
}

// Accept records an EACCEPT.
func (p *Pages) Accept(addr sgxarch.Addr, info sgx.PageInfo) error {
	return p.record(EAccept, addr, info)
}

// ModPE records an EMODPE.
func (p *Pages) ModPE(addr sgxarch.Addr, info sgx.PageInfo) error {
	return p.record(EModPE, addr, info)
}

// Ops returns a copy of the recorded instructions, including failed ones.
func (p *Pages) Ops() []PageOp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PageOp(nil), p.ops...)
}

// Addrs returns the addresses of the recorded instructions of kind inst, in
// order.
func (p *Pages) Addrs(inst Instruction) []sgxarch.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	var addrs []sgxarch.Addr
	for _, op := range p.ops {
		if op.Inst == inst {
			addrs = append(addrs, op.Addr)
		}
	}
	return addrs
}

// Reset forgets all recorded instructions. Injected failures are kept.
func (p *Pages) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = nil
	clear(p.failN)
}

// PageAddrs returns the addresses of n consecutive pages starting at start.
func PageAddrs(start sgxarch.Addr, n int) []sgxarch.Addr {
	addrs := make([]sgxarch.Addr, n)
	for i := range addrs {
		addrs[i] = start + sgxarch.Addr(i)*sgxarch.PageSize
	}
	return addrs
}

// ReversePageAddrs returns PageAddrs(start, n) in descending order.
func ReversePageAddrs(start sgxarch.Addr, n int) []sgxarch.Addr {
	addrs := PageAddrs(start, n)
	for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	return addrs
}

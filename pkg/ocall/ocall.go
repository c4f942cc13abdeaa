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

// Package ocall defines the calls the enclave memory manager makes to the
// untrusted host to change the mapping state of enclave pages.
//
// Host replies are advisory. A host that claims success without doing the
// work is caught by the page instruction that follows each call, since the
// instruction fails on pages in the wrong state.
package ocall

import (
	"fmt"
	"sync"

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// AllocRequest asks the host to map [Addr, Addr+Length) for the enclave.
type AllocRequest struct {
	Addr   sgxarch.Addr
	Length uint64
	Type   sgx.PageType
	Flags  sgx.AllocFlags
}

// String implements fmt.Stringer.String.
func (r AllocRequest) String() string {
	return fmt.Sprintf("alloc([%v, +%#x), %v, %v)", r.Addr, r.Length, r.Type, r.Flags)
}

// ModifyRequest asks the host to move [Addr, Addr+Length) from one page type
// and protection to another.
type ModifyRequest struct {
	Addr   sgxarch.Addr
	Length uint64
	From   sgx.PageInfo
	To     sgx.PageInfo
}

// String implements fmt.Stringer.String.
func (r ModifyRequest) String() string {
	return fmt.Sprintf("modify([%v, +%#x), %v -> %v)", r.Addr, r.Length, r.From, r.To)
}

// Transition names the kind of change a ModifyRequest asks for.
type Transition int

const (
	// TransitionInvalid is a request no protocol step produces.
	TransitionInvalid Transition = iota

	// TransitionTrimStart begins removing pages (EMODT to TRIM).
	TransitionTrimStart

	// TransitionTrimCommit completes removal of accepted TRIM pages.
	TransitionTrimCommit

	// TransitionToTCS converts a regular page into a TCS (EMODT to TCS).
	TransitionToTCS

	// TransitionPerms changes access permissions.
	TransitionPerms

	// TransitionPermsCommit tells the host that pages became inaccessible.
	TransitionPermsCommit
)

var transitionNames = map[Transition]string{
	TransitionInvalid:     "invalid",
	TransitionTrimStart:   "trim-start",
	TransitionTrimCommit:  "trim-commit",
	TransitionToTCS:       "to-tcs",
	TransitionPerms:       "perms",
	TransitionPermsCommit: "perms-commit",
}

// String implements fmt.Stringer.String.
func (t Transition) String() string {
	if s, ok := transitionNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Transition(%d)", int(t))
}

// Classify returns the transition r requests.
func (r ModifyRequest) Classify() Transition {
	switch {
	case r.From.Type != sgx.PageTypeTrim && r.To.Type == sgx.PageTypeTrim:
		return TransitionTrimStart
	case r.From.Type == sgx.PageTypeTrim && r.To.Type == sgx.PageTypeTrim:
		return TransitionTrimCommit
	case r.From.Type == sgx.PageTypeReg && r.To.Type == sgx.PageTypeTCS:
		return TransitionToTCS
	case r.From.Type == r.To.Type && r.From.Prot == sgx.ProtNone && r.To.Prot == sgx.ProtNone:
		return TransitionPermsCommit
	case r.From.Type == r.To.Type:
		return TransitionPerms
	default:
		return TransitionInvalid
	}
}

// Host is the untrusted side of the memory manager. Calls block until the
// host replies; they cannot be cancelled and have no timeout. Implementations
// must be safe for concurrent use.
type Host interface {
	// AllocOCall asks the host to establish a mapping.
	AllocOCall(req AllocRequest) error

	// ModifyOCall asks the host to change page type or protection.
	ModifyOCall(req ModifyRequest) error
}

// Kind identifies an ocall.
type Kind int

const (
	// KindAlloc is an AllocOCall.
	KindAlloc Kind = iota

	// KindModify is a ModifyOCall.
	KindModify
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k == KindAlloc {
		return "alloc"
	}
	return "modify"
}

// Call is one recorded ocall. Exactly one of Alloc and Modify is set.
type Call struct {
	Kind   Kind
	Alloc  *AllocRequest
	Modify *ModifyRequest
	Err    error
}

// String implements fmt.Stringer.String.
func (c Call) String() string {
	var s string
	if c.Kind == KindAlloc {
		s = c.Alloc.String()
	} else {
		s = c.Modify.String()
	}
	if c.Err != nil {
		s += fmt.Sprintf(" = %v", c.Err)
	}
	return s
}

// Recorder is a Host that records every call before forwarding it to Next.
// A nil Next accepts every call.
type Recorder struct {
	Next Host

	mu sync.Mutex
	// +checklocks:mu
	calls []Call
}

// AllocOCall implements Host.AllocOCall.
func (r *Recorder) AllocOCall(req AllocRequest) error {
	var err error
	if r.Next != nil {
		err = r.Next.AllocOCall(req)
	}
	r.mu.Lock()
	r.calls = append(r.calls, Call{Kind: KindAlloc, Alloc: &req, Err: err})
	r.mu.Unlock()
	return err
}

// ModifyOCall implements Host.ModifyOCall.
func (r *Recorder) ModifyOCall(req ModifyRequest) error {
	var err error
	if r.Next != nil {
		err = r.Next.ModifyOCall(req)
	}
	r.mu.Lock()
	r.calls = append(r.calls, Call{Kind: KindModify, Modify: &req, Err: err})
	r.mu.Unlock()
	return err
}

// Calls returns a copy of the calls recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// ModifyCalls returns the recorded ModifyOCall requests.
func (r *Recorder) ModifyCalls() []ModifyRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reqs []ModifyRequest
	for _, c := range r.calls {
		if c.Kind == KindModify {
			reqs = append(reqs, *c.Modify)
		}
	}
	return reqs
}

// Reset forgets all recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/emm/emmtest"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/metaalloc"
	"gvisor.dev/sgxemm/pkg/ocall"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

const (
	testBase     sgxarch.Addr = 0x10000000
	testSize                  = 0x1000000
	testUserBase sgxarch.Addr = 0x10400000
	testUserSize              = 0x800000

	page = sgxarch.PageSize
)

var testLayout = Layout{
	Base:     testBase,
	Size:     testSize,
	UserBase: testUserBase,
	UserSize: testUserSize,
}

func newTestPlatform(t *testing.T) (*Platform, *emmtest.Host, *emmtest.Pages) {
	t.Helper()
	host := emmtest.NewHost()
	pages := emmtest.NewPages()
	return NewPlatform(host, pages, testLayout, nil), host, pages
}

func newTestEMA(t *testing.T, p *Platform, start sgxarch.Addr, npages int, flags sgx.AllocFlags, info sgx.PageInfo) *EMA {
	t.Helper()
	e, err := New(p, start, uint64(npages)*page, flags, info, nil, nil, metaalloc.Reserve)
	if err != nil {
		t.Fatalf("New(%v, %d pages, %v, %v) failed: %v", start, npages, flags, info, err)
	}
	return e
}

// newCommittedEMA returns a fully committed EMA and forgets the calls made to
// set it up.
func newCommittedEMA(t *testing.T, p *Platform, host *emmtest.Host, pages *emmtest.Pages, start sgxarch.Addr, npages int) *EMA {
	t.Helper()
	e := newTestEMA(t, p, start, npages, sgx.AllocCommitNow, sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW})
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	host.Reset()
	pages.Reset()
	return e
}

func acceptMap(e *EMA) []bool {
	if e.eacceptMap == nil {
		return nil
	}
	return e.eacceptMap.Bools()
}

var (
	regRW      = sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW}
	reservedPI = sgx.PageInfo{Type: sgx.PageTypeNone, Prot: sgx.ProtNone}
)

func TestNewValidation(t *testing.T) {
	p, _, _ := newTestPlatform(t)
	for _, tc := range []struct {
		name   string
		start  sgxarch.Addr
		length uint64
		flags  sgx.AllocFlags
		info   sgx.PageInfo
		ok     bool
	}{
		{name: "ok", start: testBase, length: 2 * page, flags: sgx.AllocCommitNow, info: regRW, ok: true},
		{name: "zero address", start: 0, length: page, info: regRW},
		{name: "unaligned start", start: testBase + 1, length: page, info: regRW},
		{name: "unaligned length", start: testBase, length: page + 1, info: regRW},
		{name: "empty", start: testBase, length: 0, info: regRW},
		{name: "outside enclave", start: testBase + testSize, length: page, info: regRW},
		{name: "straddles end", start: testBase + testSize - page, length: 2 * page, info: regRW},
		{name: "unknown flag", start: testBase, length: page, flags: 0x80, info: regRW},
		{name: "multi-page tcs", start: testBase, length: 2 * page, info: sgx.PageInfo{Type: sgx.PageTypeTCS}},
		{name: "tcs", start: testBase, length: page, info: sgx.PageInfo{Type: sgx.PageTypeTCS}, ok: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, err := New(p, tc.start, tc.length, tc.flags, tc.info, nil, nil, metaalloc.Reserve)
			if !tc.ok {
				if !linuxerr.Equals(linuxerr.EINVAL, err) {
					t.Errorf("New got err %v, want EINVAL", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if !e.Start().IsPageAligned() || !sgxarch.IsPageMultiple(e.Len()) {
				t.Errorf("EMA %v is not page aligned", e)
			}
			e.Release()
		})
	}
}

func TestAllocCommitNow(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags sgx.AllocFlags
		order []sgxarch.Addr
	}{
		{
			name:  "grows up",
			flags: sgx.AllocCommitNow,
			order: emmtest.PageAddrs(testBase, 3),
		},
		{
			name:  "grows down",
			flags: sgx.AllocCommitNow | sgx.AllocGrowsDown,
			order: emmtest.ReversePageAddrs(testBase, 3),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, host, pages := newTestPlatform(t)
			e := newTestEMA(t, p, testBase, 3, tc.flags, regRW)
			if err := e.Alloc(); err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			wantCalls := []ocall.Call{{
				Kind:  ocall.KindAlloc,
				Alloc: &ocall.AllocRequest{Addr: testBase, Length: 3 * page, Type: sgx.PageTypeReg, Flags: tc.flags},
			}}
			if diff := cmp.Diff(wantCalls, host.Calls()); diff != "" {
				t.Errorf("ocalls mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.order, pages.Addrs(emmtest.EAccept)); diff != "" {
				t.Errorf("accept order mismatch (-want +got):\n%s", diff)
			}
			for _, op := range pages.Ops() {
				if want := (sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW | sgx.ProtPending}); op.Info != want {
					t.Errorf("%v: got SECINFO %v, want %v", op, op.Info, want)
				}
			}
			if diff := cmp.Diff([]bool{true, true, true}, acceptMap(e)); diff != "" {
				t.Errorf("accept map mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllocCommitOnDemand(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newTestEMA(t, p, testBase, 3, sgx.AllocCommitOnDemand, regRW)
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if got := len(host.Calls()); got != 1 {
		t.Errorf("got %d ocalls, want 1", got)
	}
	if ops := pages.Ops(); len(ops) != 0 {
		t.Errorf("got page instructions %v, want none", ops)
	}
	if diff := cmp.Diff([]bool{false, false, false}, acceptMap(e)); diff != "" {
		t.Errorf("accept map mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocFailures(t *testing.T) {
	t.Run("ocall", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		host.FailAlloc(linuxerr.ENOMEM)
		e := newTestEMA(t, p, testBase, 2, sgx.AllocCommitNow, regRW)
		if err := e.Alloc(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
			t.Errorf("Alloc got %v, want ENOMEM", err)
		}
		if ops := pages.Ops(); len(ops) != 0 {
			t.Errorf("got page instructions %v after ocall failure, want none", ops)
		}
	})
	t.Run("accept", func(t *testing.T) {
		p, _, pages := newTestPlatform(t)
		pages.FailOp(1, linuxerr.EFAULT)
		e := newTestEMA(t, p, testBase, 3, sgx.AllocCommitNow, regRW)
		if err := e.Alloc(); !linuxerr.Equals(linuxerr.EFAULT, err) {
			t.Errorf("Alloc got %v, want EFAULT", err)
		}
		if got := len(pages.Ops()); got != 2 {
			t.Errorf("got %d page instructions, want 2 (stop at first failure)", got)
		}
		if got := e.CommittedPages(); got != 0 {
			t.Errorf("got %d committed pages after failed alloc, want 0", got)
		}
	})
}

func TestReservedNoOps(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newTestEMA(t, p, testBase, 4, sgx.AllocReserved, reservedPI)
	if err := e.Alloc(); err != nil {
		t.Errorf("Alloc failed: %v", err)
	}
	if err := e.CommitCheck(); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("CommitCheck got %v, want EACCES", err)
	}
	if err := e.UncommitCheck(); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("UncommitCheck got %v, want EACCES", err)
	}
	if err := e.Uncommit(testBase, 4*page, sgx.ProtRead); err != nil {
		t.Errorf("Uncommit failed: %v", err)
	}
	if err := e.Dealloc(); err != nil {
		t.Errorf("Dealloc failed: %v", err)
	}
	if calls := host.Calls(); len(calls) != 0 {
		t.Errorf("got ocalls %v, want none", calls)
	}
	if ops := pages.Ops(); len(ops) != 0 {
		t.Errorf("got page instructions %v, want none", ops)
	}
	if e.eacceptMap != nil {
		t.Errorf("reserved EMA has an accept map")
	}
}

func TestCommitIdempotent(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newTestEMA(t, p, testBase, 4, sgx.AllocCommitOnDemand, regRW)
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	host.Reset()

	second := testBase + page
	if err := e.Commit(second, page); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if diff := cmp.Diff([]sgxarch.Addr{second}, pages.Addrs(emmtest.EAccept)); diff != "" {
		t.Errorf("accepts mismatch (-want +got):\n%s", diff)
	}
	pages.Reset()
	if err := e.Commit(second, page); err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}
	if ops := pages.Ops(); len(ops) != 0 {
		t.Errorf("second Commit issued %v, want nothing", ops)
	}
	if diff := cmp.Diff([]bool{false, true, false, false}, acceptMap(e)); diff != "" {
		t.Errorf("accept map mismatch (-want +got):\n%s", diff)
	}

	if err := e.CommitSelf(); err != nil {
		t.Fatalf("CommitSelf failed: %v", err)
	}
	want := []sgxarch.Addr{testBase, testBase + 2*page, testBase + 3*page}
	if diff := cmp.Diff(want, pages.Addrs(emmtest.EAccept)); diff != "" {
		t.Errorf("CommitSelf accepts mismatch (-want +got):\n%s", diff)
	}
	if calls := host.Calls(); len(calls) != 0 {
		t.Errorf("Commit issued ocalls %v, want none", calls)
	}
}

func TestCommitPartialFailure(t *testing.T) {
	p, _, pages := newTestPlatform(t)
	e := newTestEMA(t, p, testBase, 4, sgx.AllocCommitOnDemand, regRW)
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	pages.FailAddr(testBase+2*page, linuxerr.EFAULT)
	if err := e.CommitSelf(); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("CommitSelf got %v, want EFAULT", err)
	}
	// Pages before the failure stay committed.
	if diff := cmp.Diff([]bool{true, true, false, false}, acceptMap(e)); diff != "" {
		t.Errorf("accept map mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitCheck(t *testing.T) {
	p, _, _ := newTestPlatform(t)
	for _, tc := range []struct {
		name  string
		flags sgx.AllocFlags
		info  sgx.PageInfo
		want  error
	}{
		{name: "rw", flags: sgx.AllocCommitOnDemand, info: regRW},
		{name: "read only", flags: sgx.AllocCommitOnDemand, info: sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRead}},
		{name: "no access", flags: sgx.AllocCommitOnDemand, info: sgx.PageInfo{Type: sgx.PageTypeReg}, want: linuxerr.EACCES},
		{name: "reserved", flags: sgx.AllocReserved, info: regRW, want: linuxerr.EACCES},
		{name: "tcs", flags: sgx.AllocCommitNow, info: sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtRW}, want: linuxerr.EACCES},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEMA(t, p, testBase, 1, tc.flags, tc.info)
			defer e.Release()
			if err := e.CommitCheck(); err != tc.want {
				t.Errorf("CommitCheck got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestUncommit(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newCommittedEMA(t, p, host, pages, testBase, 2)
	if err := e.Uncommit(testBase, 2*page, sgx.ProtRead); err != nil {
		t.Fatalf("Uncommit failed: %v", err)
	}
	trim := sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtRead}
	wantCalls := []ocall.ModifyRequest{
		{Addr: testBase, Length: 2 * page, From: sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRead}, To: trim},
		{Addr: testBase, Length: 2 * page, From: trim, To: trim},
	}
	if diff := cmp.Diff(wantCalls, host.ModifyCalls()); diff != "" {
		t.Errorf("ocalls mismatch (-want +got):\n%s", diff)
	}
	wantOps := []emmtest.PageOp{
		{Inst: emmtest.EAccept, Addr: testBase, Info: sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtModified}},
		{Inst: emmtest.EAccept, Addr: testBase + page, Info: sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtModified}},
	}
	if diff := cmp.Diff(wantOps, pages.Ops()); diff != "" {
		t.Errorf("page instructions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, false}, acceptMap(e)); diff != "" {
		t.Errorf("accept map mismatch (-want +got):\n%s", diff)
	}
}

func TestUncommitInvalid(t *testing.T) {
	p, host, pages := newTestPlatform(t)

	t.Run("no accept map", func(t *testing.T) {
		e := newTestEMA(t, p, testBase, 2, sgx.AllocCommitOnDemand, regRW)
		defer e.Release()
		if err := e.Uncommit(testBase, 2*page, sgx.ProtRead); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Uncommit got %v, want %v", err, linuxerr.EINVAL)
		}
		if got := host.ModifyCalls(); len(got) != 0 {
			t.Errorf("Uncommit made ocalls: %v", got)
		}
	})

	t.Run("inaccessible", func(t *testing.T) {
		e := newCommittedEMA(t, p, host, pages, testBase+16*page, 2)
		defer e.Release()
		if err := e.ModifyPerm(sgx.ProtNone); err != nil {
			t.Fatalf("ModifyPerm failed: %v", err)
		}
		host.Reset()
		if err := e.Uncommit(testBase+16*page, 2*page, sgx.ProtRead); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Uncommit got %v, want %v", err, linuxerr.EINVAL)
		}
		if got := host.ModifyCalls(); len(got) != 0 {
			t.Errorf("Uncommit made ocalls: %v", got)
		}
		if diff := cmp.Diff([]bool{true, true}, acceptMap(e)); diff != "" {
			t.Errorf("accept map mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestUncommitRuns(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newTestEMA(t, p, testBase, 6, sgx.AllocCommitOnDemand, regRW)
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	for _, i := range []int{0, 1, 3, 4, 5} {
		if err := e.Commit(testBase+sgxarch.Addr(i)*page, page); err != nil {
			t.Fatalf("Commit page %d failed: %v", i, err)
		}
	}
	host.Reset()
	pages.Reset()

	// Pages 1..5 hold two committed runs: [1, 2) and [3, 5).
	if err := e.Uncommit(testBase+page, 4*page, sgx.ProtRW); err != nil {
		t.Fatalf("Uncommit failed: %v", err)
	}
	var got []sgxarch.AddrRange
	for _, req := range host.ModifyCalls() {
		if req.Classify() == ocall.TransitionTrimStart {
			got = append(got, sgxarch.AddrRange{Start: req.Addr, End: req.Addr + sgxarch.Addr(req.Length)})
		}
	}
	want := []sgxarch.AddrRange{
		{Start: testBase + page, End: testBase + 2*page},
		{Start: testBase + 3*page, End: testBase + 5*page},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trimmed runs mismatch (-want +got):\n%s", diff)
	}
	wantAccepts := []sgxarch.Addr{testBase + page, testBase + 3*page, testBase + 4*page}
	if diff := cmp.Diff(wantAccepts, pages.Addrs(emmtest.EAccept)); diff != "" {
		t.Errorf("trimmed pages mismatch (-want +got):\n%s", diff)
	}
	// Only the uncommitted range changes; page 5 stays committed.
	if diff := cmp.Diff([]bool{true, false, false, false, false, true}, acceptMap(e)); diff != "" {
		t.Errorf("accept map mismatch (-want +got):\n%s", diff)
	}
}

func TestUncommitTrimFailure(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newCommittedEMA(t, p, host, pages, testBase, 3)
	host.FailTransition(ocall.TransitionTrimStart, linuxerr.ENOMEM)
	if err := e.UncommitSelf(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("UncommitSelf got %v, want ENOMEM", err)
	}
	if ops := pages.Ops(); len(ops) != 0 {
		t.Errorf("got page instructions %v after refused trim, want none", ops)
	}
	if got := e.CommittedPages(); got != 3 {
		t.Errorf("got %d committed pages, want 3", got)
	}

	// A failing accept leaves the pages before it uncommitted and issues no
	// commit ocall.
	host.FailTransition(ocall.TransitionTrimStart, nil)
	host.Reset()
	pages.FailAddr(testBase+page, linuxerr.EFAULT)
	if err := e.UncommitSelf(); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("UncommitSelf got %v, want EFAULT", err)
	}
	if diff := cmp.Diff([]bool{false, true, true}, acceptMap(e)); diff != "" {
		t.Errorf("accept map mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]ocall.Transition{ocall.TransitionTrimStart}, host.Transitions()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestModifyPermCheck(t *testing.T) {
	p, host, pages := newTestPlatform(t)

	e := newTestEMA(t, p, testBase, 2, sgx.AllocCommitOnDemand, regRW)
	if err := e.ModifyPermCheck(); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ModifyPermCheck without map got %v, want EINVAL", err)
	}
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := e.Commit(testBase, page); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := e.ModifyPermCheck(); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ModifyPermCheck partially committed got %v, want EINVAL", err)
	}
	if err := e.CommitSelf(); err != nil {
		t.Fatalf("CommitSelf failed: %v", err)
	}
	if err := e.ModifyPermCheck(); err != nil {
		t.Errorf("ModifyPermCheck committed got %v, want nil", err)
	}
	e.Release()

	r := newTestEMA(t, p, testBase, 2, sgx.AllocReserved, reservedPI)
	if err := r.ModifyPermCheck(); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("ModifyPermCheck reserved got %v, want EACCES", err)
	}
	r.Release()

	tcs := newCommittedEMA(t, p, host, pages, testBase, 1)
	if err := tcs.ChangeToTCS(); err != nil {
		t.Fatalf("ChangeToTCS failed: %v", err)
	}
	if err := tcs.ModifyPermCheck(); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("ModifyPermCheck tcs got %v, want EACCES", err)
	}
}

func TestModifyPerm(t *testing.T) {
	for _, tc := range []struct {
		name    string
		to      sgx.ProtFlags
		modpe   bool
		accept  bool
		ocalls  int
		noCalls bool
	}{
		{name: "restrict", to: sgx.ProtRead, accept: true, ocalls: 1},
		{name: "extend", to: sgx.ProtRWX, modpe: true, ocalls: 1},
		{name: "read exec", to: sgx.ProtRX, modpe: true, accept: true, ocalls: 1},
		{name: "none", to: sgx.ProtNone, accept: true, ocalls: 2},
		{name: "unchanged", to: sgx.ProtRW, noCalls: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, host, pages := newTestPlatform(t)
			e := newCommittedEMA(t, p, host, pages, testBase, 2)
			if err := e.ModifyPerm(tc.to); err != nil {
				t.Fatalf("ModifyPerm(%v) failed: %v", tc.to, err)
			}
			if got := e.Info().Prot; got != tc.to {
				t.Errorf("got prot %v, want %v", got, tc.to)
			}
			if tc.noCalls {
				if calls, ops := host.Calls(), pages.Ops(); len(calls) != 0 || len(ops) != 0 {
					t.Errorf("got ocalls %v and instructions %v, want none", calls, ops)
				}
				return
			}
			calls := host.ModifyCalls()
			if len(calls) != tc.ocalls {
				t.Fatalf("got %d ocalls %v, want %d", len(calls), calls, tc.ocalls)
			}
			if want := (ocall.ModifyRequest{Addr: testBase, Length: 2 * page, From: regRW, To: sgx.PageInfo{Type: sgx.PageTypeReg, Prot: tc.to}}); calls[0] != want {
				t.Errorf("got first ocall %v, want %v", calls[0], want)
			}
			if tc.ocalls == 2 && calls[1].Classify() != ocall.TransitionPermsCommit {
				t.Errorf("got second ocall %v, want perms-commit", calls[1])
			}
			var want []emmtest.PageOp
			info := sgx.PageInfo{Type: sgx.PageTypeReg, Prot: tc.to | sgx.ProtPR}
			for _, a := range emmtest.PageAddrs(testBase, 2) {
				if tc.modpe {
					want = append(want, emmtest.PageOp{Inst: emmtest.EModPE, Addr: a, Info: info})
				}
				if tc.accept {
					want = append(want, emmtest.PageOp{Inst: emmtest.EAccept, Addr: a, Info: info})
				}
			}
			if diff := cmp.Diff(want, pages.Ops()); diff != "" {
				t.Errorf("page instructions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestModifyPermFailureKeepsProt(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newCommittedEMA(t, p, host, pages, testBase, 2)
	pages.FailOp(1, linuxerr.EFAULT)
	if err := e.ModifyPerm(sgx.ProtRead); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Fatalf("ModifyPerm got %v, want EFAULT", err)
	}
	if got := e.Info().Prot; got != sgx.ProtRW {
		t.Errorf("got prot %v after failure, want %v", got, sgx.ProtRW)
	}
}

func TestChangeToTCS(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		e := newCommittedEMA(t, p, host, pages, testBase, 1)
		if err := e.ChangeToTCS(); err != nil {
			t.Fatalf("ChangeToTCS failed: %v", err)
		}
		if diff := cmp.Diff([]ocall.Transition{ocall.TransitionToTCS}, host.Transitions()); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
		wantOps := []emmtest.PageOp{{Inst: emmtest.EAccept, Addr: testBase, Info: sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtModified}}}
		if diff := cmp.Diff(wantOps, pages.Ops()); diff != "" {
			t.Errorf("page instructions mismatch (-want +got):\n%s", diff)
		}
		if want := (sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtNone}); e.Info() != want {
			t.Errorf("got info %v, want %v", e.Info(), want)
		}
		// Converting again is a no-op.
		host.Reset()
		if err := e.ChangeToTCS(); err != nil {
			t.Errorf("second ChangeToTCS failed: %v", err)
		}
		if calls := host.Calls(); len(calls) != 0 {
			t.Errorf("second ChangeToTCS issued %v", calls)
		}
	})
	t.Run("multi-page", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		for _, e := range []*EMA{
			newCommittedEMA(t, p, host, pages, testBase, 2),
			newTestEMA(t, p, testBase+4*page, 3, sgx.AllocReserved, reservedPI),
		} {
			if err := e.ChangeToTCS(); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("ChangeToTCS on %v got %v, want EINVAL", e, err)
			}
		}
	})
	t.Run("uncommitted", func(t *testing.T) {
		p, _, _ := newTestPlatform(t)
		e := newTestEMA(t, p, testBase, 1, sgx.AllocCommitOnDemand, regRW)
		if err := e.Alloc(); err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		if err := e.ChangeToTCS(); !linuxerr.Equals(linuxerr.EACCES, err) {
			t.Errorf("ChangeToTCS got %v, want EACCES", err)
		}
	})
	t.Run("read exec", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		e := newCommittedEMA(t, p, host, pages, testBase, 1)
		if err := e.ModifyPerm(sgx.ProtRX); err != nil {
			t.Fatalf("ModifyPerm failed: %v", err)
		}
		if err := e.ChangeToTCS(); !linuxerr.Equals(linuxerr.EACCES, err) {
			t.Errorf("ChangeToTCS got %v, want EACCES", err)
		}
	})
}

func TestSplit(t *testing.T) {
	p, host, pages := newTestPlatform(t)
	e := newCommittedEMA(t, p, host, pages, testBase, 3)
	if err := e.Uncommit(testBase+2*page, page, sgx.ProtRW); err != nil {
		t.Fatalf("Uncommit failed: %v", err)
	}
	before := make(map[sgxarch.Addr]bool)
	for _, a := range emmtest.PageAddrs(testBase, 3) {
		before[a] = e.IsPageCommitted(a)
	}

	right, err := e.Split(testBase + page)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if e.Range() != (sgxarch.AddrRange{Start: testBase, End: testBase + page}) {
		t.Errorf("left range got %v", e.Range())
	}
	if right.Range() != (sgxarch.AddrRange{Start: testBase + page, End: testBase + 3*page}) {
		t.Errorf("right range got %v", right.Range())
	}
	if diff := cmp.Diff([]bool{true}, acceptMap(e)); diff != "" {
		t.Errorf("left map mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, false}, acceptMap(right)); diff != "" {
		t.Errorf("right map mismatch (-want +got):\n%s", diff)
	}
	for a, want := range before {
		half := e
		if !e.OverlapAddr(a) {
			half = right
		}
		if got := half.IsPageCommitted(a); got != want {
			t.Errorf("IsPageCommitted(%v) after split got %v, want %v", a, got, want)
		}
	}
	if right.Flags() != e.Flags() || right.Info() != e.Info() || right.Allocator() != e.Allocator() {
		t.Errorf("split halves differ: %v vs %v", e, right)
	}
	if got := p.Stats.Splits.Load(); got != 1 {
		t.Errorf("got %d splits counted, want 1", got)
	}

	for _, bad := range []sgxarch.Addr{testBase, testBase + page, testBase + page/2} {
		if _, err := e.Split(bad); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Split(%v) of %v got %v, want EINVAL", bad, e, err)
		}
	}
}

func TestSplitAccounting(t *testing.T) {
	host := emmtest.NewHost()
	pages := emmtest.NewPages()
	static := metaalloc.NewStaticPool(metaalloc.DefaultStaticSize)
	p := NewPlatform(host, pages, testLayout, metaalloc.NewSet(metaalloc.NewReservePool(0), static))

	e, err := New(p, testBase, 200*page, sgx.AllocCommitOnDemand, regRW, nil, nil, metaalloc.Static)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	right, err := e.Split(testBase + 70*page)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	e.Release()
	right.Release()
	if got := static.InUse(); got != 0 {
		t.Errorf("static pool has %d bytes in use after releasing both halves, want 0", got)
	}
}

func TestSplitExhausted(t *testing.T) {
	host := emmtest.NewHost()
	pages := emmtest.NewPages()
	static := metaalloc.NewStaticPool(metaalloc.RoundSize(emaNodeSize) + 16)
	p := NewPlatform(host, pages, testLayout, metaalloc.NewSet(metaalloc.NewReservePool(0), static))

	e, err := New(p, testBase, 2*page, sgx.AllocCommitOnDemand, regRW, nil, nil, metaalloc.Static)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := e.Split(testBase + page); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Split got %v, want ENOMEM", err)
	}
	if e.Len() != 2*page {
		t.Errorf("EMA changed by failed split: %v", e)
	}
}

func TestDealloc(t *testing.T) {
	t.Run("committed", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		e := newCommittedEMA(t, p, host, pages, testBase, 2)
		if err := e.Dealloc(); err != nil {
			t.Fatalf("Dealloc failed: %v", err)
		}
		calls := host.ModifyCalls()
		if len(calls) != 2 || calls[0].From.Prot != sgx.ProtNone {
			t.Errorf("got ocalls %v, want trim with protection none", calls)
		}
		if got := e.CommittedPages(); got != 0 {
			t.Errorf("got %d committed pages, want 0", got)
		}
	})
	t.Run("inaccessible", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		e := newCommittedEMA(t, p, host, pages, testBase, 1)
		if err := e.ModifyPerm(sgx.ProtNone); err != nil {
			t.Fatalf("ModifyPerm failed: %v", err)
		}
		host.Reset()
		if err := e.Dealloc(); err != nil {
			t.Fatalf("Dealloc failed: %v", err)
		}
		want := []ocall.Transition{ocall.TransitionPerms, ocall.TransitionTrimStart, ocall.TransitionTrimCommit}
		if diff := cmp.Diff(want, host.Transitions()); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("tcs", func(t *testing.T) {
		p, host, pages := newTestPlatform(t)
		e := newCommittedEMA(t, p, host, pages, testBase, 1)
		if err := e.ChangeToTCS(); err != nil {
			t.Fatalf("ChangeToTCS failed: %v", err)
		}
		host.Reset()
		if err := e.Dealloc(); err != nil {
			t.Fatalf("Dealloc failed: %v", err)
		}
		want := []ocall.Transition{ocall.TransitionTrimStart, ocall.TransitionTrimCommit}
		if diff := cmp.Diff(want, host.Transitions()); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRelease(t *testing.T) {
	host := emmtest.NewHost()
	pages := emmtest.NewPages()
	static := metaalloc.NewStaticPool(metaalloc.DefaultStaticSize)
	reserve := metaalloc.NewReservePool(0)
	p := NewPlatform(host, pages, testLayout, metaalloc.NewSet(reserve, static))

	e, err := New(p, testBase, 3*page, sgx.AllocCommitNow, regRW, nil, nil, metaalloc.Reserve)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if reserve.InUse() == 0 || static.InUse() != 0 {
		t.Errorf("got reserve %d static %d bytes in use, want only reserve", reserve.InUse(), static.InUse())
	}
	e.Release()
	e.Release()
	if got := reserve.InUse(); got != 0 {
		t.Errorf("got %d reserve bytes in use after Release, want 0", got)
	}
}

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
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

func TestNewPageRange(t *testing.T) {
	ops := emmtest.NewPages()
	for _, tc := range []struct {
		name  string
		start sgxarch.Addr
		count uint64
		ok    bool
	}{
		{name: "ok", start: testBase, count: 4, ok: true},
		{name: "zero start", start: 0, count: 1},
		{name: "unaligned", start: testBase + 8, count: 1},
		{name: "empty", start: testBase, count: 0},
		{name: "wraps", start: ^sgxarch.Addr(0) &^ sgxarch.PageMask, count: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewPageRange(ops, tc.start, tc.count, regRW)
			if !tc.ok {
				if !linuxerr.Equals(linuxerr.EINVAL, err) {
					t.Errorf("NewPageRange got %v, want EINVAL", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPageRange failed: %v", err)
			}
			if r.Start() != tc.start || r.Count() != tc.count || r.Info() != regRW {
				t.Errorf("got range %v+%d (%v)", r.Start(), r.Count(), r.Info())
			}
		})
	}
}

func TestPageRangeIteration(t *testing.T) {
	r, err := NewPageRange(emmtest.NewPages(), testBase, 3, regRW)
	if err != nil {
		t.Fatalf("NewPageRange failed: %v", err)
	}
	var fwd, bwd []sgxarch.Addr
	var idx []uint64
	for i, p := range r.All() {
		fwd = append(fwd, p.Addr)
		idx = append(idx, i)
		if p.Info != regRW {
			t.Errorf("%v: got info %v, want %v", p, p.Info, regRW)
		}
	}
	for _, p := range r.Backward() {
		bwd = append(bwd, p.Addr)
	}
	if diff := cmp.Diff(emmtest.PageAddrs(testBase, 3), fwd); diff != "" {
		t.Errorf("All mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0, 1, 2}, idx); diff != "" {
		t.Errorf("All indices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(emmtest.ReversePageAddrs(testBase, 3), bwd); diff != "" {
		t.Errorf("Backward mismatch (-want +got):\n%s", diff)
	}

	// A range is a value and can be walked again, and stopping early is
	// honored.
	n := 0
	for range r.All() {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("got %d iterations, want 2", n)
	}
}

func TestPageRangeAccept(t *testing.T) {
	for _, tc := range []struct {
		name      string
		growsDown bool
		want      []sgxarch.Addr
	}{
		{name: "forward", want: []sgxarch.Addr{testBase, testBase + page}},
		{name: "backward", growsDown: true, want: []sgxarch.Addr{testBase + 3*page, testBase + 2*page}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ops := emmtest.NewPages()
			ops.FailOp(1, linuxerr.EFAULT)
			r, err := NewPageRange(ops, testBase, 4, sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW | sgx.ProtPending})
			if err != nil {
				t.Fatalf("NewPageRange failed: %v", err)
			}
			if err := r.Accept(tc.growsDown); !linuxerr.Equals(linuxerr.EFAULT, err) {
				t.Errorf("Accept got %v, want EFAULT", err)
			}
			if diff := cmp.Diff(tc.want, ops.Addrs(emmtest.EAccept)); diff != "" {
				t.Errorf("accepts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPageModPE(t *testing.T) {
	ops := emmtest.NewPages()
	p := Page{Addr: testBase, Info: regRW, ops: ops}
	if err := p.ModPE(); err != nil {
		t.Fatalf("ModPE failed: %v", err)
	}
	want := []emmtest.PageOp{{Inst: emmtest.EModPE, Addr: testBase, Info: regRW}}
	if diff := cmp.Diff(want, ops.Ops()); diff != "" {
		t.Errorf("page instructions mismatch (-want +got):\n%s", diff)
	}
}

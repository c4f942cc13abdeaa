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

package ocall

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
)

func TestClassify(t *testing.T) {
	rw := sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRW}
	for _, test := range []struct {
		from, to sgx.PageInfo
		want     Transition
	}{
		{rw, sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtRW}, TransitionTrimStart},
		{sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtRW}, sgx.PageInfo{Type: sgx.PageTypeTrim, Prot: sgx.ProtRW}, TransitionTrimCommit},
		{rw, sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtRW}, TransitionToTCS},
		{rw, sgx.PageInfo{Type: sgx.PageTypeReg, Prot: sgx.ProtRead}, TransitionPerms},
		{sgx.PageInfo{Type: sgx.PageTypeReg}, sgx.PageInfo{Type: sgx.PageTypeReg}, TransitionPermsCommit},
		{sgx.PageInfo{Type: sgx.PageTypeTCS, Prot: sgx.ProtRW}, rw, TransitionInvalid},
	} {
		req := ModifyRequest{Addr: 0x1000, Length: 0x1000, From: test.from, To: test.to}
		if got := req.Classify(); got != test.want {
			t.Errorf("%v.Classify() got %v, want %v", req, got, test.want)
		}
	}
}

type failingHost struct{}

func (failingHost) AllocOCall(AllocRequest) error   { return linuxerr.ENOMEM }
func (failingHost) ModifyOCall(ModifyRequest) error { return nil }

func TestRecorder(t *testing.T) {
	r := &Recorder{Next: failingHost{}}
	alloc := AllocRequest{Addr: 0x2000, Length: 0x3000, Type: sgx.PageTypeReg, Flags: sgx.AllocCommitNow}
	if err := r.AllocOCall(alloc); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocOCall got err %v want ENOMEM", err)
	}
	mod := ModifyRequest{Addr: 0x2000, Length: 0x1000}
	if err := r.ModifyOCall(mod); err != nil {
		t.Errorf("ModifyOCall got err %v want nil", err)
	}
	want := []Call{
		{Kind: KindAlloc, Alloc: &alloc, Err: linuxerr.ENOMEM},
		{Kind: KindModify, Modify: &mod},
	}
	if diff := cmp.Diff(want, r.Calls(), cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
	if got := r.ModifyCalls(); len(got) != 1 || got[0] != mod {
		t.Errorf("ModifyCalls got %v, want [%v]", got, mod)
	}
	r.Reset()
	if got := r.Calls(); len(got) != 0 {
		t.Errorf("Calls after Reset got %v", got)
	}
}

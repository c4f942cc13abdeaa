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

package sgxarch

import "testing"

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr    Addr
		down    Addr
		up      Addr
		upOK    bool
		aligned bool
	}{
		{0, 0, 0, true, true},
		{1, 0, PageSize, true, false},
		{PageSize, PageSize, PageSize, true, true},
		{PageSize + 1, PageSize, 2 * PageSize, true, false},
		{^Addr(0), ^Addr(0) &^ PageMask, 0, false, false},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() got %v, want %v", test.addr, got, test.down)
		}
		got, ok := test.addr.RoundUp()
		if ok != test.upOK || (ok && got != test.up) {
			t.Errorf("%v.RoundUp() got (%v, %t), want (%v, %t)", test.addr, got, ok, test.up, test.upOK)
		}
		if got := test.addr.IsPageAligned(); got != test.aligned {
			t.Errorf("%v.IsPageAligned() got %t, want %t", test.addr, got, test.aligned)
		}
	}
}

func TestAlignHelpers(t *testing.T) {
	if got := TrimTo(0x12345, 0x1000); got != 0x12000 {
		t.Errorf("TrimTo got %#x, want 0x12000", got)
	}
	if got, ok := RoundTo(0x12345, 0x10000); !ok || got != 0x20000 {
		t.Errorf("RoundTo got (%#x, %t), want (0x20000, true)", got, ok)
	}
	if _, ok := RoundTo(^uint64(0), 0x1000); ok {
		t.Errorf("RoundTo of max value should overflow")
	}
	if IsPageMultiple(0) || IsPageMultiple(100) || !IsPageMultiple(3*PageSize) {
		t.Errorf("IsPageMultiple gave wrong answer")
	}
}

func TestAddrRange(t *testing.T) {
	r, ok := Addr(0x1000).ToRange(0x3000)
	if !ok {
		t.Fatalf("ToRange overflowed")
	}
	if r.NumPages() != 3 || !r.IsPageAligned() {
		t.Errorf("range %v got %d pages, want 3", r, r.NumPages())
	}
	if !r.Contains(0x3fff) || r.Contains(0x4000) {
		t.Errorf("Contains boundary wrong for %v", r)
	}
	other := AddrRange{0x3000, 0x5000}
	if !r.Overlaps(other) {
		t.Errorf("%v should overlap %v", r, other)
	}
	if got, want := r.Intersect(other), (AddrRange{0x3000, 0x4000}); got != want {
		t.Errorf("Intersect got %v, want %v", got, want)
	}
	if r.Overlaps(AddrRange{0x4000, 0x5000}) {
		t.Errorf("adjacent ranges must not overlap")
	}
	if _, ok := Addr(^uintptr(0) - 10).ToRange(PageSize); ok {
		t.Errorf("ToRange should report overflow")
	}
}

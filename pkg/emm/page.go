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
	"iter"

	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// PageOps issues the enclave-side page instructions. Either instruction
// fails if the page is not in the state the SECINFO describes.
type PageOps interface {
	// Accept executes EACCEPT on the page at addr.
	Accept(addr sgxarch.Addr, info sgx.PageInfo) error

	// ModPE executes EMODPE on the page at addr, extending its permissions.
	ModPE(addr sgxarch.Addr, info sgx.PageInfo) error
}

// Page is a single page to which a fixed SECINFO applies.
type Page struct {
	Addr sgxarch.Addr
	Info sgx.PageInfo

	ops PageOps
}

// Accept accepts the page.
func (p Page) Accept() error {
	return p.ops.Accept(p.Addr, p.Info)
}

// ModPE extends the page's permissions.
func (p Page) ModPE() error {
	return p.ops.ModPE(p.Addr, p.Info)
}

// String implements fmt.Stringer.String.
func (p Page) String() string {
	return fmt.Sprintf("page %v (%v)", p.Addr, p.Info)
}

// PageRange is count consecutive pages starting at start, all with the same
// SECINFO. It is a value; iterating it any number of times yields the same
// pages.
type PageRange struct {
	start sgxarch.Addr
	count uint64
	info  sgx.PageInfo
	ops   PageOps
}

// NewPageRange returns the range of count pages at start. start must be a
// non-zero page-aligned address and the range must not wrap.
func NewPageRange(ops PageOps, start sgxarch.Addr, count uint64, info sgx.PageInfo) (PageRange, error) {
	if start == 0 || !start.IsPageAligned() || count == 0 {
		return PageRange{}, linuxerr.EINVAL
	}
	if count > sgxarch.BytesToPages(^uint64(0)) {
		return PageRange{}, linuxerr.EINVAL
	}
	if _, ok := start.AddLength(sgxarch.PagesToBytes(count)); !ok {
		return PageRange{}, linuxerr.EINVAL
	}
	return PageRange{start: start, count: count, info: info, ops: ops}, nil
}

// Start returns the first page's address.
func (r PageRange) Start() sgxarch.Addr { return r.start }

// Count returns the number of pages.
func (r PageRange) Count() uint64 { return r.count }

// Info returns the SECINFO applied to every page.
func (r PageRange) Info() sgx.PageInfo { return r.info }

func (r PageRange) page(i uint64) Page {
	return Page{
		Addr: r.start + sgxarch.Addr(sgxarch.PagesToBytes(i)),
		Info: r.info,
		ops:  r.ops,
	}
}

// All yields the pages in ascending address order with their index.
func (r PageRange) All() iter.Seq2[uint64, Page] {
	return func(yield func(uint64, Page) bool) {
		for i := uint64(0); i < r.count; i++ {
			if !yield(i, r.page(i)) {
				return
			}
		}
	}
}

// Backward yields the pages in descending address order with their index.
func (r PageRange) Backward() iter.Seq2[uint64, Page] {
	return func(yield func(uint64, Page) bool) {
		for i := r.count; i > 0; i-- {
			if !yield(i-1, r.page(i-1)) {
				return
			}
		}
	}
}

// AcceptForward accepts every page from the lowest address up, stopping at
// the first failure.
func (r PageRange) AcceptForward() error {
	for _, p := range r.All() {
		if err := p.Accept(); err != nil {
			return err
		}
	}
	return nil
}

// AcceptBackward accepts every page from the highest address down, stopping
// at the first failure. Stacks that grow down must be accepted in this order.
func (r PageRange) AcceptBackward() error {
	for _, p := range r.Backward() {
		if err := p.Accept(); err != nil {
			return err
		}
	}
	return nil
}

// Accept accepts every page, backward if growsDown.
func (r PageRange) Accept(growsDown bool) error {
	if growsDown {
		return r.AcceptBackward()
	}
	return r.AcceptForward()
}

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
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/metaalloc"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// Options are the parameters of a Manager allocation.
type Options struct {
	// Addr is the requested address. Zero lets the Manager choose. With
	// sgx.AllocFixed the region is placed exactly at Addr or not at all;
	// otherwise Addr is a hint.
	Addr sgxarch.Addr

	// Length is the size in bytes, a non-zero multiple of the page size.
	Length uint64

	// Flags are the allocation flags.
	Flags sgx.AllocFlags

	// Type is the page type. The zero value means sgx.PageTypeReg.
	Type sgx.PageType

	// Align is the required alignment of the chosen address.
	Align sgx.Align

	// Handler, if set, handles page faults inside the region.
	Handler PageFaultHandler

	// Private is passed to Handler.
	Private any

	// Alloc is the metadata backend for the region.
	Alloc metaalloc.Kind
}

// pageType returns the effective page type.
func (o *Options) pageType() sgx.PageType {
	if o.Type == sgx.PageTypeNone {
		return sgx.PageTypeReg
	}
	return o.Type
}

// pageInfo returns the initial page info of a region allocated with o.
func (o *Options) pageInfo() sgx.PageInfo {
	if o.Flags.Contains(sgx.AllocReserved) {
		return sgx.PageInfo{Type: sgx.PageTypeNone, Prot: sgx.ProtNone}
	}
	return sgx.PageInfo{Type: o.pageType(), Prot: sgx.ProtRW}
}

// Check returns EINVAL if o is malformed.
func (o *Options) Check() error {
	if !sgxarch.IsPageMultiple(o.Length) {
		return linuxerr.EINVAL
	}
	if err := o.Flags.Validate(); err != nil {
		log.Debugf("emm: rejecting options: %v", err)
		return linuxerr.EINVAL
	}
	if !o.Align.IsValid() || uint64(o.Addr)&(o.Align.Bytes()-1) != 0 {
		return linuxerr.EINVAL
	}
	if o.Flags.Contains(sgx.AllocFixed) && o.Addr == 0 {
		return linuxerr.EINVAL
	}
	switch o.pageType() {
	case sgx.PageTypeReg, sgx.PageTypeSSFirst, sgx.PageTypeSSRest:
	case sgx.PageTypeTCS:
		if o.Length != sgxarch.PageSize {
			return linuxerr.EINVAL
		}
	default:
		return linuxerr.EINVAL
	}
	if o.Alloc != metaalloc.Reserve && o.Alloc != metaalloc.Static {
		return linuxerr.EINVAL
	}
	return nil
}

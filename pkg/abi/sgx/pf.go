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

package sgx

import "fmt"

// PFEC is the page-fault error code reported for an enclave exception.
type PFEC uint32

const (
	PFECPresent   PFEC = 1 << 0
	PFECWrite     PFEC = 1 << 1
	PFECUser      PFEC = 1 << 2
	PFECReserved  PFEC = 1 << 3
	PFECInstFetch PFEC = 1 << 4
	PFECPK        PFEC = 1 << 5

	// PFECSGX is set when the fault was caused by an EPCM check, such as an
	// access to a pending or trimmed page.
	PFECSGX PFEC = 1 << 15
)

// String implements fmt.Stringer.String.
func (e PFEC) String() string {
	s := ""
	for _, b := range []struct {
		bit  PFEC
		name string
	}{
		{PFECPresent, "P"}, {PFECWrite, "W"}, {PFECUser, "U"}, {PFECReserved, "RSVD"},
		{PFECInstFetch, "I"}, {PFECPK, "PK"}, {PFECSGX, "SGX"},
	} {
		if e&b.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += b.name
		}
	}
	if s == "" {
		return "0"
	}
	return s
}

// PfInfo describes a page fault delivered to the enclave.
type PfInfo struct {
	// MAddr is the faulting address.
	MAddr uint64

	// PFEC is the error code.
	PFEC PFEC
}

// String implements fmt.Stringer.String.
func (p *PfInfo) String() string {
	return fmt.Sprintf("#PF{addr: %#x, pfec: %v}", p.MAddr, p.PFEC)
}

// HandleResult tells the exception dispatcher whether a fault was resolved.
type HandleResult uint32

const (
	// HandleSearch continues the search for another handler.
	HandleSearch HandleResult = 0

	// HandleExecution resumes execution at the faulting instruction.
	HandleExecution HandleResult = 0xffffffff
)

// String implements fmt.Stringer.String.
func (r HandleResult) String() string {
	switch r {
	case HandleSearch:
		return "continue-search"
	case HandleExecution:
		return "continue-execution"
	default:
		return fmt.Sprintf("HandleResult(%#x)", uint32(r))
	}
}

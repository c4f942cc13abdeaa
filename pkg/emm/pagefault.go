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
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// HandlePageFault dispatches an enclave page fault.
//
// If the faulting EMA has a handler, the handler is called without the
// Manager lock held, so it may call back into m, and its result is returned.
// Otherwise a first access to an uncommitted page of a commit-on-demand area
// commits that page and resumes execution, unless the access is a write to a
// non-writable area or an instruction fetch from a non-executable one. Every
// other fault continues the search for another handler.
func (m *Manager) HandlePageFault(info *sgx.PfInfo) sgx.HandleResult {
	m.p.Stats.PageFaults.Add(1)
	addr := sgxarch.Addr(info.MAddr).RoundDown()

	m.mu.Lock()
	e, _ := m.searchEMALocked(addr)
	if e == nil {
		m.mu.Unlock()
		m.faultLog.Infof("emm: %v outside any region", info)
		return sgx.HandleSearch
	}
	if h, priv := e.Handler(); h != nil {
		m.mu.Unlock()
		r := h(info, priv)
		if r == sgx.HandleExecution {
			m.p.Stats.FaultsResolved.Add(1)
		}
		return r
	}
	r := m.commitOnFaultLocked(e, addr, info)
	m.mu.Unlock()
	if r == sgx.HandleExecution {
		m.p.Stats.FaultsResolved.Add(1)
	}
	return r
}

// +checklocks:m.mu
func (m *Manager) commitOnFaultLocked(e *EMA, addr sgxarch.Addr, info *sgx.PfInfo) sgx.HandleResult {
	if !e.Flags().Contains(sgx.AllocCommitOnDemand) || e.IsPageCommitted(addr) {
		m.faultLog.Infof("emm: %v in %v not resolvable by commit", info, e)
		return sgx.HandleSearch
	}
	if err := e.CommitCheck(); err != nil {
		m.faultLog.Infof("emm: %v in %v: %v", info, e, err)
		return sgx.HandleSearch
	}
	prot := e.Info().Prot
	if (info.PFEC&sgx.PFECWrite != 0 && prot&sgx.ProtWrite == 0) ||
		(info.PFEC&sgx.PFECInstFetch != 0 && prot&sgx.ProtExec == 0) {
		m.faultLog.Infof("emm: %v in %v: access not permitted", info, e)
		return sgx.HandleSearch
	}
	if err := e.Commit(addr, sgxarch.PageSize); err != nil {
		m.faultLog.Warningf("emm: committing %v on fault: %v", addr, err)
		return sgx.HandleSearch
	}
	return sgx.HandleExecution
}

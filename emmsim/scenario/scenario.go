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

// Package scenario runs scripted memory management workloads against a
// simulated enclave.
//
// A scenario is a TOML file:
//
//	[enclave]
//	base = 0x7f0000000000
//	size = 0x1000000
//	user_base = 0x7f0000400000
//	user_size = 0x800000
//
//	[[threads]]
//	name = "heap"
//	repeat = 4
//
//	[[threads.steps]]
//	op = "alloc"
//	region = "buf"
//	length = 0x4000
//	flags = ["commit_on_demand"]
//
//	[[threads.steps]]
//	op = "write"
//	region = "buf"
//	offset = 0x1000
//	data = "hello"
//
// Threads run concurrently; the steps of a thread run in order. Region names
// are private to a thread. A step with expect_err must fail with that errno.
package scenario

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/sgxemm/pkg/emm"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/sgxarch"
)

// Enclave is the [enclave] table.
type Enclave struct {
	Base     uint64 `toml:"base"`
	Size     uint64 `toml:"size"`
	UserBase uint64 `toml:"user_base"`
	UserSize uint64 `toml:"user_size"`
}

// DefaultEnclave is the layout used when a scenario has no [enclave] table:
// 16MiB of ELRANGE with the middle 8MiB handed to user allocations.
var DefaultEnclave = Enclave{
	Base:     0x7f0000000000,
	Size:     16 << 20,
	UserBase: 0x7f0000000000 + 4<<20,
	UserSize: 8 << 20,
}

// Layout returns e as an emm.Layout.
func (e Enclave) Layout() emm.Layout {
	return emm.Layout{
		Base:     sgxarch.Addr(e.Base),
		Size:     e.Size,
		UserBase: sgxarch.Addr(e.UserBase),
		UserSize: e.UserSize,
	}
}

// Step operations.
const (
	OpAlloc       = "alloc"
	OpCommit      = "commit"
	OpUncommit    = "uncommit"
	OpDealloc     = "dealloc"
	OpModifyPerms = "modify_perms"
	OpModifyType  = "modify_type"
	OpWrite       = "write"
	OpRead        = "read"
)

// Step is one operation of a thread.
type Step struct {
	Op     string `toml:"op"`
	Region string `toml:"region"`

	// Addr is the address hint for alloc.
	Addr uint64 `toml:"addr"`

	// Offset and Length select part of the region. A zero Length means up
	// to the end of the region; for alloc, Length is the region size.
	Offset uint64 `toml:"offset"`
	Length uint64 `toml:"length"`

	// Flags, Type and Align are the alloc options; Type is also the target
	// of modify_type.
	Flags []string `toml:"flags"`
	Type  string   `toml:"type"`
	Align uint8    `toml:"align"`

	// Prot is the target of modify_perms.
	Prot string `toml:"prot"`

	// Data is written by write and compared by read.
	Data string `toml:"data"`

	// ExpectErr is the errno name, such as "EACCES", the step must fail
	// with.
	ExpectErr string `toml:"expect_err"`
}

// Thread is a sequence of steps.
type Thread struct {
	Name string `toml:"name"`

	// Repeat runs that many copies of the thread. Zero means one.
	Repeat int    `toml:"repeat"`
	Steps  []Step `toml:"steps"`
}

// Scenario is a decoded scenario file.
type Scenario struct {
	Enclave *Enclave `toml:"enclave"`
	Threads []Thread `toml:"threads"`
}

// Load decodes the scenario file at path.
func Load(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	return finish(&s, md)
}

// Parse decodes a scenario from data.
func Parse(data string) (*Scenario, error) {
	var s Scenario
	md, err := toml.Decode(data, &s)
	if err != nil {
		return nil, err
	}
	return finish(&s, md)
}

func finish(s *Scenario, md toml.MetaData) (*Scenario, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	if s.Enclave == nil {
		e := DefaultEnclave
		s.Enclave = &e
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

var knownOps = map[string]struct{}{
	OpAlloc:       {},
	OpCommit:      {},
	OpUncommit:    {},
	OpDealloc:     {},
	OpModifyPerms: {},
	OpModifyType:  {},
	OpWrite:       {},
	OpRead:        {},
}

// Validate checks the layout and every step. It does not check that the
// steps succeed.
func (s *Scenario) Validate() error {
	if err := s.Enclave.Layout().Validate(); err != nil {
		return fmt.Errorf("enclave: %w", err)
	}
	if len(s.Threads) == 0 {
		return fmt.Errorf("no threads")
	}
	names := make(map[string]struct{})
	for i, t := range s.Threads {
		if t.Name == "" {
			return fmt.Errorf("thread %d has no name", i)
		}
		if _, ok := names[t.Name]; ok {
			return fmt.Errorf("duplicate thread %q", t.Name)
		}
		names[t.Name] = struct{}{}
		if t.Repeat < 0 {
			return fmt.Errorf("thread %q: negative repeat %d", t.Name, t.Repeat)
		}
		for j, st := range t.Steps {
			if err := st.validate(); err != nil {
				return fmt.Errorf("thread %q step %d: %w", t.Name, j, err)
			}
		}
	}
	return nil
}

func (st *Step) validate() error {
	if _, ok := knownOps[st.Op]; !ok {
		return fmt.Errorf("unknown op %q", st.Op)
	}
	if st.Region == "" {
		return fmt.Errorf("%s: no region", st.Op)
	}
	if st.ExpectErr != "" && linuxerr.FromName(st.ExpectErr) == nil {
		return fmt.Errorf("%s: unknown errno %q", st.Op, st.ExpectErr)
	}
	switch st.Op {
	case OpAlloc:
		if st.Length == 0 {
			return fmt.Errorf("alloc: no length")
		}
	case OpModifyPerms:
		if _, err := parseProt(st.Prot); err != nil {
			return err
		}
	case OpModifyType:
		if st.Type == "" {
			return fmt.Errorf("modify_type: no type")
		}
	case OpWrite:
		if st.Data == "" {
			return fmt.Errorf("write: no data")
		}
	case OpRead:
		if st.Data == "" && st.Length == 0 {
			return fmt.Errorf("read: neither data nor length")
		}
	}
	return nil
}

// Expand returns the threads with every repeated thread replaced by its
// copies, named "<name>.<n>".
func (s *Scenario) Expand() []Thread {
	var out []Thread
	for _, t := range s.Threads {
		if t.Repeat <= 1 {
			out = append(out, t)
			continue
		}
		for n := 0; n < t.Repeat; n++ {
			c := deepcopy.Copy(t).(Thread)
			c.Name = fmt.Sprintf("%s.%d", t.Name, n)
			c.Repeat = 0
			out = append(out, c)
		}
	}
	return out
}

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

package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/sgxemm/pkg/abi/sgx"
	"gvisor.dev/sgxemm/pkg/emm"
	"gvisor.dev/sgxemm/pkg/errors/linuxerr"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/ocall"
	"gvisor.dev/sgxemm/pkg/prometheus"
	"gvisor.dev/sgxemm/pkg/sgxarch"
	"gvisor.dev/sgxemm/pkg/sgxsim"
)

// Runner runs scenarios.
type Runner struct {
	// ThreadsLimit bounds the number of threads running at once. Zero means
	// no limit.
	ThreadsLimit int

	// TraceOCalls records every OCALL into Result.OCalls.
	TraceOCalls bool
}

// Result is the outcome of a completed scenario.
type Result struct {
	// Threads and Steps count what ran.
	Threads int
	Steps   int

	// Regions is the manager's region table after the last step.
	Regions []emm.RegionInfo

	// Metrics are the manager's counters.
	Metrics *prometheus.Snapshot

	// OCalls is set if Runner.TraceOCalls is.
	OCalls []ocall.Call
}

// Run runs s on a fresh simulated enclave. It returns the first step
// failure; a step fails if its outcome does not match its expect_err.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	layout := s.Enclave.Layout()
	e, err := sgxsim.New(layout.Base, layout.Size)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	var host ocall.Host = e
	var rec *ocall.Recorder
	if r.TraceOCalls {
		rec = &ocall.Recorder{Next: e}
		host = rec
	}
	m, err := emm.NewManager(emm.NewPlatform(host, e, layout, nil))
	if err != nil {
		return nil, err
	}
	e.SetFaultHandler(m.HandlePageFault)

	threads := s.Expand()
	res := &Result{Threads: len(threads)}
	steps := make([]int, len(threads))

	g, ctx := errgroup.WithContext(ctx)
	if r.ThreadsLimit > 0 {
		g.SetLimit(r.ThreadsLimit)
	}
	for i, t := range threads {
		g.Go(func() error {
			w := worker{name: t.Name, e: e, m: m, regions: make(map[string]region)}
			n, err := w.run(ctx, t.Steps)
			steps[i] = n
			return err
		})
	}
	err = g.Wait()
	for _, n := range steps {
		res.Steps += n
	}
	res.Regions = m.Regions()
	res.Metrics = m.Platform().Stats.Snapshot()
	if rec != nil {
		res.OCalls = rec.Calls()
	}
	return res, err
}

// region is an allocation made by a thread.
type region struct {
	addr   sgxarch.Addr
	length uint64
}

// worker runs the steps of one thread.
type worker struct {
	name    string
	e       *sgxsim.Enclave
	m       *emm.Manager
	regions map[string]region
}

// run runs steps in order and returns the number that ran.
func (w *worker) run(ctx context.Context, steps []Step) (int, error) {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		st := &steps[i]
		err := w.step(st)
		if err == nil && st.ExpectErr != "" {
			return i + 1, fmt.Errorf("thread %q step %d (%s %s): succeeded, want %s", w.name, i, st.Op, st.Region, st.ExpectErr)
		}
		if err != nil {
			var ue *usageError
			if st.ExpectErr == "" || errors.As(err, &ue) || linuxerr.Name(err) != st.ExpectErr {
				return i + 1, fmt.Errorf("thread %q step %d (%s %s): %w", w.name, i, st.Op, st.Region, err)
			}
			log.Debugf("scenario: thread %q step %d failed as expected: %v", w.name, i, err)
		}
	}
	return len(steps), nil
}

// usageError is a step that cannot be carried out as written. It never
// matches expect_err.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, v ...any) error {
	return &usageError{msg: fmt.Sprintf(format, v...)}
}

// span resolves the offset and length of st within its region.
func (w *worker) span(st *Step) (sgxarch.Addr, uint64, error) {
	r, ok := w.regions[st.Region]
	if !ok {
		return 0, 0, usagef("no region %q", st.Region)
	}
	if st.Offset >= r.length {
		return 0, 0, usagef("offset %#x outside region %q of %#x bytes", st.Offset, st.Region, r.length)
	}
	length := st.Length
	if length == 0 {
		length = r.length - st.Offset
	}
	return r.addr + sgxarch.Addr(st.Offset), length, nil
}

func (w *worker) step(st *Step) error {
	if st.Op == OpAlloc {
		return w.alloc(st)
	}
	addr, length, err := w.span(st)
	if err != nil {
		return err
	}
	switch st.Op {
	case OpCommit:
		return w.m.Commit(addr, length)
	case OpUncommit:
		return w.m.Uncommit(addr, length)
	case OpDealloc:
		if err := w.m.Dealloc(addr, length); err != nil {
			return err
		}
		if st.Offset == 0 && length == w.regions[st.Region].length {
			delete(w.regions, st.Region)
		}
		return nil
	case OpModifyPerms:
		prot, err := parseProt(st.Prot)
		if err != nil {
			return err
		}
		return w.m.ModifyPerms(addr, length, prot)
	case OpModifyType:
		typ, err := sgx.ParsePageType(st.Type)
		if err != nil {
			return usagef("%v", err)
		}
		return w.m.ModifyType(addr, length, typ)
	case OpWrite:
		_, err := w.e.WriteAt([]byte(st.Data), addr)
		return err
	case OpRead:
		n := uint64(len(st.Data))
		if n == 0 {
			n = length
		}
		buf := make([]byte, n)
		if _, err := w.e.ReadAt(buf, addr); err != nil {
			return err
		}
		if st.Data != "" && !bytes.Equal(buf, []byte(st.Data)) {
			return usagef("read %q, want %q", buf, st.Data)
		}
		return nil
	default:
		return usagef("unknown op %q", st.Op)
	}
}

func (w *worker) alloc(st *Step) error {
	if _, ok := w.regions[st.Region]; ok {
		return usagef("region %q already allocated", st.Region)
	}
	flags, err := sgx.ParseAllocFlags(st.Flags)
	if err != nil {
		return usagef("%v", err)
	}
	opts := &emm.Options{
		Addr:   sgxarch.Addr(st.Addr),
		Length: st.Length,
		Flags:  flags,
		Align:  sgx.Align(st.Align),
	}
	if st.Type != "" {
		if opts.Type, err = sgx.ParsePageType(st.Type); err != nil {
			return usagef("%v", err)
		}
	}
	addr, err := w.m.AllocUser(opts)
	if err != nil {
		return err
	}
	w.regions[st.Region] = region{addr: addr, length: st.Length}
	log.Debugf("scenario: thread %q: region %q at %v", w.name, st.Region, addr)
	return nil
}

func parseProt(s string) (sgx.ProtFlags, error) {
	if s == "" {
		return 0, usagef("modify_perms: no prot")
	}
	p, err := sgx.ParseProt(s)
	if err != nil {
		return 0, usagef("%v", err)
	}
	return p, nil
}

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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/sgxemm/emmsim/scenario"
	"gvisor.dev/sgxemm/pkg/log"
	"gvisor.dev/sgxemm/pkg/prometheus"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	threadsLimit int
	metrics      bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario against a simulated enclave"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml> - run the threads of a scenario file and report the final regions.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.threadsLimit, "threads-limit", 0, "maximum number of scenario threads running at once, 0 for no limit.")
	f.BoolVar(&r.metrics, "metrics", true, "print the memory manager counters.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := getConf(args)

	s, err := scenario.Load(f.Arg(0))
	if err != nil {
		Fatalf("loading scenario: %v", err)
	}
	runner := scenario.Runner{
		ThreadsLimit: r.threadsLimit,
		TraceOCalls:  conf.TraceOCalls,
	}
	res, runErr := runner.Run(ctx, s)
	if res == nil {
		Fatalf("running scenario: %v", runErr)
	}
	log.Infof("Scenario %q ran %d steps in %d threads", f.Arg(0), res.Steps, res.Threads)

	if conf.TraceOCalls {
		for _, c := range res.OCalls {
			fmt.Fprintf(os.Stdout, "ocall %v\n", c)
		}
	}
	if err := writeRegions(os.Stdout, res.Regions); err != nil {
		Fatalf("writing regions: %v", err)
	}
	if r.metrics {
		fmt.Fprintln(os.Stdout)
		if _, err := prometheus.Write(os.Stdout, prometheus.ExportOptions{ExporterPrefix: "sgxemm_"}, res.Metrics); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "scenario failed: %v\n", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

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

// Package cmd holds implementations of the emmsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gvisor.dev/sgxemm/emmsim/config"
	"gvisor.dev/sgxemm/pkg/emm"
	"gvisor.dev/sgxemm/pkg/log"
)

// ErrorLogger is where Fatalf writes in addition to stderr and the log.
var ErrorLogger io.Writer

// Fatalf logs the error and exits with status 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "%s\n", msg)
	}
	os.Exit(128)
}

// getConf extracts the Config passed as the first Execute argument.
func getConf(args []any) *config.Config {
	if len(args) == 0 {
		Fatalf("no configuration passed to command")
	}
	return args[0].(*config.Config)
}

// writeRegions prints regions as a table.
func writeRegions(w io.Writer, regions []emm.RegionInfo) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "RANGE\tKIND\tFLAGS\tTYPE\tPROT\tCOMMITTED\tMETA\n")
	for _, r := range regions {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t%d/%d\t%v\n", r.Range, r.RangeType, r.Flags, r.Info.Type, r.Info.Prot, r.CommittedPages, r.Range.NumPages(), r.Alloc)
	}
	return tw.Flush()
}

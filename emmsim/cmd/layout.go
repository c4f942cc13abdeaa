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
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the default enclave layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - print the enclave layout used by scenarios without an [enclave] table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	l := scenario.DefaultEnclave.Layout()
	fmt.Fprintf(os.Stdout, "enclave %v\n", l.EnclaveRange())
	fmt.Fprintf(os.Stdout, "user    %v\n", l.UserRange())
	if low := l.UserBase - l.Base; low > 0 {
		fmt.Fprintf(os.Stdout, "rts     [%v, %v)\n", l.Base, l.UserBase)
	}
	if end := l.UserRange().End; end < l.EnclaveRange().End {
		fmt.Fprintf(os.Stdout, "rts     [%v, %v)\n", end, l.EnclaveRange().End)
	}
	return subcommands.ExitSuccess
}

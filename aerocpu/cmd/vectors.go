// Copyright 2025 The Aero Authors.
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
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Vectors implements subcommands.Command for the "vectors" command.
type Vectors struct{}

// Name implements subcommands.Command.Name.
func (*Vectors) Name() string {
	return "vectors"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Vectors) Synopsis() string {
	return "print the architectural exception vector table"
}

// Usage implements subcommands.Command.Usage.
func (*Vectors) Usage() string {
	return `vectors - print vector, mnemonic, escalation class and error-code presence
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Vectors) SetFlags(*flag.FlagSet) {}

var vectorDescriptions = map[x86.Vector]string{
	x86.DivideByZero:               "divide error",
	x86.Debug:                      "debug exception",
	x86.NMI:                        "non-maskable interrupt",
	x86.Breakpoint:                 "breakpoint",
	x86.Overflow:                   "overflow",
	x86.BoundRangeExceeded:         "BOUND range exceeded",
	x86.InvalidOpcode:              "invalid opcode",
	x86.DeviceNotAvailable:         "device not available",
	x86.DoubleFault:                "double fault",
	x86.CoprocessorSegmentOverrun:  "coprocessor segment overrun",
	x86.InvalidTSS:                 "invalid TSS",
	x86.SegmentNotPresent:          "segment not present",
	x86.StackSegmentFault:          "stack-segment fault",
	x86.GeneralProtectionFault:     "general protection",
	x86.PageFault:                  "page fault",
	x86.X87FloatingPointException:  "x87 floating-point exception",
	x86.AlignmentCheck:             "alignment check",
	x86.MachineCheck:               "machine check",
	x86.SIMDFloatingPointException: "SIMD floating-point exception",
	x86.VirtualizationException:    "virtualization exception",
	x86.ControlProtectionException: "control protection exception",
}

// Execute implements subcommands.Command.Execute.
func (*Vectors) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VECTOR\tNAME\tDESCRIPTION\tCLASS\tERROR CODE")
	for v := x86.DivideByZero; v <= x86.ControlProtectionException; v++ {
		desc, ok := vectorDescriptions[v]
		if !ok {
			desc = "reserved"
		}
		errCode := "no"
		if v.HasErrorCode() {
			errCode = "yes"
		}
		fmt.Fprintf(w, "%d\t%v\t%s\t%v\t%s\n", uint8(v), v, desc, v.EventClass(), errCode)
	}
	fmt.Fprintf(w, "%d-31\t\treserved\t\t\n", uint8(x86.ControlProtectionException)+1)
	fmt.Fprintf(w, "32-%d\t\tavailable for external interrupts\tbenign\tno\n", x86.NumVectors-1)
	w.Flush()
	return subcommands.ExitSuccess
}

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
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// DecodeGate implements subcommands.Command for the "decode-gate" command.
type DecodeGate struct{}

// Name implements subcommands.Command.Name.
func (*DecodeGate) Name() string {
	return "decode-gate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DecodeGate) Synopsis() string {
	return "decode raw IDT gate bytes"
}

// Usage implements subcommands.Command.Usage.
func (*DecodeGate) Usage() string {
	return `decode-gate <hex bytes> - decode an IDT entry

Eight bytes decode as a legacy gate, sixteen as a long-mode gate.
Whitespace and a leading 0x are accepted, so IDT dumps paste cleanly.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*DecodeGate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*DecodeGate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	raw := strings.NewReplacer(" ", "", "\t", "").Replace(strings.Join(f.Args(), ""))
	raw = strings.TrimPrefix(raw, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		Errorf("bad hex input: %v", err)
		return subcommands.ExitUsageError
	}

	switch len(b) {
	case x86.Gate32Size:
		var g x86.Gate32
		g.UnmarshalBytes(b)
		fmt.Fprintf(os.Stdout, "legacy gate:\n")
		fmt.Fprintf(os.Stdout, "  type:    %s (%#x)\n", gateTypeName(g.Type()), g.Type())
		fmt.Fprintf(os.Stdout, "  present: %t\n", g.Present())
		fmt.Fprintf(os.Stdout, "  dpl:     %d\n", g.DPL())
		fmt.Fprintf(os.Stdout, "  cs:      %#x\n", uint16(g.CS()))
		fmt.Fprintf(os.Stdout, "  target:  %#x\n", g.Target())
	case x86.Gate64Size:
		var g x86.Gate64
		g.UnmarshalBytes(b)
		fmt.Fprintf(os.Stdout, "long-mode gate:\n")
		fmt.Fprintf(os.Stdout, "  type:    %s (%#x)\n", gateTypeName(g.Type()), g.Type())
		fmt.Fprintf(os.Stdout, "  present: %t\n", g.Present())
		fmt.Fprintf(os.Stdout, "  dpl:     %d\n", g.DPL())
		fmt.Fprintf(os.Stdout, "  cs:      %#x\n", uint16(g.CS()))
		fmt.Fprintf(os.Stdout, "  target:  %#x\n", g.Target())
		fmt.Fprintf(os.Stdout, "  ist:     %d\n", g.IST())
	default:
		Errorf("gate must be %d or %d bytes, got %d", x86.Gate32Size, x86.Gate64Size, len(b))
		return subcommands.ExitUsageError
	}
	return subcommands.ExitSuccess
}

func gateTypeName(t int) string {
	switch t {
	case x86.GateTask:
		return "task gate"
	case x86.GateInterrupt16:
		return "16-bit interrupt gate"
	case x86.GateTrap16:
		return "16-bit trap gate"
	case x86.GateInterrupt32:
		return "interrupt gate"
	case x86.GateTrap32:
		return "trap gate"
	default:
		return "unknown"
	}
}

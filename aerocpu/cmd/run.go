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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero-sub017/aerocpu/config"
	"github.com/wilsonzlin/aero-sub017/pkg/log"
	"github.com/wilsonzlin/aero-sub017/pkg/machine"
	"github.com/wilsonzlin/aero-sub017/pkg/paging"
	"github.com/wilsonzlin/aero-sub017/pkg/vcpu"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	jobs int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run event-delivery scenarios from TOML files"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run <scenario.toml> [<scenario.toml> ...] - run delivery scenarios

Each file describes one machine and a script of raised events and
interrupt returns. Scenarios run concurrently; their reports print in
argument order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.jobs, "jobs", -1, "maximum scenarios running concurrently (-1 for no limit)")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	reports := make([]string, f.NArg())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.jobs)
	for i, path := range f.Args() {
		i, path := i, path // per-iteration copies: go.mod predates Go 1.22 loopvar semantics
		g.Go(func() error {
			out, err := runScenario(ctx, path)
			reports[i] = out
			return err
		})
	}
	err := g.Wait()
	for _, out := range reports {
		fmt.Fprint(os.Stdout, out)
	}
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func runScenario(ctx context.Context, path string) (string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	mode, err := cfg.CPUMode()
	if err != nil {
		return "", err
	}
	log.Infof("scenario %q: %v machine, %d steps", cfg.Name, mode, len(cfg.Steps))

	m, err := machine.New(mode)
	if err != nil {
		return "", fmt.Errorf("%s: building machine: %w", cfg.Name, err)
	}
	defer m.Close()

	for _, gt := range cfg.Gates {
		v := x86.Vector(gt.Vector)
		if gt.Clear {
			m.ClearGate(v)
			continue
		}
		target := gt.Target
		if target == 0 {
			target = machine.HandlerTarget(v)
		}
		m.SetGate(v, machine.KernelCS, target, gt.DPL, gt.IST, gt.Trap)
	}
	for _, u := range cfg.Unmap {
		m.Unmap(u.Address)
	}
	if cfg.User {
		m.SetUser()
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=== %s (%v)\n", cfg.Name, mode)
	printState(&buf, m, "start")
	snap := m.Snapshot()

	for i, st := range cfg.Steps {
		if err := ctx.Err(); err != nil {
			return buf.String(), err
		}
		label := fmt.Sprintf("step %d %s", i, st.Op)
		if err := runStep(m, st); err != nil {
			switch {
			case errors.Is(err, vcpu.ErrTripleFault):
				fmt.Fprintf(&buf, "%s: TRIPLE FAULT, machine would reset\n", label)
				return buf.String(), nil
			case errors.Is(err, vcpu.ErrFaulted):
				fmt.Fprintf(&buf, "%s: faulted, pending %v\n", label, m.CPU.Pending())
			default:
				return buf.String(), fmt.Errorf("%s: %s: %w", cfg.Name, label, err)
			}
		}
		printState(&buf, m, label)
		printStack(&buf, m)
	}

	if d := machine.Diff(snap, m.CPU); d != "" {
		fmt.Fprintf(&buf, "state delta since start (-start +now):\n%s", d)
	} else {
		fmt.Fprintf(&buf, "state restored to start\n")
	}
	return buf.String(), nil
}

// runStep raises the step's event and delivers it, except for "iret"
// (interrupt return, no delivery) and "deliver" (delivery only).
func runStep(m *machine.Machine, st config.Step) error {
	c := m.CPU
	switch st.Op {
	case "int":
		c.RaiseSoftwareInterrupt(x86.Vector(st.Vector), c.Regs.Rip)
	case "ext":
		c.RaiseExternalInterrupt(x86.Vector(st.Vector), c.Regs.Rip)
	case "exc":
		v := x86.Vector(st.Vector)
		switch {
		case v == x86.PageFault:
			c.RaisePageFault(c.Regs.Rip, &paging.FaultError{Addr: st.CR2, Code: st.Code})
		case v.HasErrorCode():
			c.RaiseExceptionCode(v, c.Regs.Rip, st.Code)
		default:
			c.RaiseException(v, c.Regs.Rip)
		}
	case "iret":
		return c.IRET(m.Bus)
	}
	return c.Deliver(m.Bus)
}

func printState(w io.Writer, m *machine.Machine, label string) {
	c := m.CPU
	fmt.Fprintf(w, "%-14s %v cpl=%d rip=%#x rsp=%#x cs=%#x ss=%#x rflags=%#x cr2=%#x\n",
		label+":", c.Mode(), c.CPL(), c.Regs.Rip, c.Regs.Rsp,
		uint16(c.CS.Selector), uint16(c.SS.Selector), c.Regs.Rflags, c.CR2)
}

// printStack dumps the top stack slots at the mode's push width.
func printStack(w io.Writer, m *machine.Machine) {
	c := m.CPU
	width := 4
	switch c.Mode() {
	case vcpu.ModeLong:
		width = 8
	case vcpu.ModeReal, vcpu.ModeVirtual8086:
		width = 2
	}
	la := c.SS.Base + c.Regs.Rsp
	slots, err := m.Frame(la, width, 6)
	if err != nil {
		fmt.Fprintf(w, "  stack @%#x unreadable: %v\n", la, err)
		return
	}
	for i, v := range slots {
		fmt.Fprintf(w, "  [sp+%#04x] %#0*x\n", i*width, width*2+2, v)
	}
}

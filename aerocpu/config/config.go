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

// Package config describes the TOML scenario files consumed by aerocpu.
//
// A scenario names a machine shape (mode, initial privilege), optional
// table and page-table edits, and a script of steps to run against it:
//
//	name = "page-fault-in-user"
//	mode = "long"
//	user = true
//
//	[[gate]]
//	vector = 14
//	ist = 1
//
//	[[step]]
//	op = "exc"
//	vector = 14
//	cr2 = 0xdead000
//	code = 4
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wilsonzlin/aero-sub017/pkg/vcpu"
	"github.com/wilsonzlin/aero-sub017/pkg/x86"
)

// Scenario is one machine plus the script to run on it.
type Scenario struct {
	// Name labels the scenario in output. Defaults to the file name.
	Name string `toml:"name"`

	// Mode selects the machine shape: "real", "v8086", "protected" or
	// "long". Defaults to "long".
	Mode string `toml:"mode"`

	// User starts execution at CPL 3 instead of CPL 0.
	User bool `toml:"user"`

	// Gates are IDT entries to install over the defaults.
	Gates []Gate `toml:"gate"`

	// Unmap lists pages whose leaf mappings are removed before the
	// script runs.
	Unmap []Unmap `toml:"unmap"`

	// Steps is the script, run in order.
	Steps []Step `toml:"step"`
}

// Gate is an IDT override.
type Gate struct {
	// Vector selects the IDT slot.
	Vector int `toml:"vector"`

	// Target is the handler address. Zero keeps the default stub for
	// the vector.
	Target uint64 `toml:"target"`

	// DPL is the gate's descriptor privilege level.
	DPL int `toml:"dpl"`

	// IST selects an interrupt stack (64-bit machines only, 0 = none).
	IST int `toml:"ist"`

	// Trap makes this a trap gate; interrupt gate otherwise.
	Trap bool `toml:"trap"`

	// Clear zeroes the slot instead of installing a gate.
	Clear bool `toml:"clear"`
}

// Unmap removes one page's leaf mapping.
type Unmap struct {
	// Address is any linear address within the page.
	Address uint64 `toml:"address"`
}

// Step is one scripted operation.
type Step struct {
	// Op is one of:
	//	int     raise a software interrupt and deliver it
	//	ext     raise an external interrupt and deliver it
	//	exc     raise an exception and deliver it
	//	deliver deliver whatever is pending, without raising
	//	iret    execute an interrupt return
	Op string `toml:"op"`

	// Vector is the vector to raise (int, ext, exc).
	Vector int `toml:"vector"`

	// Code is the error code for exceptions whose vector carries one,
	// and the page-fault error code when vector is 14.
	Code uint32 `toml:"code"`

	// CR2 is the faulting address when vector is 14.
	CR2 uint64 `toml:"cr2"`
}

var stepOps = map[string]bool{
	"int":     true,
	"ext":     true,
	"exc":     true,
	"deliver": true,
	"iret":    true,
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), ".toml")
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if _, err := s.CPUMode(); err != nil {
		return err
	}
	for i, g := range s.Gates {
		if g.Vector < 0 || g.Vector >= x86.NumVectors {
			return fmt.Errorf("gate %d: vector %d out of range", i, g.Vector)
		}
		if g.IST < 0 || g.IST > 7 {
			return fmt.Errorf("gate %d: IST %d out of range", i, g.IST)
		}
		if g.DPL < 0 || g.DPL > 3 {
			return fmt.Errorf("gate %d: DPL %d out of range", i, g.DPL)
		}
	}
	for i, st := range s.Steps {
		if !stepOps[st.Op] {
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Vector < 0 || st.Vector >= x86.NumVectors {
			return fmt.Errorf("step %d: vector %d out of range", i, st.Vector)
		}
	}
	return nil
}

// CPUMode maps the scenario's mode string onto the machine mode.
func (s *Scenario) CPUMode() (vcpu.Mode, error) {
	switch s.Mode {
	case "real":
		return vcpu.ModeReal, nil
	case "v8086":
		return vcpu.ModeVirtual8086, nil
	case "protected":
		return vcpu.ModeProtected, nil
	case "long", "":
		return vcpu.ModeLong, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s.Mode)
	}
}

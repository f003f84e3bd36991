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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	if want := 3; len(tw.lines) != want {
		t.Fatalf("got %d lines (%q), want %d", len(tw.lines), tw.lines, want)
	}
	if got, want := tw.lines[1], "line 2\n"; got != want {
		t.Errorf("got line %q, want %q", got, want)
	}
	if got, want := tw.lines[2], "Dropped 2 log messages"; !strings.Contains(got, want) {
		t.Errorf("expected drop notice, got: %q", got)
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := TextEmitter{&Writer{Next: tw}}
	bl := &BasicLogger{Level: Debug, Emitter: e}
	bl.Debugf("testing...\n") // Just for file + line.
	if len(tw.lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go, got %q", tw.lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: tw}}}

	bl.Debugf("debug is filtered")
	if len(tw.lines) != 0 {
		t.Errorf("debug line emitted at info level: %q", tw.lines)
	}
	bl.Infof("info passes")
	bl.Warningf("warning passes")
	if len(tw.lines) != 2 {
		t.Errorf("expected 2 lines, got %d (%q)", len(tw.lines), tw.lines)
	}

	bl.SetLevel(Debug)
	if !bl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
	bl.Debugf("debug passes now")
	if len(tw.lines) != 3 {
		t.Errorf("expected 3 lines, got %d (%q)", len(tw.lines), tw.lines)
	}
}

func TestMultiEmitter(t *testing.T) {
	tw1 := &testWriter{}
	tw2 := &testWriter{}
	me := MultiEmitter{
		TextEmitter{&Writer{Next: tw1}},
		JSONEmitter{&Writer{Next: tw2}},
	}
	bl := &BasicLogger{Level: Info, Emitter: &me}
	bl.Infof("fan out")
	if len(tw1.lines) != 1 || len(tw2.lines) != 1 {
		t.Errorf("expected 1 line in each writer, got %d and %d", len(tw1.lines), len(tw2.lines))
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: tw}}}
	rl := RateLimitedLogger(bl, time.Hour)

	for i := 0; i < 10; i++ {
		rl.Infof("burst %d", i)
	}
	if len(tw.lines) != 1 {
		t.Errorf("expected 1 line after burst, got %d (%q)", len(tw.lines), tw.lines)
	}
	if !rl.IsLogging(Info) {
		t.Errorf("IsLogging should pass through to the underlying logger")
	}
}

func BenchmarkLogFiltered(b *testing.B) {
	tw := &testWriter{limit: 1}
	bl := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: tw}}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl.Debugf("hello %d, %d, %d", 1, 2, 3)
	}
}

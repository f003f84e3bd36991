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

// Package cli is the main entrypoint for aerocpu.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/wilsonzlin/aero-sub017/aerocpu/cmd"
	"github.com/wilsonzlin/aero-sub017/pkg/log"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logPath   = flag.String("log", "", "file path to log to; %TIMESTAMP% and %COMMAND% expand in the pattern. Logs to stderr if empty.")
	logFormat = flag.String("log-format", "text", "log format: text or json.")
)

// Main is the main entrypoint.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Run), "")
	subcommands.Register(new(cmd.Vectors), "")
	subcommands.Register(new(cmd.DecodeGate), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}

	subcommand := flag.CommandLine.Arg(0)

	logWriter := io.Writer(os.Stderr)
	if *logPath != "" {
		f, err := log.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, logFileOpts{command: subcommand})
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logPath, err)
		}
		logWriter = f
	}
	log.SetTarget(newEmitter(*logFormat, logWriter))

	log.Infof("**************** aerocpu ****************")
	log.Infof("%s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Infof("*****************************************")

	os.Exit(int(subcommands.Execute(context.Background())))
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.TextEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}

// logFileOpts builds log file paths for log.OpenFile.
type logFileOpts struct {
	command string
}

// Build implements log.FileOpts.Build. Patterns ending in a slash get the
// default file name; %TIMESTAMP% and %COMMAND% are expanded everywhere.
func (o logFileOpts) Build(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		// Default format: <dir>/aerocpu.log.<yyyymmdd-hhmmss.uuuuuu>.<command>.txt
		pattern += "aerocpu.log.%TIMESTAMP%.%COMMAND%.txt"
	}
	pattern = strings.ReplaceAll(pattern, "%TIMESTAMP%", time.Now().Format("20060102-150405.000000"))
	return strings.ReplaceAll(pattern, "%COMMAND%", o.command)
}

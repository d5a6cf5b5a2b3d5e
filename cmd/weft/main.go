// Copyright 2025 Kadir Pekel
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

// Command weft is the CLI for the weft context assembly engine.
//
// Usage:
//
//	weft init
//	weft validate weft.yaml
//	weft build --config weft.yaml --input request.json
//	weft serve --config weft.yaml --port 8080
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/logger"
)

// Exit codes for scripting: validation failures are 1, budget overruns 2,
// sanitize rejections 3.
const (
	exitOK       = 0
	exitValidate = 1
	exitBudget   = 2
	exitSanitize = 3
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Init     InitCmd     `cmd:"" help:"Scaffold a starter policy file."`
	Validate ValidateCmd `cmd:"" help:"Validate a policy file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for policy files."`
	Build    BuildCmd    `cmd:"" help:"Assemble a context package from a request file."`
	Inspect  InspectCmd  `cmd:"" help:"Inspect a stored snapshot."`
	Diff     DiffCmd     `cmd:"" help:"Diff two snapshots."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`

	Config    string `short:"c" help:"Path to policy file." type:"path" default:"weft.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("weft version %s\n", version)
	return nil
}

// exitCodeFor maps engine error kinds onto the documented exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	switch errs.KindOf(err) {
	case errs.KindBudgetExceeded:
		return exitBudget
	case errs.KindSanitizeReject:
		return exitSanitize
	default:
		return exitValidate
	}
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("weft"),
		kong.Description("weft - dynamic context assembly for LLM applications"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(exitValidate)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(exitCodeFor(err))
	}
}

// formatError renders the what/why/how triple when present.
func formatError(err error) string {
	var werr *errs.Error
	if !errors.As(err, &werr) {
		return "error: " + err.Error()
	}
	out := "error: " + werr.What
	if werr.Why != "" {
		out += "\n  why: " + werr.Why
	}
	if werr.How != "" {
		out += "\n  fix: " + werr.How
	}
	return out
}

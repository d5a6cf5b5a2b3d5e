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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/kadirpekel/weft/pkg/antipattern"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/config/provider"
	"github.com/kadirpekel/weft/pkg/engine"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/observability"
	"github.com/kadirpekel/weft/pkg/segment"
	"github.com/kadirpekel/weft/pkg/server"
	"github.com/kadirpekel/weft/pkg/snapshot"
)

// starterPolicy is what weft init scaffolds.
const starterPolicy = `version: "1"
name: my-app

budget:
  max_context_tokens: 128000
  output_reserved_tokens: 4096
  saturation_threshold: 0.85
  overflow_strategy: truncate_lowest
  elastic_ratios:
    rag: 0.4
    user: 0.3
    assistant: 0.2

sanitize:
  injection_level: standard
  on_injection: warn_and_remove

rerank:
  enable_mmr: false
  similarity_threshold: 0.85

compress:
  enabled: true
  default_compressor: truncation

cache:
  enabled: true
  backend: memory
  ttl_seconds: 300
  max_entries: 1024

routing:
  enabled: false
  default_model: gpt-4o

observability:
  snapshot_enabled: false
  snapshot_dir: .weft/snapshots
`

// InitCmd scaffolds a starter policy.
type InitCmd struct {
	Force bool `help:"Overwrite an existing file."`
}

func (c *InitCmd) Run(cli *CLI) error {
	path := cli.Config
	if _, err := os.Stat(path); err == nil && !c.Force {
		return errs.New(errs.KindConfig, "policy file already exists").
			WithWhy("%s is already present", path).
			WithHow("pass --force to overwrite it")
	}
	if err := os.WriteFile(path, []byte(starterPolicy), 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// ValidateCmd checks a policy file.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Policy file (defaults to --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	policy, _, err := config.LoadFile(context.Background(), path)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid (policy %q, version %s)\n", path, policy.Name, policy.Version)
	return nil
}

// BuildCmd assembles a package from a request file.
type BuildCmd struct {
	Input             string `required:"" help:"Request file (JSON)." type:"path"`
	Format            string `help:"Output format (text, json, rich)." default:"text" enum:"text,json,rich"`
	CheckAntipatterns bool   `name:"check-antipatterns" help:"Run the anti-pattern detector and print findings."`
	Model             string `help:"Override the target model."`
}

func (c *BuildCmd) Run(cli *CLI) error {
	policy, loader, err := config.LoadFile(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	data, err := os.ReadFile(c.Input)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "cannot read request file", err)
	}
	var req engine.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errs.Wrap(errs.KindConfig, "invalid request file", err).
			WithHow("the input must be a JSON object with the build fields")
	}
	if c.Model != "" {
		req.Model = c.Model
	}
	if c.CheckAntipatterns {
		policy.Antipattern.Enabled = true
	}

	eng, err := engine.New(policy)
	if err != nil {
		return err
	}

	pkg, err := eng.Build(context.Background(), &req)
	if err != nil {
		return err
	}
	return printPackage(pkg, c.Format, c.CheckAntipatterns)
}

func printPackage(pkg *segment.ContextPackage, format string, showFindings bool) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pkg)
	}

	fmt.Printf("request %s  model %s  policy v%s\n", pkg.RequestID, pkg.Model, pkg.PolicyVersion)
	fmt.Printf("tokens %d / %d (saturation %.2f)  segments %d  %0.1fms\n",
		pkg.TokenUsage.TotalTokens, pkg.BudgetAllocation.ContentBudget,
		pkg.BudgetAllocation.SaturationRate, len(pkg.Segments), pkg.AssemblyDurationMS)

	for _, s := range pkg.Segments {
		line := fmt.Sprintf("  [%s/%s] %s  %d tokens", s.Type, s.Priority, s.ID[:8], s.TokenCount)
		if format == "rich" {
			line += "\n    " + truncate(s.Content, 120)
		}
		fmt.Println(line)
	}

	if len(pkg.Warnings) > 0 {
		fmt.Println("warnings:")
		for _, w := range pkg.Warnings {
			fmt.Println("  - " + w)
		}
	}

	if showFindings {
		if raw, ok := pkg.Metadata["antipattern_findings"]; ok {
			if findings, ok := raw.([]antipattern.Finding); ok {
				fmt.Println("findings:")
				for _, f := range findings {
					fmt.Printf("  [%s] %s: %s\n", f.Severity, f.RuleName, f.What)
				}
			}
		}
	}
	return nil
}

// InspectCmd prints a stored snapshot.
type InspectCmd struct {
	ID      string `arg:"" help:"Snapshot id or file path."`
	Audit   bool   `help:"Include the audit log."`
	Content bool   `help:"Include segment content."`
}

func (c *InspectCmd) Run(cli *CLI) error {
	store, err := c.openStore(cli)
	if err != nil {
		return err
	}
	pkg, err := store.Load(c.ID)
	if err != nil {
		return err
	}

	format := "text"
	if c.Content {
		format = "rich"
	}
	if err := printPackage(pkg, format, false); err != nil {
		return err
	}

	if c.Audit {
		fmt.Println("audit:")
		for _, e := range pkg.AuditLog {
			fmt.Printf("  %s %s/%s %s %s\n", e.SegmentID[:8], e.Decision, e.ReasonCode, e.PipelineStage, e.ReasonDetail)
		}
	}
	return nil
}

func (c *InspectCmd) openStore(cli *CLI) (*snapshot.Store, error) {
	policy, loader, err := config.LoadFile(context.Background(), cli.Config)
	if err != nil {
		return snapshot.NewStore(".weft/snapshots")
	}
	loader.Close()
	return snapshot.NewStore(policy.Observability.SnapshotDir)
}

// DiffCmd compares two snapshots.
type DiffCmd struct {
	From string `arg:"" help:"First snapshot id or path."`
	To   string `arg:"" help:"Second snapshot id or path."`
}

func (c *DiffCmd) Run(cli *CLI) error {
	store, err := (&InspectCmd{}).openStore(cli)
	if err != nil {
		return err
	}
	from, err := store.Load(c.From)
	if err != nil {
		return err
	}
	to, err := store.Load(c.To)
	if err != nil {
		return err
	}

	d := snapshot.Compare(from, to)
	fmt.Printf("%s -> %s  token delta %+d\n", d.FromID, d.ToID, d.TokenDelta)
	if d.ModelChange != "" {
		fmt.Println("model: " + d.ModelChange)
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	for _, id := range d.Added {
		fmt.Println("  + " + id)
	}
	for _, id := range d.Removed {
		fmt.Println("  - " + id)
	}
	for _, ch := range d.Changed {
		marker := "~"
		if ch.Compressed {
			marker = "c"
		}
		fmt.Printf("  %s %s  %d -> %d tokens\n", marker, ch.ID, ch.FromTokens, ch.ToTokens)
	}
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host  string `help:"Bind host." default:"127.0.0.1"`
	Port  int    `help:"Bind port." default:"8080"`
	Watch bool   `help:"Reload the policy when the file changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var srv *server.Server
	var metrics observability.Metrics

	prov, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return err
	}
	loader := config.NewLoader(prov, config.WithOnChange(func(p *config.Policy) {
		next, err := engine.New(p, engine.WithMetrics(metrics))
		if err != nil {
			slog.Error("Reloaded policy rejected, keeping the running engine", "error", err)
			return
		}
		srv.SwapEngine(next)
	}))
	defer loader.Close()

	policy, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	metrics, err = observability.InitMetrics(ctx, policy.Observability.MetricsEnabled)
	if err != nil {
		return err
	}

	eng, err := engine.New(policy, engine.WithMetrics(metrics))
	if err != nil {
		return err
	}

	host := c.Host
	if policy.Server.Host != "" {
		host = policy.Server.Host
	}
	port := c.Port
	if policy.Server.Port != 0 {
		port = policy.Server.Port
	}

	srv = server.New(eng, fmt.Sprintf("%s:%d", host, port), nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Policy watch stopped", "error", err)
			}
		}()
	}

	select {
	case <-sigCh:
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

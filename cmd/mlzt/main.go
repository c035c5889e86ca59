// Command mlzt is a thin manual-testing harness over the core: it wires
// the capability manager, audit log, and sandbox executor together so a
// developer can run a snippet in the sandbox from the command line (the
// sandbox child routes host calls through the gate). It does not run the
// analyzer, and it is not the language's lexer/parser/codegen front end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mlzerotrust/core/pkg/audit"
	"github.com/mlzerotrust/core/pkg/config"
	"github.com/mlzerotrust/core/pkg/logging"
	"github.com/mlzerotrust/core/pkg/metrics"
	"github.com/mlzerotrust/core/system/capability"
	"github.com/mlzerotrust/core/system/sandbox"
	"github.com/mlzerotrust/core/system/sandbox/child"
)

func main() {
	if os.Getenv(sandbox.ChildEnvVar) != "" {
		if err := child.Run(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "mlzt: sandbox child: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mlzt", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML policy/config file")
	scriptPath := fs.String("script", "", "path to the script to execute in the sandbox")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090) instead of exiting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New("mlzt", cfg.Logging.Level, cfg.Logging.Format)

	if *metricsAddr != "" {
		logger.WithContext(ctx).Infof("serving metrics on %s", *metricsAddr)
		return http.ListenAndServe(*metricsAddr, metrics.Handler())
	}

	if *scriptPath == "" {
		return fmt.Errorf("-script is required (or pass -metrics-addr to run only the metrics server)")
	}
	code, err := os.ReadFile(*scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	auditLog := audit.NewLog(1000)
	mgr := capability.NewManager(capability.ManagerConfig{
		CacheSize:          cfg.Capability.CacheSize,
		RateLimitPerSecond: cfg.Capability.RateLimitPerSecond,
		RateLimitBurst:     cfg.Capability.RateLimitBurst,
		AuditLog:           auditLog,
	}, capability.DefaultVocabulary())
	root := mgr.Current()

	// A small, harmless default capability set for manual testing; real
	// embedders mint tokens matching their own policy instead.
	tok, err := mgr.Grant(root, capability.CreateParams{
		Type:             "file_read",
		ResourcePatterns: []string{"/tmp/**"},
		AllowedOps:       []string{"read"},
	})
	if err != nil {
		return fmt.Errorf("grant demo capability: %w", err)
	}

	executor := sandbox.NewExecutor(cfg.Sandbox.MaxConcurrent, logger)
	executor.SetAuditLog(auditLog)
	limits := sandbox.Limits{
		MemoryBytes: cfg.Sandbox.MemoryBytes,
		CPUMillis:   cfg.Sandbox.CPUMillis,
		WallMillis:  cfg.Sandbox.WallMillis,
		Network:     sandbox.NetworkPosture(cfg.Sandbox.Network),
		MaxFDs:      cfg.Sandbox.MaxFDs,
		MaxProcs:    cfg.Sandbox.MaxProcs,
	}

	result, err := executor.Execute(ctx, string(code), []sandbox.TokenSnapshot{tokenSnapshot(tok)}, limits, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	logger.WithContext(ctx).Infof("audit log: %d event(s) recorded", len(auditLog.Recent(0)))
	return nil
}

func tokenSnapshot(tok *capability.Token) sandbox.TokenSnapshot {
	snap := sandbox.TokenSnapshot{Type: tok.Type}
	for op := range tok.AllowedOps {
		snap.AllowedOps = append(snap.AllowedOps, op)
	}
	for _, p := range tok.ResourcePatterns {
		snap.ResourcePatterns = append(snap.ResourcePatterns, p.String())
	}
	if tok.ExpiresAt != nil {
		snap.ExpiresAtUnixMs = tok.ExpiresAt.UnixMilli()
	}
	if tok.MaxUsage != nil {
		snap.MaxUsage = *tok.MaxUsage
	}
	return snap
}

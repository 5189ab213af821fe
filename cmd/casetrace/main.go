// Package main is the CLI entry point for casetrace — the tamper-evident
// audit log behind the case-management application.
//
// Every sensitive operation (case CRUD, evidence handling, field
// decryption, export) is recorded as an entry in an append-only,
// hash-chained SQLite store. Each entry's hash depends on the previous
// entry's hash, so editing, deleting, or reordering history is
// detectable by recomputation.
//
// CLI commands (cobra):
//
//	casetrace serve     - Run the HTTP wrapper + tamper monitor
//	casetrace log       - Append one audit event (scripting/ops)
//	casetrace tail      - Show recent entries (-f to follow)
//	casetrace query     - Filtered queries for compliance review
//	casetrace verify    - Verify hash chain integrity
//	casetrace export    - Export entries (jsonl, json, csv)
//	casetrace config    - View/generate configuration
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/casetrace/casetrace/internal/audit"
	"github.com/casetrace/casetrace/internal/config"
	"github.com/casetrace/casetrace/internal/monitor"
	"github.com/casetrace/casetrace/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-20"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns the path to ~/.casetrace/ where all runtime
// state lives: config.yaml and the audit database.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".casetrace"
	}
	return filepath.Join(home, ".casetrace")
}

// main builds the cobra command tree and executes it.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// dataDir is the global flag for the casetrace data directory.
var dataDir string

// rootCmd is the top-level cobra command.
var rootCmd = &cobra.Command{
	Use:   "casetrace",
	Short: "casetrace — tamper-evident audit log for case management",
	Long: `casetrace is the tamper-evident audit log behind the case-management
application. Every sensitive operation is appended to a hash-chained,
append-only store: each entry's integrity hash depends on the previous
entry's hash, so any edit, deletion, or reordering of history is
detectable with 'casetrace verify'.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	// --data-dir: Override the default ~/.casetrace/ directory.
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to casetrace config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// openLog opens the audit log using the configured database path.
func openLog() (*audit.Log, *config.Config, error) {
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	l, err := audit.Open(filepath.Join(dataDir, cfg.Storage.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, cfg, nil
}

// ============================================================================
// casetrace serve — Run the HTTP wrapper and tamper monitor
// ============================================================================

// serveCmd runs the local HTTP wrapper so the desktop application (a
// separate process) can append and query over a loopback socket, plus
// the tamper monitor that auto-verifies after out-of-band writes to the
// database file.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local audit service",
	Long: `Run the casetrace service: a loopback HTTP wrapper exposing append,
query, verify, and export 1:1, a WebSocket live feed of new entries,
and a tamper monitor that watches the database file for writes made by
anything other than the service and automatically re-verifies the chain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe wires the stack together:
//
//  1. Load config from <data-dir>/config.yaml
//  2. Open the audit log (hash-chained SQLite store)
//  3. Record the service start as an audit entry
//  4. Start the tamper monitor on the database file
//  5. Serve the HTTP/WebSocket wrapper until SIGINT/SIGTERM
func runServe(cmd *cobra.Command, args []string) error {
	l, cfg, err := openLog()
	if err != nil {
		return err
	}
	defer l.Close()

	dbPath := filepath.Join(dataDir, cfg.Storage.Database)

	// The service's own lifecycle is part of the audit trail.
	_, err = l.Append(cmd.Context(), audit.Event{
		EventType:    "service.start",
		ResourceType: "service",
		ResourceID:   "casetrace",
		Action:       audit.ActionCreate,
		Details:      map[string]any{"version": version, "commit": commit},
		Success:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to record service start: %w", err)
	}

	if cfg.Monitor.Enabled {
		mon, err := monitor.New(dbPath, l, monitor.Options{
			Debounce: time.Duration(cfg.Monitor.DebounceMs) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("failed to start tamper monitor: %w", err)
		}
		defer mon.Close()
	}

	srv := server.New(server.Options{Log: l, LiveFeed: cfg.Server.LiveFeed})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // exports and the live feed stream indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[casetrace] Serving on http://%s\n", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		fmt.Printf("\n[casetrace] Received %s, shutting down...\n", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	_, err = l.Append(context.Background(), audit.Event{
		EventType:    "service.stop",
		ResourceType: "service",
		ResourceID:   "casetrace",
		Action:       audit.ActionUpdate,
		Success:      true,
	})
	return err
}

// ============================================================================
// casetrace log — Append one audit event
// ============================================================================

// Flags for the log command.
var (
	logEventType    string
	logActor        string
	logResourceType string
	logResourceID   string
	logAction       string
	logDetails      []string
	logFailed       bool
	logErrorMessage string
)

// logCmd appends a single event from the command line. Useful for
// scripted administrative actions that must leave an audit trail.
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append one audit event",
	Long: `Append a single audit event to the chain. Details are passed as
key=value pairs and must contain only non-sensitive metadata.

Example:
  casetrace log --type case.create --actor attorney-7 \
    --resource-type case --resource-id case-42 --action create \
    --detail case_type=civil --detail title_length=18`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		details, err := parseDetails(logDetails)
		if err != nil {
			return err
		}

		entry, err := l.Append(cmd.Context(), audit.Event{
			EventType:    logEventType,
			Actor:        logActor,
			ResourceType: logResourceType,
			ResourceID:   logResourceID,
			Action:       audit.Action(logAction),
			Details:      details,
			Success:      !logFailed,
			ErrorMessage: logErrorMessage,
		})
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}

		fmt.Printf("[casetrace] Appended entry #%d (%s)\n", entry.Sequence, entry.IntegrityHash)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logEventType, "type", "", "Event type (e.g. case.create)")
	logCmd.Flags().StringVar(&logActor, "actor", "", "Acting principal (empty for system events)")
	logCmd.Flags().StringVar(&logResourceType, "resource-type", "", "Resource type (e.g. case)")
	logCmd.Flags().StringVar(&logResourceID, "resource-id", "", "Resource identifier")
	logCmd.Flags().StringVar(&logAction, "action", "", "Action: create, read, update, delete, export, decrypt")
	logCmd.Flags().StringArrayVar(&logDetails, "detail", nil, "Metadata key=value pair (repeatable)")
	logCmd.Flags().BoolVar(&logFailed, "failed", false, "Record the operation as failed")
	logCmd.Flags().StringVar(&logErrorMessage, "error", "", "Error message (only with --failed)")
	logCmd.MarkFlagRequired("type")
	logCmd.MarkFlagRequired("resource-type")
	logCmd.MarkFlagRequired("resource-id")
	logCmd.MarkFlagRequired("action")
}

// parseDetails converts key=value flags into a details map.
func parseDetails(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	details := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --detail %q (want key=value)", p)
		}
		details[key] = value
	}
	return details, nil
}

// ============================================================================
// casetrace tail — Show recent entries
// ============================================================================

// tailFollowMode enables real-time following of new entries (-f flag).
var tailFollowMode bool

// tailLimit controls how many recent entries to show.
var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries. Use -f to follow in real-time (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Recent(cmd.Context(), tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		for _, entry := range entries {
			printEntry(entry)
		}

		if tailFollowMode {
			return l.Follow(cmd.Context(), printEntry)
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollowMode, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// ============================================================================
// casetrace query — Filtered queries
// ============================================================================

// Query filter flags.
var (
	queryResourceType string
	queryResourceID   string
	queryEventType    string
	queryActor        string
	querySince        string
	queryLimit        int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the audit log with filters. Supports filtering by resource,
event type (exact or glob pattern), actor, and time range. Results are
always in chain (sequence) order.

Examples:
  casetrace query --resource-type case --resource-id case-42
  casetrace query --event-type 'encryption.*' --since 24h --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Query(cmd.Context(), audit.QueryParams{
			ResourceType: queryResourceType,
			ResourceID:   queryResourceID,
			EventType:    queryEventType,
			Actor:        queryActor,
			Since:        querySince,
			Limit:        queryLimit,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		for _, entry := range entries {
			printEntry(entry)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryResourceType, "resource-type", "", "Filter by resource type")
	queryCmd.Flags().StringVar(&queryResourceID, "resource-id", "", "Filter by resource ID")
	queryCmd.Flags().StringVar(&queryEventType, "event-type", "", "Filter by event type (glob patterns allowed)")
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Filter by actor")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Show entries since duration (e.g. 1h, 24h) or RFC3339 time")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

// ============================================================================
// casetrace verify — Chain integrity
// ============================================================================

// Verify range flags.
var (
	verifyFrom uint64
	verifyTo   uint64
	verifyAll  bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the audit hash chain. Each entry's hash is
recomputed from its fields and the previous entry's hash; any edited,
inserted, deleted, or reordered entry breaks the chain, and this command
reports the first offending sequence number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, _, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		result, err := l.Verify(cmd.Context(), audit.VerifyOptions{
			From: verifyFrom,
			To:   verifyTo,
			All:  verifyAll,
		})
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.Valid {
			fmt.Printf("[casetrace] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
			return nil
		}

		fmt.Printf("[casetrace] Hash chain BROKEN at sequence %d\n", result.FirstBreakSequence)
		for _, finding := range result.Errors {
			fmt.Printf("  - %s\n", finding)
		}
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence number to verify (default: chain start)")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence number to verify (default: chain tail)")
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "Continue past the first break and list every finding")
}

// ============================================================================
// casetrace export — Compliance export
// ============================================================================

// Export flags.
var (
	exportFormat    string
	exportEventType string
	exportSince     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries",
	Long: `Export audit entries to stdout for compliance reporting.
Supported formats: jsonl, json, csv.

Example:
  casetrace export --format csv --event-type 'case.*' > case_audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, cfg, err := openLog()
		if err != nil {
			return err
		}
		defer l.Close()

		format := exportFormat
		if format == "" {
			format = cfg.Export.Format
		}
		return l.Export(cmd.Context(), os.Stdout, format, audit.QueryParams{
			EventType: exportEventType,
			Since:     exportSince,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "Export format: jsonl, json, csv (default from config)")
	exportCmd.Flags().StringVar(&exportEventType, "event-type", "", "Filter by event type (glob patterns allowed)")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Export entries since duration or RFC3339 time")
}

// ============================================================================
// casetrace config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate configuration",
	Long: `Manage the casetrace configuration. The config file lives at
<data-dir>/config.yaml and defines the database filename, the HTTP
wrapper bind address, tamper monitor settings, and export defaults.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

// configShowCmd prints the current configuration to stdout.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'casetrace config generate' for a template.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configGenerateCmd writes a default config.yaml template.
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		configPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[casetrace] Wrote default config to %s\n", configPath)
		return nil
	},
}

// printEntry formats and prints a single audit entry to stdout.
func printEntry(e audit.Entry) {
	outcome := "ok"
	if !e.Success {
		outcome = "FAILED"
	}
	actor := e.Actor
	if actor == "" {
		actor = "-"
	}
	fmt.Printf("#%-6d [%s] %-22s actor=%-12s %s/%s %s\n",
		e.Sequence, e.Timestamp, e.EventType, actor,
		e.ResourceType, e.ResourceID, outcome)
	if e.ErrorMessage != "" {
		fmt.Printf("        error: %s\n", e.ErrorMessage)
	}
}

// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface (CLI) for the Caseload
// application using the Cobra library. It defines the root command,
// subcommands (like sync, metric, blockers), flags, and the main entry
// point for execution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caseops/caseload/internal/analytics"
	"github.com/caseops/caseload/internal/config"
	"github.com/caseops/caseload/internal/db"
	"github.com/caseops/caseload/internal/graph"
	"github.com/caseops/caseload/internal/i18n"
	"github.com/caseops/caseload/internal/logging"
	"github.com/caseops/caseload/internal/model"
	"github.com/caseops/caseload/internal/source"
	syncengine "github.com/caseops/caseload/internal/sync"
)

var version = "dev" // this will be set by the linker

var (
	cfgFile string
	cfg     config.Config
)

// main is the entry point of the application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
}

// newRootCmd creates and configures a new root cobra command. Tests create
// fresh instances through this function for isolation.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caseload",
		Short: "Caseload tracks CVE remediation work across teams and projects.",
		Long: `Caseload syncs security trackers from an issue tracker into a local
database, links them to CVEs and projects, and computes impact and trend
metrics over the result. A teams file describes which team owns which
project and how projects depend on each other.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(cmd, &cfgFile)
			if err != nil {
				return err
			}
			i18n.Init(cfg.Language)
			logging.SetDebug(cfg.Debug)
			db.SetDebug(cfg.Debug)
			if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
				return fmt.Errorf("%s: %w", i18n.T("cli.error_init_db"), err)
			}
			return nil
		},
	}

	cmd.AddCommand(syncCmd)
	cmd.AddCommand(testConnectionCmd)
	cmd.AddCommand(metricCmd)
	cmd.AddCommand(metricsCmd)
	cmd.AddCommand(blockersCmd)
	cmd.AddCommand(checkDepsCmd)
	cmd.AddCommand(loadTeamsCmd)
	cmd.AddCommand(embargoCmd)
	cmd.AddCommand(auditCmd)
	cmd.AddCommand(maintenanceCmd)

	cmd.Version = version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is caseload.yaml in the config dir or current dir)")
	cmd.PersistentFlags().String("db-type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "caseload.db", "Database connection string (DSN)")
	cmd.PersistentFlags().String("lang", "en", "Output language")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	// viper binding happens in config.LoadConfig; the flag names line up
	// with the database.type / database.dsn / language / debug keys there.

	return cmd
}

// newSource builds the configured tracker source. Only Jira is shipped, but
// the registry keeps the door open for others.
func newSource() (source.TrackerSource, error) {
	if cfg.Jira.Server == "" || cfg.Jira.Token == "" {
		return nil, fmt.Errorf("%s", i18n.T("sync.error_no_source"))
	}
	src := source.NewJiraSource(cfg.Jira.Server, cfg.Jira.Token)
	if cfg.Jira.PageSize > 0 {
		src.PageSize = cfg.Jira.PageSize
	}
	return src, nil
}

// projectKeys resolves the project list from the --projects flag, falling
// back to sync.projects in the config.
func projectKeys(cmd *cobra.Command) []string {
	if flag, _ := cmd.Flags().GetString("projects"); flag != "" {
		var keys []string
		for _, k := range strings.Split(flag, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		return keys
	}
	return cfg.Sync.Projects
}

// buildGraph loads the current project and edge rows into a graph.
func buildGraph(ctx context.Context) (*graph.Graph, error) {
	projects, err := db.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := db.ListDependencyEdges(ctx)
	if err != nil {
		return nil, err
	}
	return graph.Build(projects, edges), nil
}

// metricDeps assembles the read-side dependencies for metric computation.
func metricDeps() analytics.Deps {
	return analytics.Deps{
		Store: db.GetStore(),
		SLA:   cfg.SLA.Policy(),
	}
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding output: %v", err)
	}
	fmt.Println(string(out))
}

// syncCmd fetches updated trackers from the configured source and upserts
// them into the store.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync security trackers from the configured source",
	Long: `Fetches trackers updated since the last sync watermark for the configured
projects and upserts them into the database. The watermark is derived from
the stored trackers, so a fresh database triggers a full sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := projectKeys(cmd)
		if len(keys) == 0 {
			return fmt.Errorf("%s", i18n.T("sync.error_no_projects"))
		}
		src, err := newSource()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		engine := syncengine.NewEngine(db.GetStore())
		fmt.Println(i18n.T("sync.start"))
		stats, err := engine.SyncFromSource(ctx, src, keys)
		if err != nil {
			if syncengine.IsRetryable(err) {
				logging.Warnf("Source unavailable, try again later: %v", err)
			}
			return err
		}
		fmt.Printf("%s: %s\n", i18n.T("sync.complete"), stats)
		return nil
	},
}

// testConnectionCmd checks source reachability and credentials without
// touching the database contents.
var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Verify connectivity to the configured tracker source",
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := newSource()
		if err != nil {
			return err
		}
		ok, detail := src.TestConnection(cmd.Context())
		if !ok {
			return fmt.Errorf("%s: %s", i18n.T("source.connection_failed"), detail)
		}
		fmt.Printf("%s: %s\n", i18n.T("source.connection_ok"), detail)
		return nil
	},
}

// metricCmd computes a single metric by id.
var metricCmd = &cobra.Command{
	Use:   "metric <id>",
	Short: "Compute one metric and print the result as JSON",
	Long: `Computes a registered metric. Parameters are passed as repeated
--param key=value flags; for example:

  caseload metric blast_radius --param cve_key=CVE-2024-12345
  caseload metric tracker_volume --param from=2025-01-01 --param by_severity=true`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := analytics.Params{}
		raw, _ := cmd.Flags().GetStringArray("param")
		for _, kv := range raw {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q: want key=value", kv)
			}
			params[k] = v
		}

		engine := analytics.NewEngine(metricDeps())
		res, err := engine.ComputeMetric(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	},
}

// metricsCmd lists the registered metrics.
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "List registered metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := analytics.NewEngine(metricDeps())
		fmt.Println(i18n.T("metric.list_header"))
		for _, m := range engine.Registry.List() {
			fmt.Printf("  %-16s %-7s %s\n", m.ID(), m.Category(), m.Description())
		}
		return nil
	},
}

// blockersCmd prints the delivery-ordered blocker chain for a project.
var blockersCmd = &cobra.Command{
	Use:   "blockers <project-key>",
	Short: "Show which projects must deliver before the given one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := buildGraph(cmd.Context())
		if err != nil {
			return err
		}
		blockers, err := g.Blockers(args[0])
		if err != nil {
			return err
		}
		if len(blockers) == 0 {
			fmt.Printf("%s has no blockers\n", args[0])
			return nil
		}
		for i, key := range blockers {
			fmt.Printf("%d. %s\n", i+1, key)
		}
		return nil
	},
}

// checkDepsCmd validates the dependency data against the DAG invariant.
var checkDepsCmd = &cobra.Command{
	Use:   "check-deps",
	Short: "Check the project dependency data for cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := buildGraph(cmd.Context())
		if err != nil {
			return err
		}
		if cycles := g.DetectCycles(); len(cycles) > 0 {
			fmt.Println(i18n.T("graph.cycle_found"))
			for _, c := range cycles {
				fmt.Printf("  %s\n", strings.Join(c, " -> "))
			}
			return fmt.Errorf("%d cycle(s) found", len(cycles))
		}
		fmt.Println(i18n.T("graph.no_cycles"))
		return nil
	},
}

// loadTeamsCmd loads a teams.yaml topology file into the database.
var loadTeamsCmd = &cobra.Command{
	Use:   "load-teams <teams.yaml>",
	Short: "Load teams, projects and dependency edges from a yaml file",
	Long: `Upserts the teams and projects from the file and replaces the dependency
edge set wholesale. If the loaded edges contain a cycle the load still
completes, but the command fails so the problem is visible.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tf, err := config.ReadTeamsFile(args[0])
		if err != nil {
			return err
		}
		if err := config.ApplyTeams(cmd.Context(), db.GetStore(), tf); err != nil {
			return err
		}
		fmt.Println(i18n.T("teams.loaded"))
		return nil
	},
}

// embargoCmd flips the embargo flag on a known CVE. Embargoed CVEs stay in
// the database but are marked so reports can redact them.
var embargoCmd = &cobra.Command{
	Use:   "embargo <cve-key> <on|off>",
	Short: "Mark a CVE as embargoed, or lift the embargo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var embargoed bool
		switch strings.ToLower(args[1]) {
		case "on":
			embargoed = true
		case "off":
			embargoed = false
		default:
			return fmt.Errorf("invalid state %q: want on or off", args[1])
		}
		key := strings.ToUpper(args[0])
		if err := db.SetCVEEmbargo(cmd.Context(), key, embargoed); err != nil {
			return err
		}
		if embargoed {
			fmt.Printf("%s: %s\n", i18n.T("embargo.set"), key)
		} else {
			fmt.Printf("%s: %s\n", i18n.T("embargo.cleared"), key)
		}
		return nil
	},
}

// auditCmd prints the recorded sync history.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := db.ListSyncRuns(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(i18n.T("audit.header"))
		for _, r := range runs {
			printSyncRun(r)
		}
		return nil
	},
}

func printSyncRun(r model.SyncRun) {
	fmt.Printf("  %s  %-6s  %-10s  projects=[%s]  %s",
		r.StartedAt.Format(time.RFC3339), r.Outcome, r.SourceType, r.ProjectKeys, r.Stats)
	if r.Detail != "" {
		fmt.Printf("  (%s)", r.Detail)
	}
	fmt.Println()
}

// maintenanceCmd runs backend-specific database housekeeping.
var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run database maintenance (vacuum, analyze, integrity check)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.RunDBMaintenance(cfg.Database.Type, cfg.Database.DSN); err != nil {
			return err
		}
		fmt.Println(i18n.T("maintenance.done"))
		return nil
	},
}

func init() {
	syncCmd.Flags().String("projects", "", "Comma-separated project keys (overrides sync.projects)")
	metricCmd.Flags().StringArray("param", nil, "Metric parameter as key=value (repeatable)")
}

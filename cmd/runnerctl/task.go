package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/config"
	"github.com/mattjoyce/runnerctl/internal/inspect"
	"github.com/mattjoyce/runnerctl/internal/storage"
	"github.com/mattjoyce/runnerctl/internal/taskqueue"
)

func runTaskNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: runnerctl task list [--config PATH] [--status pending,dead] [--limit N] [--json]")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: runnerctl task list [--config PATH] [--status pending,dead] [--limit N] [--json]")
		return 0
	}

	switch args[0] {
	case "list":
		return runTaskList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown task action: %s\n", args[0])
		return 1
	}
}

// runTaskList shows the local stop-task queue.
func runTaskList(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newConfigFlags("list", stderr)
	statusFlag := fs.String("status", "", "Comma-separated statuses to include (default all)")
	limit := fs.Int("limit", 50, "Maximum tasks to show (0 for all)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 1
	}
	if cfg.Scheduler.Driver != config.DriverLocal {
		fmt.Fprintf(stderr, "task list reads the local queue; scheduler.driver is %q\n", cfg.Scheduler.Driver)
		return 1
	}
	if _, err := os.Stat(cfg.Scheduler.DBPath); err != nil {
		fmt.Fprintf(stderr, "Task database unavailable: %v\n", err)
		return 1
	}

	var statuses []taskqueue.Status
	for _, s := range strings.Split(*statusFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, taskqueue.Status(s))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Scheduler.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open task database: %v\n", err)
		return 1
	}
	defer db.Close()

	clk := clock.Real()
	store := taskqueue.NewStore(db, clk, cfg.Scheduler.MaxAttempts)
	report, err := inspect.Gather(ctx, store, statuses, *limit, clk.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to list tasks: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := inspect.FormatJSON(report)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
		return 0
	}
	fmt.Fprint(stdout, inspect.FormatHuman(report))
	return 0
}

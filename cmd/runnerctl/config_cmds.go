package main

import (
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/mattjoyce/runnerctl/internal/config"
	"github.com/mattjoyce/runnerctl/internal/doctor"
)

func newConfigFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to YAML configuration (optional)")
	return fs, configPath
}

func loadConfig(path string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func loadConfigFlag(name string, args []string, stderr io.Writer) (*config.Config, bool) {
	fs, configPath := newConfigFlags(name, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	return loadConfig(*configPath, stderr)
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newConfigFlags("check", stderr)
	jsonOut := fs.Bool("json", false, "Output the review as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
	} else {
		source := cfg.SourcePath
		if source == "" {
			source = "environment"
		}
		fmt.Fprintf(stdout, "source:      %s\n", source)
		fmt.Fprintf(stdout, "scheduler:   %s\n", cfg.Scheduler.Driver)
		fmt.Fprintf(stdout, "busy check:  %s\n", busyCheckMode(cfg))
		fmt.Fprintf(stdout, "fingerprint: %s\n", cfg.Fingerprint())
		fmt.Fprintf(stdout, "runners:     %d\n", len(cfg.Runners))
		for _, t := range cfg.Targets() {
			fmt.Fprintf(stdout, "  %s -> %s %v\n", t.Repo, t.String(), t.Labels.Sorted())
		}
		fmt.Fprint(stdout, doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfigFlag("show", args, stderr)
	if !ok {
		return 1
	}
	out, err := cfg.YAML()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to render config: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(cliArgs []string, stdout, stderr io.Writer) int {
	if len(cliArgs) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args, stdout, stderr)
	case "config":
		return runConfigNoun(args, stdout, stderr)
	case "runner":
		return runRunnerNoun(args, stdout, stderr)
	case "task":
		return runTaskNoun(args, stdout, stderr)

	// Root alias.
	case "start":
		return runStart(args, stderr)
	case "version", "--version":
		return runVersion(args, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Usage: runnerctl version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "runnerctl %s\n", info.Version)
	fmt.Fprintf(stdout, "commit: %s\n", info.Commit)
	fmt.Fprintf(stdout, "built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `runnerctl - on-demand lifecycle for GitHub Actions runner VMs

Usage:
  runnerctl <noun> <action> [flags]

Nouns:
  system    Service lifecycle
  config    Configuration validation and inspection
  runner    Start or stop a runner VM through a running service
  task      Local stop-task queue

System Commands:
  system start      Serve webhooks and control endpoints in the foreground

Config Commands:
  config check      Load and validate configuration
  config show       Print the effective configuration with secrets redacted

Runner Commands:
  runner start      POST /runner/start to a running service
  runner stop       POST /runner/stop to a running service

Task Commands:
  task list         Show pending and recent stop tasks (scheduler.driver: local)

General:
  version           Show version information
  help              Show this help message

Configuration comes from --config (YAML, optional) and the environment
(GCP_PROJECT_ID, RUNNER_CONFIG, RUNNER_MANAGER_SECRET, ...).
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: runnerctl system <action>")
		fmt.Fprintln(stderr, "Actions: start")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: runnerctl system <action>")
		fmt.Fprintln(stdout, "Actions: start")
		return 0
	}

	switch args[0] {
	case "start":
		if hasHelpFlag(args[1:]) {
			fmt.Fprintln(stdout, "Usage: runnerctl system start [--config PATH]")
			return 0
		}
		return runStart(args[1:], stderr)
	default:
		fmt.Fprintf(stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: runnerctl config <check|show> [--config PATH]")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: runnerctl config <check|show> [--config PATH]")
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "show":
		return runConfigShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runRunnerNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: runnerctl runner <start|stop> [--url URL] [--name NAME --zone ZONE]")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: runnerctl runner <start|stop> [--url URL] [--name NAME --zone ZONE]")
		return 0
	}

	switch args[0] {
	case "start", "stop":
		return runRunnerAction(args[0], args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown runner action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

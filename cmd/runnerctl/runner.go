package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mattjoyce/runnerctl/internal/api"
	"github.com/mattjoyce/runnerctl/internal/auth"
)

// runRunnerAction calls a running service's start or stop endpoint.
func runRunnerAction(action string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", firstEnv("RUNNERCTL_URL", "CLOUD_RUN_SERVICE_URL"), "Base URL of the runnerctl service")
	secret := fs.String("secret", "", "Control secret (default $RUNNER_CONTROL_SECRET or $RUNNER_MANAGER_SECRET)")
	name := fs.String("name", "", "VM instance name")
	zone := fs.String("zone", "", "VM instance zone")
	timeout := fs.Duration("timeout", 60*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *baseURL == "" {
		*baseURL = "http://localhost:8080"
	}
	if *secret == "" {
		*secret = firstEnv("RUNNER_CONTROL_SECRET", "RUNNER_MANAGER_SECRET")
	}
	if *secret == "" {
		fmt.Fprintln(stderr, "A control secret is required (--secret or RUNNER_CONTROL_SECRET)")
		return 1
	}
	if (*name == "") != (*zone == "") {
		fmt.Fprintln(stderr, "--name and --zone must be given together")
		return 1
	}

	var body []byte
	if *name != "" {
		body, _ = json.Marshal(api.ControlRequest{Instance: *name, Zone: *zone})
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, respBody, err := postControl(ctx, strings.TrimRight(*baseURL, "/")+"/runner/"+action, *secret, body)
	if err != nil {
		fmt.Fprintf(stderr, "Request failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, strings.TrimSpace(string(respBody)))
	if status < 200 || status >= 300 {
		fmt.Fprintf(stderr, "runner %s failed: HTTP %d\n", action, status)
		return 1
	}
	return 0
}

func postControl(ctx context.Context, url, secret string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(auth.SecretHeader, secret)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

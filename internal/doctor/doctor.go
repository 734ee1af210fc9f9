// Package doctor reviews a loaded runnerctl configuration for routing and
// deployment mistakes that pass validation but misbehave at runtime.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattjoyce/runnerctl/internal/config"
)

// Result holds the outcome of a review.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor reviews one configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateRouting(r)
	d.warnCatchAllTargets(r)
	d.warnSecrets(r)
	d.warnPublicURL(r)
	d.warnBusyCheck(r)
	d.warnSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateRouting reports targets that can never be selected: the first
// matching target wins, so an earlier target of the same repository whose
// labels are a subset of a later one's shadows it.
func (d *Doctor) validateRouting(r *Result) {
	targets := d.cfg.Targets()
	for j := range targets {
		for i := 0; i < j; i++ {
			if targets[i].Repo != targets[j].Repo {
				continue
			}
			if targets[j].Labels.Contains(targets[i].Labels) {
				d.addError(r, "routing", fmt.Sprintf("runners[%d]", j),
					fmt.Sprintf("%s is unreachable: runners[%d] (%s, labels %v) matches every job it would",
						targets[j], i, targets[i], targets[i].Labels.Sorted()))
				break
			}
		}
	}
}

// warnCatchAllTargets flags targets without labels, and an empty table.
func (d *Doctor) warnCatchAllTargets(r *Result) {
	if len(d.cfg.Runners) == 0 {
		d.addWarning(r, "routing", "runners",
			"no runners configured: every workflow_job is acknowledged as unmatched and control calls must name a VM")
		return
	}
	for i, t := range d.cfg.Targets() {
		if len(t.Labels) == 0 {
			d.addWarning(r, "routing", fmt.Sprintf("runners[%d].labels", i),
				fmt.Sprintf("no labels: every %s job, including GitHub-hosted ones, starts %s", t.Repo, t))
		}
	}
}

func (d *Doctor) warnSecrets(r *Result) {
	s := d.cfg.Secrets
	if s.Webhook != "" && s.Webhook == s.Control {
		d.addWarning(r, "secrets", "secrets",
			"webhook and control secrets are identical; set GITHUB_WEBHOOK_SECRET and RUNNER_CONTROL_SECRET separately")
	}
	for field, v := range map[string]string{"secrets.webhook": s.Webhook, "secrets.control": s.Control} {
		if strings.Contains(v, "${") {
			d.addWarning(r, "env_vars", field, "contains an unresolved ${VAR}")
		} else if v != "" && len(v) < 16 {
			d.addWarning(r, "secrets", field, "shorter than 16 characters")
		}
	}
}

func (d *Doctor) warnPublicURL(r *Result) {
	u, err := url.Parse(d.cfg.Service.PublicURL)
	if err != nil {
		return
	}
	if u.Scheme == "http" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		d.addWarning(r, "security", "service.public_url",
			"stop tasks carry the control secret over plain http")
	}
	if u.Path != "" && u.Path != "/" {
		d.addWarning(r, "routing", "service.public_url",
			fmt.Sprintf("has path %q; stop tasks will POST to %s/runner/stop", u.Path, strings.TrimRight(u.String(), "/")))
	}
}

func (d *Doctor) warnBusyCheck(r *Result) {
	gh := d.cfg.GitHub
	if gh.AppID == 0 && gh.Token == "" {
		d.addWarning(r, "busy_check", "github",
			"no credentials: busy check disabled, scheduled stops never wait for running jobs")
		return
	}
	if gh.BusyCheck != config.BusyCheckWorkflowRuns {
		return
	}
	perRepo := map[string]int{}
	for _, rc := range d.cfg.Runners {
		perRepo[rc.Repo]++
	}
	for repo, n := range perRepo {
		if n > 1 {
			d.addWarning(r, "busy_check", "github.busy_check",
				fmt.Sprintf("workflow_runs mode is repository-wide: any run in %s keeps all %d of its VMs up", repo, n))
		}
	}
}

func (d *Doctor) warnSchedule(r *Result) {
	sc := d.cfg.Scheduler
	if sc.InactivityWindow.Minutes() < 1 {
		d.addWarning(r, "schedule", "scheduler.inactivity_window",
			fmt.Sprintf("%s is very short (< 1m); back-to-back jobs may restart the VM", sc.InactivityWindow))
	}
	if sc.Driver == config.DriverLocal && sc.PollInterval > sc.InactivityWindow {
		d.addWarning(r, "schedule", "scheduler.poll_interval",
			fmt.Sprintf("poll interval %s exceeds the inactivity window %s", sc.PollInterval, sc.InactivityWindow))
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

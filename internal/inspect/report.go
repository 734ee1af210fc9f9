// Package inspect renders the local stop-task queue for operators.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/runnerctl/internal/taskqueue"
)

// TaskLister is the read side of the local queue.
type TaskLister interface {
	List(ctx context.Context, statuses []taskqueue.Status, limit int) ([]*taskqueue.Task, error)
}

// Report is the structured JSON representation of the queue.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Counts      map[string]int `json:"counts"`
	Tasks       []TaskView     `json:"tasks"`
}

// TaskView is one task as shown to operators. Headers and body are omitted:
// headers carry the control secret.
type TaskView struct {
	ID          string    `json:"id"`
	Instance    string    `json:"vm_instance_name"`
	Zone        string    `json:"vm_instance_zone"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DueIn       string    `json:"due_in,omitempty"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	URL         string    `json:"url"`
}

// Gather loads tasks and builds a Report relative to now.
func Gather(ctx context.Context, lister TaskLister, statuses []taskqueue.Status, limit int, now time.Time) (*Report, error) {
	tasks, err := lister.List(ctx, statuses, limit)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt: now.UTC(),
		Counts:      make(map[string]int),
		Tasks:       make([]TaskView, 0, len(tasks)),
	}
	for _, t := range tasks {
		view := TaskView{
			ID:          t.ID,
			Instance:    t.VMName,
			Zone:        t.VMZone,
			Status:      string(t.Status),
			ScheduledAt: t.ScheduledAt.UTC(),
			Attempt:     t.Attempt,
			MaxAttempts: t.MaxAttempts,
			LastError:   t.LastError,
			URL:         t.URL,
		}
		if t.Status == taskqueue.StatusPending {
			view.DueIn = renderDueIn(t.ScheduledAt.Sub(now))
		}
		report.Counts[view.Status]++
		report.Tasks = append(report.Tasks, view)
	}
	return report, nil
}

func renderDueIn(d time.Duration) string {
	if d <= 0 {
		return "due"
	}
	return d.Round(time.Second).String()
}

// FormatHuman renders a terminal-friendly report.
func FormatHuman(r *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Stop Tasks (%d)\n", len(r.Tasks))
	if len(r.Tasks) == 0 {
		return out.String()
	}
	fmt.Fprintf(&out, "%-36s  %-28s  %-10s  %-20s  %-8s  %s\n", "ID", "VM", "STATUS", "SCHEDULED", "ATTEMPT", "DUE/ERROR")
	for _, t := range r.Tasks {
		detail := t.DueIn
		if t.LastError != "" {
			detail = t.LastError
		}
		fmt.Fprintf(&out, "%-36s  %-28s  %-10s  %-20s  %-8s  %s\n",
			t.ID,
			t.Zone+"/"+t.Instance,
			t.Status,
			t.ScheduledAt.Format(time.RFC3339),
			fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts),
			renderUnset(detail, "-"),
		)
	}
	return out.String()
}

// FormatJSON returns the report as indented JSON.
func FormatJSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

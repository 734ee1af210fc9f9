package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/runnerctl/internal/target"
)

// EventHeader names the delivery's event type.
const EventHeader = "X-GitHub-Event"

// EventWorkflowJob is the only event type that drives the lifecycle.
const EventWorkflowJob = "workflow_job"

// EventPing is sent once when the webhook is created.
const EventPing = "ping"

// Action is the normalized workflow_job action.
type Action string

const (
	ActionQueued    Action = "queued"
	ActionCompleted Action = "completed"
	ActionOther     Action = "other"
)

// JobEvent is a normalized workflow_job delivery.
type JobEvent struct {
	Repo       string
	Action     Action
	RawAction  string
	Labels     target.LabelSet
	RunnerName string
}

type workflowJobPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	WorkflowJob struct {
		Labels     []string `json:"labels"`
		RunnerName *string  `json:"runner_name"`
	} `json:"workflow_job"`
}

// ParseJobEvent decodes a workflow_job payload.
func ParseJobEvent(body []byte) (JobEvent, error) {
	var p workflowJobPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return JobEvent{}, fmt.Errorf("decode workflow_job payload: %w", err)
	}

	ev := JobEvent{
		Repo:      p.Repository.FullName,
		Action:    normalizeAction(p.Action),
		RawAction: p.Action,
		Labels:    target.NewLabelSet(p.WorkflowJob.Labels...),
	}
	if p.WorkflowJob.RunnerName != nil {
		ev.RunnerName = *p.WorkflowJob.RunnerName
	}
	return ev, nil
}

func normalizeAction(action string) Action {
	switch Action(action) {
	case ActionQueued, ActionCompleted:
		return Action(action)
	default:
		return ActionOther
	}
}

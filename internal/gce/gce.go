// Package gce powers runner VMs on and off through the Compute Engine API.
package gce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/option"

	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/target"
)

// Instance statuses reported by Compute Engine.
const (
	StatusProvisioning = "PROVISIONING"
	StatusStaging      = "STAGING"
	StatusRunning      = "RUNNING"
	StatusStopping     = "STOPPING"
	StatusTerminated   = "TERMINATED"
)

const defaultRequestTimeout = 30 * time.Second

// isUp reports whether the instance is running or on its way there.
func isUp(status string) bool {
	switch status {
	case StatusRunning, StatusProvisioning, StatusStaging:
		return true
	default:
		return false
	}
}

// instanceAPI is the subset of the Compute Engine instances API in use.
type instanceAPI interface {
	Status(ctx context.Context, project, zone, name string) (string, error)
	Start(ctx context.Context, project, zone, name string) (string, error)
	Stop(ctx context.Context, project, zone, name string) (string, error)
	Close() error
}

// Controller implements lifecycle.ComputeController for one GCP project.
type Controller struct {
	api     instanceAPI
	project string
	timeout time.Duration
	logger  *slog.Logger
}

var _ lifecycle.ComputeController = (*Controller)(nil)

// New dials the Compute Engine REST API with application default credentials
// unless opts say otherwise.
func New(ctx context.Context, project string, timeout time.Duration, logger *slog.Logger, opts ...option.ClientOption) (*Controller, error) {
	client, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create compute instances client: %w", err)
	}
	return newController(&restInstances{client: client}, project, timeout, logger), nil
}

func newController(api instanceAPI, project string, timeout time.Duration, logger *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{api: api, project: project, timeout: timeout, logger: logger}
}

func (c *Controller) Close() error {
	return c.api.Close()
}

// EnsureStarted starts the instance unless it is already up.
func (c *Controller) EnsureStarted(ctx context.Context, t target.VMTarget) (lifecycle.PowerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, err := c.api.Status(ctx, c.project, t.Zone, t.Name)
	if err != nil {
		return lifecycle.PowerResult{}, fmt.Errorf("get instance status: %w", err)
	}
	if isUp(status) {
		c.logger.Debug("instance already up", "vm", t.String(), "status", status)
		return lifecycle.PowerResult{}, nil
	}

	op, err := c.api.Start(ctx, c.project, t.Zone, t.Name)
	if err != nil {
		return lifecycle.PowerResult{}, fmt.Errorf("start instance: %w", err)
	}
	c.logger.Info("instance start requested", "vm", t.String(), "previous_status", status, "operation", op)
	return lifecycle.PowerResult{Changed: true, Operation: op}, nil
}

// Stop stops the instance if it is up.
func (c *Controller) Stop(ctx context.Context, t target.VMTarget) (lifecycle.PowerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, err := c.api.Status(ctx, c.project, t.Zone, t.Name)
	if err != nil {
		return lifecycle.PowerResult{}, fmt.Errorf("get instance status: %w", err)
	}
	if !isUp(status) {
		c.logger.Debug("instance already down", "vm", t.String(), "status", status)
		return lifecycle.PowerResult{}, nil
	}

	op, err := c.api.Stop(ctx, c.project, t.Zone, t.Name)
	if err != nil {
		return lifecycle.PowerResult{}, fmt.Errorf("stop instance: %w", err)
	}
	c.logger.Info("instance stop requested", "vm", t.String(), "previous_status", status, "operation", op)
	return lifecycle.PowerResult{Changed: true, Operation: op}, nil
}

type restInstances struct {
	client *compute.InstancesClient
}

func (r *restInstances) Status(ctx context.Context, project, zone, name string) (string, error) {
	inst, err := r.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return "", err
	}
	return inst.GetStatus(), nil
}

func (r *restInstances) Start(ctx context.Context, project, zone, name string) (string, error) {
	op, err := r.client.Start(ctx, &computepb.StartInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return "", err
	}
	return op.Name(), nil
}

func (r *restInstances) Stop(ctx context.Context, project, zone, name string) (string, error) {
	op, err := r.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return "", err
	}
	return op.Name(), nil
}

func (r *restInstances) Close() error {
	return r.client.Close()
}

// Package cloudtasks delivers delayed stop requests through Google Cloud Tasks.
//
// Cloud Tasks refuses to reuse the name of a recently deleted task, so each
// task is named "<dedupe key>-<unix nanos>" and Cancel removes every task
// carrying the key prefix.
package cloudtasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	tasksapi "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mattjoyce/runnerctl/internal/lifecycle"
)

// Config locates the queue and the identity tasks run as.
type Config struct {
	Project  string
	Location string
	Queue    string
	// ServiceAccount, when set, attaches an OIDC token to each delivery.
	ServiceAccount string
}

// QueuePath returns the fully qualified queue name.
func (c Config) QueuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.Project, c.Location, c.Queue)
}

// tasksAPI is the subset of the Cloud Tasks client in use.
type tasksAPI interface {
	ListTaskNames(ctx context.Context, queue string) ([]string, error)
	CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) error
	DeleteTask(ctx context.Context, name string) error
	Close() error
}

// Scheduler implements lifecycle.TaskScheduler on a Cloud Tasks queue.
type Scheduler struct {
	api    tasksAPI
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

var _ lifecycle.TaskScheduler = (*Scheduler)(nil)

func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Scheduler, error) {
	client, err := tasksapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create cloud tasks client: %w", err)
	}
	return newScheduler(&grpcTasks{client: client}, cfg, logger), nil
}

func newScheduler(api tasksAPI, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{api: api, cfg: cfg, now: time.Now, logger: logger}
}

func (s *Scheduler) Close() error {
	return s.api.Close()
}

// Cancel deletes every task named after key. Tasks that vanish between list
// and delete (already delivered) are ignored.
func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	names, err := s.api.ListTaskNames(ctx, s.cfg.QueuePath())
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	prefix := key + "-"
	deleted := 0
	var errs []error
	for _, name := range names {
		if !strings.HasPrefix(path.Base(name), prefix) {
			continue
		}
		if err := s.api.DeleteTask(ctx, name); err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			errs = append(errs, fmt.Errorf("delete task %s: %w", name, err))
			continue
		}
		deleted++
		s.logger.Debug("cloud task deleted", "task", name)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if deleted == 0 {
		return fmt.Errorf("cancel %s: %w", key, lifecycle.ErrTaskNotFound)
	}
	return nil
}

// Schedule creates an HTTP task that POSTs the stop body at task.At.
func (s *Scheduler) Schedule(ctx context.Context, task lifecycle.StopTask) error {
	name := s.TaskName(task.Key)

	req := &cloudtaskspb.HttpRequest{
		HttpMethod: cloudtaskspb.HttpMethod_POST,
		Url:        task.URL,
		Headers:    task.Headers(),
		Body:       task.Body(),
	}
	if s.cfg.ServiceAccount != "" {
		req.AuthorizationHeader = &cloudtaskspb.HttpRequest_OidcToken{
			OidcToken: &cloudtaskspb.OidcToken{ServiceAccountEmail: s.cfg.ServiceAccount},
		}
	}

	err := s.api.CreateTask(ctx, &cloudtaskspb.CreateTaskRequest{
		Parent: s.cfg.QueuePath(),
		Task: &cloudtaskspb.Task{
			Name:         name,
			ScheduleTime: timestamppb.New(task.At),
			MessageType:  &cloudtaskspb.Task_HttpRequest{HttpRequest: req},
		},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			s.logger.Warn("cloud task already exists", "task", name)
			return nil
		}
		return fmt.Errorf("create task %s: %w", name, err)
	}

	s.logger.Info("cloud task created", "task", name, "schedule_time", task.At.UTC().Format(time.RFC3339))
	return nil
}

// TaskName returns a fresh fully qualified task name for key.
func (s *Scheduler) TaskName(key string) string {
	return s.cfg.QueuePath() + "/tasks/" + key + "-" + strconv.FormatInt(s.now().UnixNano(), 10)
}

type grpcTasks struct {
	client *tasksapi.Client
}

func (g *grpcTasks) ListTaskNames(ctx context.Context, queue string) ([]string, error) {
	it := g.client.ListTasks(ctx, &cloudtaskspb.ListTasksRequest{Parent: queue})
	var names []string
	for {
		task, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, task.GetName())
	}
	return names, nil
}

func (g *grpcTasks) CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest) error {
	_, err := g.client.CreateTask(ctx, req)
	return err
}

func (g *grpcTasks) DeleteTask(ctx context.Context, name string) error {
	return g.client.DeleteTask(ctx, &cloudtaskspb.DeleteTaskRequest{Name: name})
}

func (g *grpcTasks) Close() error {
	return g.client.Close()
}

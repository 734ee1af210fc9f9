package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Dispatcher delivers due tasks on a tick loop.
type Dispatcher struct {
	store    *Store
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(store *Store, client *http.Client, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		client:   client,
		interval: interval,
		logger:   logger.With("component", "dispatcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start recovers interrupted tasks and begins the tick loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	recovered, err := d.store.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	for id, status := range recovered {
		d.logger.Warn("recovered interrupted task", "task_id", id, "status", status)
	}

	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("dispatcher started", "interval", d.interval.String())
	return nil
}

// Stop ends the tick loop and waits for the current tick.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.tick(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick delivers every due task. Returns the number delivered successfully.
func (d *Dispatcher) tick(ctx context.Context) int {
	delivered := 0
	for {
		task, err := d.store.ClaimDue(ctx)
		if err != nil {
			d.logger.Error("claim due task failed", "error", err)
			return delivered
		}
		if task == nil {
			return delivered
		}
		if d.dispatch(ctx, task) {
			delivered++
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, task *Task) bool {
	log := d.logger.With("task_id", task.ID, "vm", task.VMZone+"/"+task.VMName, "attempt", task.Attempt)

	if err := d.deliver(ctx, task); err != nil {
		retryAt := d.store.clock.Now().Add(d.interval)
		status, ferr := d.store.Fail(ctx, task.ID, err.Error(), retryAt)
		if ferr != nil {
			log.Error("record task failure failed", "error", ferr, "delivery_error", err)
			return false
		}
		log.Warn("task delivery failed", "error", err, "next_status", status)
		return false
	}

	if err := d.store.Complete(ctx, task.ID); err != nil {
		log.Error("complete task failed", "error", err)
		return false
	}
	log.Info("task delivered")
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, task *Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", task.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: HTTP %d", task.URL, resp.StatusCode)
	}
	return nil
}

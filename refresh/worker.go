package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/dataset-cache/gate"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

// WorkerConfig controls the polling loop.
type WorkerConfig struct {
	SleepInterval time.Duration // Pause between polls when idle or constrained (default: 15s)
	MaxLoadPct    float64       // Admission threshold for CPU load (default: 70)
	MaxMemoryPct  float64       // Admission threshold for RAM+swap usage (default: 80)
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SleepInterval: 15 * time.Second,
		MaxLoadPct:    70,
		MaxMemoryPct:  80,
	}
}

// Worker is a single-threaded polling loop: check resources, claim one
// job, refresh it end-to-end, complete it. Concurrency comes from running
// several Worker instances against the same queue; the queue's atomic
// claim keeps them from processing the same dataset twice.
type Worker struct {
	id     string
	queue  *jobqueue.Queue
	gate   *gate.Gate
	runner *Runner
	config WorkerConfig
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewWorker creates a worker with a fresh instance identity.
func NewWorker(queue *jobqueue.Queue, g *gate.Gate, runner *Runner, config WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SleepInterval <= 0 {
		config.SleepInterval = DefaultWorkerConfig().SleepInterval
	}
	id := uuid.NewString()
	return &Worker{
		id:     id,
		queue:  queue,
		gate:   g,
		runner: runner,
		config: config,
		logger: logger.With("worker_id", id),
	}
}

// ID returns the worker's instance identity, used as the claim holder.
func (w *Worker) ID() string { return w.id }

// Start starts the background polling goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop gracefully stops the worker. The loop finishes any in-flight
// refresh before exiting; a stop never interrupts processing mid-dataset.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopCh == nil {
		w.mu.Unlock()
		return nil
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()

	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.setRunning(false)

	w.logger.Info("worker starting",
		"sleep_interval", w.config.SleepInterval,
		"max_load_pct", w.config.MaxLoadPct,
		"max_memory_pct", w.config.MaxMemoryPct,
	)

	for {
		if w.stopped(ctx) {
			w.logger.Info("worker stopped")
			return
		}
		if !w.pollOnce(ctx) {
			if !w.sleep(ctx) {
				w.logger.Info("worker stopped while sleeping")
				return
			}
		}
	}
}

// pollOnce runs one cycle of the loop. It returns true when a job was
// processed, meaning the next poll should happen immediately.
func (w *Worker) pollOnce(ctx context.Context) bool {
	if !w.gate.Available(w.config.MaxLoadPct, w.config.MaxMemoryPct) {
		w.logger.Debug("resources constrained, skipping poll")
		telemetry.RecordAdmissionRejection(ctx)
		return false
	}

	job, err := w.queue.Dequeue(ctx, w.id)
	if err != nil {
		if !errors.Is(err, jobqueue.ErrEmpty) {
			w.logger.Error("dequeue failed", "error", err)
		}
		return false
	}

	w.logger.Info("claimed job",
		"dataset", job.Dataset,
		"source", job.Source,
		"enqueued_at", job.EnqueuedAt,
	)

	// Shutdown must not abort a claimed refresh partway through, so the
	// pipeline runs detached from the loop's cancellation.
	refreshCtx := context.WithoutCancel(ctx)
	if _, err := w.runner.RefreshDataset(refreshCtx, job.Dataset); err != nil {
		w.logger.Error("refresh failed", "dataset", job.Dataset, "error", err)
	}

	// The job is done either way: recorded dataset errors are terminal
	// until a new external event re-enqueues the dataset.
	if err := w.queue.Complete(refreshCtx, job.Dataset); err != nil {
		w.logger.Error("complete failed", "dataset", job.Dataset, "error", err)
	}

	if depth, err := w.queue.Size(ctx); err == nil {
		telemetry.RecordQueueDepth(ctx, depth)
	}
	return true
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.config.SleepInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) stopped(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) setRunning(running bool) {
	w.mu.Lock()
	w.running = running
	w.mu.Unlock()
}

package gateflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// activityJob is one attempt of one step. done is called exactly once unless the
// job context is cancelled before a worker picks the job up.
type activityJob struct {
	ctx          context.Context
	executionID  string
	stepID       string
	attempt      int
	activity     Activity
	input        json.RawMessage
	timeout      time.Duration
	timeoutFatal bool
	done         func(output json.RawMessage, err error)
}

type Worker struct {
	pool     *WorkerPool
	workerID string
	stopCh   chan struct{}
}

func newWorker(pool *WorkerPool) *Worker {
	return &Worker{
		pool:     pool,
		workerID: uuid.New().String(),
		stopCh:   pool.stopCh,
	}
}

func (w *Worker) Start(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("[gateflow] activity worker started", "worker_id", w.workerID)

	for {
		select {
		case <-ctx.Done():
			w.pool.logger.Debug("[gateflow] activity worker stopping: context cancelled", "worker_id", w.workerID)

			return
		case <-w.stopCh:
			w.pool.logger.Debug("[gateflow] activity worker stopping: stop signal received", "worker_id", w.workerID)

			return
		case job := <-w.pool.jobs:
			w.run(job)
		}
	}
}

func (w *Worker) run(job activityJob) {
	if job.ctx.Err() != nil {
		return
	}

	ctx := job.ctx
	cancel := context.CancelFunc(func() {})
	if job.timeout > 0 {
		ctx, cancel = context.WithTimeout(job.ctx, job.timeout)
	}
	defer cancel()

	actCtx := newExecutionContext(job.executionID, job.stepID, job.attempt, job.input)
	output, err := job.activity.Execute(ctx, actCtx, job.input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && job.ctx.Err() == nil {
			err = fmt.Errorf("activity %q timed out after %s: %w", job.activity.Name(), job.timeout, err)
			if job.timeoutFatal {
				err = NonRetryable(err)
			}
		}
		job.done(nil, err)

		return
	}

	if len(output) == 0 || string(output) == "null" {
		output = json.RawMessage(`{}`)
	}
	if !json.Valid(output) {
		job.done(nil, NonRetryable(fmt.Errorf("activity %q returned invalid JSON", job.activity.Name())))

		return
	}

	job.done(output, nil)
}

// WorkerPool runs activity attempts on a fixed set of goroutines.
type WorkerPool struct {
	workers []*Worker
	jobs    chan activityJob
	stopCh  chan struct{}
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := &WorkerPool{
		jobs:   make(chan activityJob),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	pool.workers = make([]*Worker, size)
	for i := 0; i < size; i++ {
		pool.workers[i] = newWorker(pool)
	}

	return pool
}

func (p *WorkerPool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		p.wg.Add(1)
		go worker.Start(ctx)
	}
}

// Submit hands the job to the first free worker without blocking the caller.
func (p *WorkerPool) Submit(job activityJob) {
	go func() {
		select {
		case p.jobs <- job:
		case <-job.ctx.Done():
		case <-p.stopCh:
			job.done(nil, ErrEngineStopped)
		}
	}()
}

func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

func (p *WorkerPool) Size() int {
	return len(p.workers)
}

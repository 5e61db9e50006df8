// Package queue serializes prediction jobs. Jobs run strictly in enqueue
// order and never more than one at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

// ErrClosed is delivered to jobs enqueued after Close.
var ErrClosed = errors.New("prediction queue closed")

// Job is one unit of serialized work.
type Job func(ctx context.Context) error

// TaskMeta describes the prediction a job belongs to.
type TaskMeta struct {
	PredictionID string
	Ticker       string
	ModelType    models.ModelType
	Timeline     models.Timeline
}

// Task is a job waiting in, or running from, the queue.
type Task struct {
	Meta       TaskMeta
	Job        Job
	EnqueuedAt time.Time
	done       chan error
}

// Queue is a FIFO, single-worker scheduler. The zero value is not usable;
// construct with New.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	closed  bool
	idle    chan struct{}

	// active is set while a worker goroutine exists; running only while it
	// executes a dequeued task.
	active  bool
	running bool

	ctx    context.Context
	logger zerolog.Logger
}

// New creates an idle queue. Jobs receive ctx; cancelling it does not stop
// the queue from draining but lets running jobs abort early.
func New(ctx context.Context, logger zerolog.Logger) *Queue {
	return &Queue{
		ctx:    ctx,
		logger: logger.With().Str("component", "prediction_queue").Logger(),
	}
}

// Enqueue appends job to the backlog and returns a channel that receives
// exactly one value once the job has finished: nil or the job's error.
func (q *Queue) Enqueue(job Job, meta TaskMeta) <-chan error {
	done, _ := q.enqueue(job, meta, 0)
	return done
}

// TryEnqueue is Enqueue with an admission cap: it refuses the job when Size
// is already at limit. The check and the append happen under one lock.
func (q *Queue) TryEnqueue(job Job, meta TaskMeta, limit int) (<-chan error, bool) {
	return q.enqueue(job, meta, limit)
}

func (q *Queue) enqueue(job Job, meta TaskMeta, limit int) (<-chan error, bool) {
	task := &Task{
		Meta:       meta,
		Job:        job,
		EnqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		task.done <- ErrClosed
		return task.done, true
	}
	if limit > 0 && q.sizeLocked() >= limit {
		q.mu.Unlock()
		return nil, false
	}
	q.pending = append(q.pending, task)
	start := !q.active
	if start {
		q.active = true
		q.idle = make(chan struct{})
	}
	size := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug().
		Str("prediction_id", meta.PredictionID).
		Str("ticker", meta.Ticker).
		Int("pending", size).
		Msg("Task enqueued")

	if start {
		go q.drain()
	}
	return task.done, true
}

// Size returns the number of queued plus in-flight tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	n := len(q.pending)
	if q.running {
		n++
	}
	return n
}

// Close stops admitting new tasks. Tasks already enqueued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Wait blocks until the backlog is empty and no job is running, or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	active := q.active
	q.mu.Unlock()

	if !active {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single worker. It clears active only while holding the lock
// after seeing an empty backlog, so a concurrent Enqueue either lands in
// pending before that check or starts a fresh worker.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running = true
		q.mu.Unlock()

		err := q.run(task)

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		task.done <- err
	}
}

func (q *Queue) run(task *Task) (err error) {
	logger := q.logger.With().
		Str("prediction_id", task.Meta.PredictionID).
		Str("ticker", task.Meta.Ticker).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prediction job panicked: %v", r)
			logger.Error().Err(err).Msg("Task panicked")
		}
	}()

	started := time.Now()
	logger.Info().Dur("waited", started.Sub(task.EnqueuedAt)).Msg("Task started")

	err = task.Job(q.ctx)
	if err != nil {
		logger.Warn().Err(err).Dur("took", time.Since(started)).Msg("Task failed")
		return err
	}
	logger.Info().Dur("took", time.Since(started)).Msg("Task completed")
	return nil
}

// Package workerpool provides a bounded worker pool that coalesces tasks by key.
// A key that is already queued is not queued again, so a burst of identical
// refresh requests collapses into a single run.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the task queue has no free slot
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	// Key identifies equivalent tasks; at most one task per key is queued
	Key     string
	Payload interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// TaskTimeout bounds a single task run; zero means no limit
	TaskTimeout time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for change-feed refreshes
func DefaultConfig() Config {
	return Config{
		Workers:                 2,
		QueueSize:               64,
		TaskTimeout:             2 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool

	taskChan chan Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCoalesced int64
	tasksCompleted int64
	tasksFailed    int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		pending:    make(map[string]struct{}),
		taskChan:   make(chan Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues task unless a task with the same key is already waiting.
// It reports whether the task was queued; a coalesced task is not an error.
func (p *Pool) Submit(task Task) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false, ErrStopped
	}
	if task.Key != "" {
		if _, ok := p.pending[task.Key]; ok {
			atomic.AddInt64(&p.tasksCoalesced, 1)
			return false, nil
		}
	}

	select {
	case p.taskChan <- task:
		if task.Key != "" {
			p.pending[task.Key] = struct{}{}
		}
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// Stop stops accepting tasks, drains the queue and waits for the workers
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool did not stop within %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		// Release the key before running so changes that arrive during
		// the run queue a follow-up instead of being lost.
		p.mu.Lock()
		delete(p.pending, task.Key)
		p.mu.Unlock()

		p.processTask(id, task)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

func (p *Pool) processTask(workerID int, task Task) {
	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.workerFunc(ctx, task); err != nil {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_key", task.Key),
			zap.Int("worker_id", workerID),
			zap.Error(err))
		return
	}

	atomic.AddInt64(&p.tasksCompleted, 1)
	p.logger.Debug("task completed",
		zap.String("task_key", task.Key),
		zap.Int("worker_id", workerID),
		zap.Duration("duration", time.Since(start)))
}

// Stats describes pool activity
type Stats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCoalesced int64 `json:"tasks_coalesced"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	ActiveWorkers  int64 `json:"active_workers"`
	QueueDepth     int   `json:"queue_depth"`
	QueueCapacity  int   `json:"queue_capacity"`
	Workers        int   `json:"workers"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCoalesced: atomic.LoadInt64(&p.tasksCoalesced),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     len(p.taskChan),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up significantly
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}

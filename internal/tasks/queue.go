// Package tasks runs fire-and-forget work on a bounded queue. Producers
// never block: when the queue is full the task is dropped and counted,
// which keeps background bookkeeping from ever backpressuring the request
// path.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// ErrQueueClosed is returned after Stop.
var ErrQueueClosed = errors.New("task queue closed")

// Task is one unit of background work.
type Task func(ctx context.Context) error

var (
	tasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of background task submissions",
		},
		[]string{"name", "result"},
	)

	tasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of background tasks run",
		},
		[]string{"name", "result"},
	)

	tasksQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_queue_depth",
			Help: "Number of tasks waiting in the queue",
		},
	)
)

type item struct {
	name string
	task Task
}

// Config holds queue sizing.
type Config struct {
	// QueueSize is the queue capacity.
	QueueSize int

	// Workers is the number of consumer goroutines.
	Workers int

	// TaskTimeout bounds each task's execution.
	TaskTimeout time.Duration
}

func (c *Config) normalize() {
	if c.QueueSize < 1 {
		c.QueueSize = 256
	}
	if c.Workers < 1 {
		c.Workers = 2
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Second
	}
}

// Queue is a bounded background task queue.
type Queue struct {
	config Config
	logger *zap.Logger

	items chan item
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue creates a queue. Start must be called before Submit accepts work.
func NewQueue(config Config, logger *zap.Logger) *Queue {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		config: config,
		logger: logger,
		items:  make(chan item, config.QueueSize),
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Submit enqueues a task without blocking. The name labels metrics and logs.
func (q *Queue) Submit(name string, task Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		tasksSubmittedTotal.WithLabelValues(name, "closed").Inc()
		return ErrQueueClosed
	}

	select {
	case q.items <- item{name: name, task: task}:
		tasksSubmittedTotal.WithLabelValues(name, "accepted").Inc()
		tasksQueueDepth.Set(float64(len(q.items)))
		return nil
	default:
		tasksSubmittedTotal.WithLabelValues(name, "dropped").Inc()
		q.logger.Warn("background task dropped", zap.String("task", name))
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for in-flight tasks to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	close(q.items)
	if started {
		q.wg.Wait()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for it := range q.items {
		tasksQueueDepth.Set(float64(len(q.items)))
		q.run(it)
	}
}

func (q *Queue) run(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.TaskTimeout)
	defer cancel()

	if err := it.task(ctx); err != nil {
		tasksCompletedTotal.WithLabelValues(it.name, "error").Inc()
		q.logger.Warn("background task failed",
			zap.String("task", it.name),
			zap.Error(err),
		)
		return
	}
	tasksCompletedTotal.WithLabelValues(it.name, "ok").Inc()
}

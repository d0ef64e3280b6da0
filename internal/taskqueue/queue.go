package taskqueue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	defaultTaskTimeout = 2 * time.Minute
	defaultMaxAttempts = 3
)

// Task is one fire-and-forget reconciliation request.
type Task struct {
	ProjectID       string
	ConfigurationID string
	Attempts        int
}

// Handler runs one task. It must be idempotent: tasks that exceed their
// budget are redelivered.
type Handler func(ctx context.Context, t Task)

// Queue is an in-process, at-least-once task queue. A task whose context
// deadline expires is re-enqueued up to maxAttempts; duplicate execution is
// safe because reconciliation converges on the compiled target state.
type Queue struct {
	queue       chan Task
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	taskTimeout time.Duration
	maxAttempts int
	handler     Handler
}

func New(size int, workers int, handler Handler) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		queue:       make(chan Task, size),
		done:        make(chan struct{}),
		taskTimeout: defaultTaskTimeout,
		maxAttempts: defaultMaxAttempts,
		handler:     handler,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// Enqueue submits a task. Fire-and-forget: a full queue drops the task with a
// log line; the schedulers will resubmit on their next tick.
func (q *Queue) Enqueue(projectID string, configurationID string) {
	q.enqueue(Task{ProjectID: projectID, ConfigurationID: configurationID, Attempts: 0})
}

func (q *Queue) enqueue(t Task) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.queue <- t:
	default:
		log.Printf("task queue full: project_id=%s configuration_id=%s attempts=%d", t.ProjectID, t.ConfigurationID, t.Attempts)
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case t := <-q.queue:
			q.process(t)
		}
	}
}

func (q *Queue) process(t Task) {
	t.Attempts++
	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()

	q.handler(ctx, t)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && t.Attempts < q.maxAttempts {
		log.Printf("task redelivery: project_id=%s configuration_id=%s attempts=%d", t.ProjectID, t.ConfigurationID, t.Attempts)
		q.enqueue(t)
	}
}

// Close stops the workers. Queued tasks not yet started are dropped; that is
// safe because every producer resubmits on its own cadence.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

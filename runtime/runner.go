package runtime

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// Scheduler accepts request tasks for execution.
type Scheduler interface {
	Enqueue(taskID string)
}

var (
	_ Scheduler = &taskQueue{}
)

type taskHandler func(ctx context.Context, taskID string) error

/**
 * taskQueue is the in-process Scheduler. A task id is held at most once,
 * from Enqueue until its run finished, so a task made ready by two
 * upstream tasks at the same time runs once. Runs happen on the worker
 * pool, or inline inside runOnce when asyncFlag is off.
 *
 * The queue is not durable: the RequestTask rows are, and
 * getExistingReadyTasks rebuilds the queue after a restart.
 */
type taskQueue struct {
	mu sync.Mutex

	wp        *workerpool.WorkerPool
	asyncFlag bool
	handler   taskHandler

	pending  []string
	held     map[string]struct{}
	inflight int

	wakeCh chan struct{}
}

func newTaskQueue(concurrency int, asyncFlag bool, handler taskHandler) *taskQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &taskQueue{
		wp:        workerpool.New(concurrency),
		asyncFlag: asyncFlag,
		handler:   handler,
		held:      make(map[string]struct{}),
		wakeCh:    make(chan struct{}, 1),
	}
}

func (q *taskQueue) Enqueue(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.held[taskID]; exists {
		log.Debugf("task %s already queued", taskID)
		return
	}
	q.held[taskID] = struct{}{}
	q.pending = append(q.pending, taskID)
	tasksQueuedTotal.Inc()

	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// idle reports whether nothing is queued or running.
func (q *taskQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending) == 0 && q.inflight == 0
}

func (q *taskQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// runOnce dispatches up to maxRunAmount queued tasks. Tasks enqueued by
// those runs wait for the next call.
func (q *taskQueue) runOnce(ctx context.Context, maxRunAmount int) error {
	q.mu.Lock()
	n := len(q.pending)
	if maxRunAmount > 0 && n > maxRunAmount {
		n = maxRunAmount
	}
	batch := append([]string{}, q.pending[:n]...)
	q.pending = q.pending[n:]
	q.inflight += len(batch)
	q.mu.Unlock()

	var retErr error
	for _, taskID := range batch {
		taskID := taskID
		if q.asyncFlag {
			q.wp.Submit(func() {
				if err := q.run(ctx, taskID); err != nil {
					log.Errorf("task %s failed: %v", taskID, errors.ErrorStack(err))
				}
			})
			continue
		}
		if err := q.run(ctx, taskID); err != nil {
			retErr = errors.Wrapf(retErr, err, "task %s", taskID)
		}
	}
	return retErr
}

func (q *taskQueue) run(ctx context.Context, taskID string) error {
	defer func() {
		q.mu.Lock()
		delete(q.held, taskID)
		q.inflight--
		q.mu.Unlock()
	}()
	return errors.Trace(q.handler(ctx, taskID))
}

// stopWait waits for running tasks and drops the queued ones.
func (q *taskQueue) stopWait() {
	q.wp.StopWait()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) > 0 {
		log.Infof("dropping %d queued tasks", len(q.pending))
	}
	q.pending = nil
	q.held = make(map[string]struct{})
}

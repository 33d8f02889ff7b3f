package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	v1 "github.com/opscore/opscore/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed is returned when dequeuing from a shut-down queue
	ErrQueueClosed = errors.New("task queue is closed")
)

// TaskQueue holds pending tasks in per-agent FIFO shards. Dequeue walks
// the shards round-robin, so one slow agent cannot head-of-line block the
// others, while per-agent enqueue order is preserved. Tasks whose
// NotBefore lies in the future stay at the head of their shard until the
// time arrives.
type TaskQueue struct {
	mu      sync.Mutex
	shards  map[string][]*v1.Task // agentID -> FIFO
	agents  []string              // round-robin order of agents with pending tasks
	nextIdx int
	size    int
	maxSize int

	notEmpty chan struct{} // enqueue signal, capacity 1
	done     chan struct{}
	closed   bool
}

// NewTaskQueue creates a queue bounded at maxSize total tasks across all
// shards. maxSize <= 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	return &TaskQueue{
		shards:   make(map[string][]*v1.Task),
		maxSize:  maxSize,
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue appends a task to the tail of its agent's shard.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	return q.add(task, false)
}

// Requeue puts a task back at the head of its agent's shard after
// contention or a retryable failure. Head placement keeps the task ahead
// of anything enqueued for the agent in the meantime, and its NotBefore
// gates the whole shard. Re-queues bypass the size bound so an in-flight
// task can never be dropped.
func (q *TaskQueue) Requeue(task *v1.Task) error {
	return q.add(task, true)
}

func (q *TaskQueue) add(task *v1.Task, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if !requeue && q.maxSize > 0 && q.size >= q.maxSize {
		return ErrQueueFull
	}

	shard, existed := q.shards[task.AgentID]
	if requeue {
		q.shards[task.AgentID] = append([]*v1.Task{task}, shard...)
	} else {
		q.shards[task.AgentID] = append(shard, task)
	}
	if !existed {
		q.agents = append(q.agents, task.AgentID)
	}
	q.size++

	q.signal()
	return nil
}

// Dequeue blocks until an eligible task is available, the context is
// cancelled, or the queue is closed. A task is eligible when its
// NotBefore is not in the future. Only shard heads are considered, which
// preserves per-agent FIFO order.
func (q *TaskQueue) Dequeue(ctx context.Context) (*v1.Task, error) {
	for {
		task, wait, ok := q.tryDequeue()
		if ok {
			return task, nil
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.done:
			if timer != nil {
				timer.Stop()
			}
			return nil, ErrQueueClosed
		case <-q.notEmpty:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tryDequeue pops the next eligible shard head. When every pending head
// is future-dated it returns the shortest wait until one becomes eligible.
func (q *TaskQueue) tryDequeue() (*v1.Task, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, 0, false
	}

	now := time.Now()
	minWait := time.Duration(0)

	for i := 0; i < len(q.agents); i++ {
		idx := (q.nextIdx + i) % len(q.agents)
		agentID := q.agents[idx]
		shard := q.shards[agentID]

		head := shard[0]
		if head.NotBefore.After(now) {
			if wait := head.NotBefore.Sub(now); minWait == 0 || wait < minWait {
				minWait = wait
			}
			continue
		}

		if len(shard) == 1 {
			delete(q.shards, agentID)
			q.agents = append(q.agents[:idx], q.agents[idx+1:]...)
			if q.nextIdx > idx {
				q.nextIdx--
			}
			if len(q.agents) > 0 {
				q.nextIdx %= len(q.agents)
			} else {
				q.nextIdx = 0
			}
		} else {
			q.shards[agentID] = shard[1:]
			q.nextIdx = (idx + 1) % len(q.agents)
		}
		q.size--

		// more work may remain for other waiters
		if q.size > 0 {
			q.signal()
		}
		return head, 0, true
	}

	return nil, minWait, false
}

// signal wakes one waiter; the channel holds at most one pending signal.
func (q *TaskQueue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Len returns the total number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// PendingFor returns the number of pending tasks for one agent.
func (q *TaskQueue) PendingFor(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.shards[agentID])
}

// Clear removes all pending tasks.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shards = make(map[string][]*v1.Task)
	q.agents = nil
	q.nextIdx = 0
	q.size = 0
}

// Close shuts the queue down. Blocked Dequeue calls return ErrQueueClosed.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Package queue submits load tasks to the storage service and awaits them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"output-mapping/internal/logging"
	"output-mapping/internal/metrics"
	"output-mapping/internal/storageapi"
	"output-mapping/internal/table"

	"golang.org/x/time/rate"
)

var queueLog = logging.For("load-queue")

// ErrAlreadyStarted is returned by Start on a queue that was started before.
var ErrAlreadyStarted = errors.New("load queue already started")

// Options tune submission.
type Options struct {
	// SubmitRate limits submissions per second; 0 means unlimited.
	SubmitRate float64
	Metrics    *metrics.Pipeline
}

// LoadQueue is an ordered list of tasks. Enqueue is safe for concurrent use.
type LoadQueue struct {
	client  storageapi.Client
	opts    Options
	limiter *rate.Limiter

	mu      sync.Mutex
	tasks   []*table.LoadTask
	started bool
}

// New creates an empty queue submitting through client.
func New(client storageapi.Client, opts Options) *LoadQueue {
	q := &LoadQueue{client: client, opts: opts}
	if opts.SubmitRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), 1)
	}
	return q
}

// Enqueue appends a task.
func (q *LoadQueue) Enqueue(task *table.LoadTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

// Len returns the number of queued tasks.
func (q *LoadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Tasks returns the queued tasks in enqueue order.
func (q *LoadQueue) Tasks() []*table.LoadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*table.LoadTask(nil), q.tasks...)
}

// Start submits every task in enqueue order without waiting for any job.
// A failed submission is recorded on its task and does not stop the others.
func (q *LoadQueue) Start(ctx context.Context) (*Handle, error) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	q.started = true
	tasks := append([]*table.LoadTask(nil), q.tasks...)
	q.mu.Unlock()

	h := &Handle{client: q.client, metrics: q.opts.Metrics, entries: make([]entry, len(tasks))}
	queueLog.Logf(logging.Info, "Submitting %d load job(s)", len(tasks))
	for i, task := range tasks {
		e := &h.entries[i]
		e.result.Task = task
		e.submitted = time.Now()

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				e.result.Err = fmt.Errorf("submitting %s: %w", task, err)
				continue
			}
		}
		job, err := q.submit(ctx, task)
		if err != nil {
			queueLog.Logf(logging.Error, "Submitting %s failed: %v", task, err)
			e.result.Err = fmt.Errorf("submitting %s: %w", task, err)
			q.opts.Metrics.JobFinished(task.Kind.String(), metrics.OutcomeSubmitFailed, 0)
			continue
		}
		e.job = job
		e.result.JobID = job.ID()
		queueLog.Logf(logging.Debug, "Submitted %s as job %s", task, job.ID())
	}
	return h, nil
}

func (q *LoadQueue) submit(ctx context.Context, task *table.LoadTask) (storageapi.Job, error) {
	switch task.Kind {
	case table.CreateAndLoadTable:
		return q.client.SubmitCreateAndLoadJob(ctx, task.TableID.BucketID(), task.TableID.Table, task.Options)
	default:
		return q.client.SubmitLoadJob(ctx, task.TableID, task.Options)
	}
}

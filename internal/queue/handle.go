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
)

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	Task  *table.LoadTask
	JobID string
	// Err is nil on success. Failed jobs carry a *storageapi.JobError.
	Err      error
	Duration time.Duration
}

type entry struct {
	job       storageapi.Job
	submitted time.Time
	result    TaskResult
}

// Handle tracks the jobs of a started queue.
type Handle struct {
	client  storageapi.Client
	metrics *metrics.Pipeline

	once    sync.Once
	entries []entry
}

// WaitAll blocks until every submitted job is terminal, then applies the
// metadata of successful tasks. Results follow enqueue order. Calling it again
// returns the same results.
func (h *Handle) WaitAll(ctx context.Context) []TaskResult {
	h.once.Do(func() {
		var wg sync.WaitGroup
		for i := range h.entries {
			e := &h.entries[i]
			if e.job == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.await(ctx, e)
			}()
		}
		wg.Wait()
	})

	results := make([]TaskResult, len(h.entries))
	for i, e := range h.entries {
		results[i] = e.result
	}
	return results
}

func (h *Handle) await(ctx context.Context, e *entry) {
	task := e.result.Task
	err := e.job.Wait(ctx)
	e.result.Duration = time.Since(e.submitted)
	if err != nil {
		queueLog.Logf(logging.Error, "Job %s for %s failed: %v", e.result.JobID, task, err)
		e.result.Err = err
		h.metrics.JobFinished(task.Kind.String(), metrics.OutcomeJobFailed, e.result.Duration)
		return
	}
	h.metrics.JobFinished(task.Kind.String(), metrics.OutcomeSucceeded, e.result.Duration)

	for _, batch := range task.Metadata {
		if err := h.client.SetTableMetadata(ctx, task.TableID, batch.Provider, batch.Table, batch.Columns); err != nil {
			e.result.Err = fmt.Errorf("setting %s metadata on %s: %w", batch.Provider, task.TableID, err)
			queueLog.Logf(logging.Error, "%v", e.result.Err)
			return
		}
	}
	queueLog.Logf(logging.Info, "Loaded '%s' into %s (job %s)", task.Source, task.TableID, e.result.JobID)
}

// Err joins the failures of all tasks, nil when every task succeeded.
// Only meaningful after WaitAll.
func (h *Handle) Err() error {
	var errs []error
	for _, e := range h.entries {
		if e.result.Err != nil {
			errs = append(errs, e.result.Err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of tasks tracked by the handle.
func (h *Handle) Len() int {
	return len(h.entries)
}

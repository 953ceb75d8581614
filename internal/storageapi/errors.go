package storageapi

import (
	"errors"
	"fmt"
)

var (
	// ErrTableNotFound is returned by GetTable for a table that does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrBucketNotFound is returned when an operation targets a missing bucket.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrColumnExists is returned by AddColumn for an existing column.
	ErrColumnExists = errors.New("column already exists")
)

// RemoteServiceError wraps a failure reported by the storage service.
// Retryable is informational: nothing in this module retries.
type RemoteServiceError struct {
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *RemoteServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote error %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: remote error: %v", e.Op, e.Err)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// JobError is the terminal failure of an asynchronous job.
type JobError struct {
	JobID   string
	TableID string
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s for table %s failed: %v", e.JobID, e.TableID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a RemoteServiceError marked retryable.
func IsRetryable(err error) bool {
	var rse *RemoteServiceError
	return errors.As(err, &rse) && rse.Retryable
}

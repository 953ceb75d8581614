// Package storageapi describes the remote tabular storage service the
// pipeline loads tables into, plus helpers shared by its implementations.
package storageapi

import (
	"context"
)

// Load option keys understood by every implementation.
const (
	OptColumns           = "columns"
	OptPrimaryKey        = "primaryKey"
	OptIncremental       = "incremental"
	OptIgnoredLinesCount = "ignoredLinesCount"
	OptDistributionKey   = "distributionKey"
	OptTreatValuesAsNull = "treatValuesAsNull"
	OptDelimiter         = "delimiter"
	OptEnclosure         = "enclosure"
	OptDeleteWhere       = "deleteWhere"
	OptDataFileID        = "dataFileId"
	OptGzip              = "gzip"
	OptDataWorkspaceID   = "dataWorkspaceId"
	OptDataObject        = "dataObject"
)

// Column describes one remote column. BaseType is empty for untyped columns.
type Column struct {
	Name     string
	BaseType string
	Native   string
	Length   string
	Nullable bool
	Default  string
}

// TableState is a snapshot of a remote table.
type TableState struct {
	ID         TableID
	Columns    []Column
	Typed      bool
	Backend    string
	PrimaryKey []string
}

// ColumnNames lists column names in table order.
func (s *TableState) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column finds a column by exact name.
func (s *TableState) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// TableDefinition describes a typed table to create.
type TableDefinition struct {
	Name            string
	Columns         []Column
	PrimaryKey      []string
	DistributionKey []string
}

// CreateTableOptions apply to untyped table creation.
type CreateTableOptions struct {
	PrimaryKey      []string
	DistributionKey []string
}

// DeleteWhere filters rows removed before an incremental load.
type DeleteWhere struct {
	Column   string
	Operator string
	Values   []string
}

// Metadata is one key/value pair attached to a table or column.
type Metadata struct {
	Key   string
	Value string
}

// FileUploadOptions describe a staging file upload.
type FileUploadOptions struct {
	Name     string
	Tags     []string
	IsSliced bool
}

// Job is a submitted asynchronous job.
type Job interface {
	ID() string
	// Wait blocks until the job reaches a terminal state. A failed job
	// yields a *JobError.
	Wait(ctx context.Context) error
}

// Client is the capability set the pipeline needs from the storage service.
type Client interface {
	BucketExists(ctx context.Context, id BucketID) (bool, error)
	CreateBucket(ctx context.Context, id BucketID, displayName string) (BucketID, error)

	// GetTable returns ErrTableNotFound when the table does not exist.
	GetTable(ctx context.Context, id TableID) (*TableState, error)
	CreateTable(ctx context.Context, bucket BucketID, name string, columns []string, opts CreateTableOptions) (TableID, error)
	CreateTypedTable(ctx context.Context, bucket BucketID, def TableDefinition) (TableID, error)
	// AddColumn adds a column; def is nil for untyped tables.
	AddColumn(ctx context.Context, id TableID, name string, def *Column) error

	SubmitLoadJob(ctx context.Context, id TableID, options map[string]interface{}) (Job, error)
	// SubmitCreateAndLoadJob creates the table from the incoming data's header and loads it.
	SubmitCreateAndLoadJob(ctx context.Context, bucket BucketID, name string, options map[string]interface{}) (Job, error)

	UploadFile(ctx context.Context, path string, opts FileUploadOptions) (string, error)
	SetTableMetadata(ctx context.Context, id TableID, provider string, table []Metadata, columns map[string][]Metadata) error

	// WebalizeDisplayName derives a bucket-safe name.
	WebalizeDisplayName(ctx context.Context, name string) (string, error)
	// Backend names the storage engine, which selects native type names.
	Backend() string
}

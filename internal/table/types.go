// Package table decides how each resolved mapping reaches its remote table:
// schema reconciliation, bucket preparation, load task creation and
// provenance metadata.
package table

import (
	"fmt"

	"output-mapping/internal/storageapi"
)

// ChangeSet is the difference between a mapping's desired schema and the
// remote table. It is consumed once by the task creator.
type ChangeSet struct {
	RequiresCreate bool
	// NewColumns are desired columns missing remotely, in declaration order.
	NewColumns []storageapi.Column
	// State is the remote table, nil when RequiresCreate is set.
	State *storageapi.TableState
}

// StorageLocation is where a table load lands. Table is nil until the table exists.
type StorageLocation struct {
	Bucket storageapi.BucketID
	Table  *storageapi.TableState
}

// TaskKind selects how the load job is submitted.
type TaskKind int

const (
	// LoadTable loads into a table that exists or was just created.
	LoadTable TaskKind = iota
	// CreateAndLoadTable lets the remote job infer the table from the data.
	CreateAndLoadTable
)

func (k TaskKind) String() string {
	switch k {
	case LoadTable:
		return "load"
	case CreateAndLoadTable:
		return "create-and-load"
	default:
		return "unknown"
	}
}

// MetadataBatch is one SetTableMetadata call applied after a successful load.
type MetadataBatch struct {
	Provider string
	Table    []storageapi.Metadata
	Columns  map[string][]storageapi.Metadata
}

// LoadTask is a single load job waiting to be submitted.
type LoadTask struct {
	Kind       TaskKind
	TableID    storageapi.TableID
	Options    map[string]interface{}
	IsNewTable bool

	// Source is the data item name, for logs and results.
	Source      string
	WriteAlways bool
	Metadata    []MetadataBatch
}

func (t *LoadTask) String() string {
	return fmt.Sprintf("%s %s (source '%s')", t.Kind, t.TableID, t.Source)
}

// StructuralConflictError reports a column whose remote type cannot take the
// declared type. Never retried or coerced.
type StructuralConflictError struct {
	TableID storageapi.TableID
	Column  string
	Current string
	Desired string
}

func (e *StructuralConflictError) Error() string {
	return fmt.Sprintf("table %s: column '%s' has type %s, mapping declares %s", e.TableID, e.Column, e.Current, e.Desired)
}

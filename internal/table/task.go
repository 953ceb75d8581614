package table

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
)

var taskLog = logging.For("task-creator")

// OptionsProvider supplies the backend-specific part of the load options,
// such as an uploaded file id or a workspace object reference.
type OptionsProvider interface {
	PrepareLoadTaskOptions(ctx context.Context, rm *mapping.ResolvedMapping) (map[string]interface{}, error)
}

// TaskCreator picks the load strategy for a resolved mapping and builds its LoadTask.
type TaskCreator struct {
	preparer *Preparer
	rules    TypeRules
}

// NewTaskCreator creates a task creator that creates tables through preparer.
func NewTaskCreator(preparer *Preparer, rules TypeRules) *TaskCreator {
	return &TaskCreator{preparer: preparer, rules: rules}
}

// Create decides, in priority order:
//  1. missing table, typed column_metadata: create typed table, load
//  2. missing table, schema: create table from schema, load
//  3. missing table, columns: create untyped table, load
//  4. existing table: load
//  5. otherwise: create-and-load, the remote job infers the columns
func (c *TaskCreator) Create(ctx context.Context, provider OptionsProvider, rm *mapping.ResolvedMapping, loc *StorageLocation) (*LoadTask, error) {
	task := &LoadTask{
		Kind:        LoadTable,
		TableID:     rm.TableID,
		Source:      rm.SourceName(),
		WriteAlways: rm.WriteAlways,
	}
	// Declared column names, schema first. Empty means the file header names the columns.
	columns := rm.ColumnNames()

	switch {
	case loc.Table != nil:
		// The table exists; reconciliation already added any new columns.
		task.IsNewTable = false

	case c.rules.Typed() && HasTypedColumnMetadata(rm):
		// Legacy typed declaration: column types live in column_metadata.
		def := c.rules.Definition(rm)
		if err := c.preparer.CreateTyped(ctx, loc, def); err != nil {
			return nil, err
		}
		// Without declared columns the definition lists the metadata keys in
		// sorted order, which need not match the file. columns stays empty
		// then and the load maps the file by its header.
		task.IsNewTable = true

	case len(rm.Schema) > 0 && c.rules.Typed():
		if err := c.preparer.CreateTyped(ctx, loc, c.rules.Definition(rm)); err != nil {
			return nil, err
		}
		task.IsNewTable = true

	case len(columns) > 0:
		opts := storageapi.CreateTableOptions{
			PrimaryKey:      rm.PrimaryKeyColumns(),
			DistributionKey: rm.DistributionKeyColumns(),
		}
		if err := c.preparer.CreateUntyped(ctx, loc, rm.TableID.Table, columns, opts); err != nil {
			return nil, err
		}
		task.IsNewTable = true

	default:
		// Nothing declares the columns, so the load job creates the table from the data.
		task.Kind = CreateAndLoadTable
		task.IsNewTable = true
	}

	options := c.baseOptions(rm, columns, task)

	// The strategy adds where the bytes are: an uploaded file or a workspace object.

	fragment, err := provider.PrepareLoadTaskOptions(ctx, rm)
	if err != nil {
		return nil, fmt.Errorf("preparing load of '%s' into %s: %w", rm.SourceName(), rm.TableID, err)
	}
	if err := mergeOptions(options, fragment); err != nil {
		return nil, fmt.Errorf("preparing load of '%s' into %s: %w", rm.SourceName(), rm.TableID, err)
	}
	task.Options = options
	taskLog.Logf(logging.Debug, "Created task %s with options %v", task, sortedKeys(options))
	return task, nil
}

// baseOptions builds the backend-independent load options.
func (c *TaskCreator) baseOptions(rm *mapping.ResolvedMapping, columns []string, task *LoadTask) map[string]interface{} {
	// Always sent: an empty list tells the remote to read the header.
	if columns == nil {
		columns = []string{}
	}
	options := map[string]interface{}{
		storageapi.OptColumns:     columns,
		storageapi.OptPrimaryKey:  strings.Join(rm.PrimaryKeyColumns(), ","),
		storageapi.OptIncremental: rm.Incremental,
		storageapi.OptDelimiter:   rm.Delimiter,
		storageapi.OptEnclosure:   rm.Enclosure,
	}
	// A declared header line is skipped, not read as data.
	if rm.HasHeader {
		options[storageapi.OptIgnoredLinesCount] = 1
	}
	// The distribution key can only be set when the table is created.
	if dk := rm.DistributionKeyColumns(); task.IsNewTable && len(dk) > 0 {
		options[storageapi.OptDistributionKey] = strings.Join(dk, ",")
	}
	if len(rm.TreatValuesAsNull) > 0 {
		if task.Kind == CreateAndLoadTable {
			taskLog.Logf(logging.Warning, "Source '%s': treat_values_as_null is not supported when the table columns are unknown, ignoring it.", rm.SourceName())
		} else {
			options[storageapi.OptTreatValuesAsNull] = append([]string(nil), rm.TreatValuesAsNull...)
		}
	}
	if rm.DeleteWhereColumn != "" {
		options[storageapi.OptDeleteWhere] = storageapi.DeleteWhere{
			Column:   rm.DeleteWhereColumn,
			Operator: rm.DeleteWhereOperator,
			Values:   append([]string(nil), rm.DeleteWhereValues...),
		}
	}
	return options
}

// mergeOptions adds a backend fragment. Keys already set are never overwritten.
func mergeOptions(options, fragment map[string]interface{}) error {
	var collisions []string
	for k := range fragment {
		if _, exists := options[k]; exists {
			collisions = append(collisions, k)
		}
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		return fmt.Errorf("storage options collide with load options: %s", strings.Join(collisions, ", "))
	}
	for k, v := range fragment {
		options[k] = v
	}
	return nil
}

// sortedKeys lists m's keys for logging.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

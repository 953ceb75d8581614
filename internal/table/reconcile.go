package table

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
)

var reconcileLog = logging.For("reconciler")

// Reconciler compares resolved mappings with remote tables. It only adds
// columns; it never drops, renames or retypes them.
type Reconciler struct {
	client storageapi.Client
	cache  *storageapi.TableCache
	rules  TypeRules
}

// NewReconciler creates a reconciler reading tables through cache.
func NewReconciler(client storageapi.Client, cache *storageapi.TableCache, rules TypeRules) *Reconciler {
	return &Reconciler{client: client, cache: cache, rules: rules}
}

// Reconcile fetches the remote table and diffs it with the mapping's columns.
// A missing table yields RequiresCreate. An incompatible column type yields
// *StructuralConflictError.
func (r *Reconciler) Reconcile(ctx context.Context, rm *mapping.ResolvedMapping) (*ChangeSet, error) {
	state, err := r.cache.Get(ctx, rm.TableID)
	if errors.Is(err, storageapi.ErrTableNotFound) {
		reconcileLog.Logf(logging.Debug, "Table %s does not exist yet", rm.TableID)
		return &ChangeSet{RequiresCreate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading table %s: %w", rm.TableID, err)
	}

	cs := &ChangeSet{State: state}
	// Walk the declared columns in order so new columns are added in declaration order.
	for _, desired := range r.rules.DesiredColumns(rm) {
		current, found := findColumn(state, desired.Name)
		if !found {
			// An untyped table only takes untyped columns.
			if !state.Typed {
				desired.BaseType, desired.Native, desired.Length, desired.Default = "", "", "", ""
			}
			cs.NewColumns = append(cs.NewColumns, desired)
			continue
		}
		if !compatible(current, desired) {
			return nil, &StructuralConflictError{
				TableID: rm.TableID,
				Column:  desired.Name,
				Current: current.BaseType,
				Desired: desired.BaseType,
			}
		}
	}

	// Changing the primary key of a table with data is not attempted.
	if pk := rm.PrimaryKeyColumns(); len(pk) > 0 && !sameColumns(pk, state.PrimaryKey) {
		reconcileLog.Logf(logging.Warning, "Primary key of table %s is [%s], mapping of '%s' declares [%s]. The remote primary key is kept.",
			rm.TableID, strings.Join(state.PrimaryKey, ", "), rm.SourceName(), strings.Join(pk, ", "))
	}
	return cs, nil
}

// Apply adds the change set's new columns to the existing table. On return
// cs.State describes the table with those columns, and the cached entry is
// dropped so later readers fetch the remote state.
func (r *Reconciler) Apply(ctx context.Context, rm *mapping.ResolvedMapping, cs *ChangeSet) error {
	if cs.RequiresCreate || len(cs.NewColumns) == 0 {
		return nil
	}
	// cs.State may be shared with the table cache; grow a private copy.
	state := *cs.State
	state.Columns = append([]storageapi.Column(nil), cs.State.Columns...)
	for _, col := range cs.NewColumns {
		// Typed tables need a definition; untyped ones take a bare name.
		var def *storageapi.Column
		if state.Typed {
			c := col
			def = &c
		}
		reconcileLog.Logf(logging.Info, "Adding column '%s' to table %s", col.Name, rm.TableID)
		// Another writer may have added the column since the table was read.
		err := r.client.AddColumn(ctx, rm.TableID, col.Name, def)
		if err != nil && !errors.Is(err, storageapi.ErrColumnExists) {
			return fmt.Errorf("adding column '%s' to %s: %w", col.Name, rm.TableID, err)
		}
		state.Columns = append(state.Columns, col)
	}
	cs.State = &state
	r.cache.Invalidate(rm.TableID)
	return nil
}

// findColumn matches names exactly, like TableState.Column and the loaders.
// A column differing only in case is a different column.
func findColumn(state *storageapi.TableState, name string) (storageapi.Column, bool) {
	return state.Column(name)
}

// sameColumns compares column lists in order.
func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

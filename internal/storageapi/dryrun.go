package storageapi

import (
	"context"
	"sort"

	"output-mapping/internal/logging"

	"github.com/google/uuid"
)

var dryRunLog = logging.For("dry-run")

// DryRunClient forwards reads to the wrapped client and only logs mutations.
// Jobs it returns complete immediately.
type DryRunClient struct {
	inner Client
}

// NewDryRunClient wraps inner.
func NewDryRunClient(inner Client) *DryRunClient {
	return &DryRunClient{inner: inner}
}

func (d *DryRunClient) Backend() string { return d.inner.Backend() }

func (d *DryRunClient) BucketExists(ctx context.Context, id BucketID) (bool, error) {
	return d.inner.BucketExists(ctx, id)
}

func (d *DryRunClient) GetTable(ctx context.Context, id TableID) (*TableState, error) {
	return d.inner.GetTable(ctx, id)
}

func (d *DryRunClient) WebalizeDisplayName(ctx context.Context, name string) (string, error) {
	return d.inner.WebalizeDisplayName(ctx, name)
}

func (d *DryRunClient) CreateBucket(_ context.Context, id BucketID, displayName string) (BucketID, error) {
	dryRunLog.Logf(logging.Info, "DRY RUN: would create bucket %s (display name '%s')", id, displayName)
	return id, nil
}

func (d *DryRunClient) CreateTable(_ context.Context, bucket BucketID, name string, columns []string, opts CreateTableOptions) (TableID, error) {
	dryRunLog.Logf(logging.Info, "DRY RUN: would create table %s with columns %v (primary key %v)", bucket.Table(name), columns, opts.PrimaryKey)
	return bucket.Table(name), nil
}

func (d *DryRunClient) CreateTypedTable(_ context.Context, bucket BucketID, def TableDefinition) (TableID, error) {
	dryRunLog.Logf(logging.Info, "DRY RUN: would create typed table %s with %d columns", bucket.Table(def.Name), len(def.Columns))
	return bucket.Table(def.Name), nil
}

func (d *DryRunClient) AddColumn(_ context.Context, id TableID, name string, def *Column) error {
	dryRunLog.Logf(logging.Info, "DRY RUN: would add column '%s' to %s", name, id)
	return nil
}

func (d *DryRunClient) SubmitLoadJob(_ context.Context, id TableID, options map[string]interface{}) (Job, error) {
	dryRunLog.Logf(logging.Info, "DRY RUN: would load %s with options %v", id, sortedKeys(options))
	return completedJob(uuid.NewString()), nil
}

func (d *DryRunClient) SubmitCreateAndLoadJob(_ context.Context, bucket BucketID, name string, options map[string]interface{}) (Job, error) {
	dryRunLog.Logf(logging.Info, "DRY RUN: would create and load %s with options %v", bucket.Table(name), sortedKeys(options))
	return completedJob(uuid.NewString()), nil
}

func (d *DryRunClient) UploadFile(_ context.Context, path string, opts FileUploadOptions) (string, error) {
	dryRunLog.Logf(logging.Info, "DRY RUN: would upload %s (sliced=%t, tags=%v)", path, opts.IsSliced, opts.Tags)
	return "dry-run-" + uuid.NewString(), nil
}

func (d *DryRunClient) SetTableMetadata(_ context.Context, id TableID, provider string, table []Metadata, columns map[string][]Metadata) error {
	dryRunLog.Logf(logging.Info, "DRY RUN: would set %d table and %d column metadata entries on %s as '%s'", len(table), len(columns), id, provider)
	return nil
}

type completedJob string

func (j completedJob) ID() string                  { return string(j) }
func (j completedJob) Wait(_ context.Context) error { return nil }

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

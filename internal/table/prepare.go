package table

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
)

var prepareLog = logging.For("preparer")

// Preparer makes sure the destination bucket exists and creates tables on
// behalf of the task creator.
type Preparer struct {
	client storageapi.Client
	cache  *storageapi.TableCache

	// mu guards buckets and serializes bucket creation across tables.
	mu      sync.Mutex
	buckets map[string]bool // Buckets known to exist in this run
}

// NewPreparer creates a preparer for one run.
func NewPreparer(client storageapi.Client, cache *storageapi.TableCache) *Preparer {
	return &Preparer{client: client, cache: cache, buckets: make(map[string]bool)}
}

// Prepare ensures the bucket and returns the load location. The table itself
// is never created here.
func (p *Preparer) Prepare(ctx context.Context, rm *mapping.ResolvedMapping, cs *ChangeSet) (*StorageLocation, error) {
	bucket := rm.TableID.BucketID()
	if err := p.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	loc := &StorageLocation{Bucket: bucket}
	// An existing table is handed on as reconciled, new columns included.
	if cs != nil && !cs.RequiresCreate {
		loc.Table = cs.State
	}
	return loc, nil
}

// ensureBucket creates bucket unless it is known to exist. The display name
// is the bucket name without its "c-" prefix, webalized by the remote.
func (p *Preparer) ensureBucket(ctx context.Context, bucket storageapi.BucketID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buckets[bucket.String()] {
		return nil
	}

	exists, err := p.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		displayName, err := p.client.WebalizeDisplayName(ctx, strings.TrimPrefix(bucket.Name, "c-"))
		if err != nil {
			return fmt.Errorf("deriving display name for bucket %s: %w", bucket, err)
		}
		prepareLog.Logf(logging.Info, "Creating bucket %s", bucket)
		if _, err := p.client.CreateBucket(ctx, bucket, displayName); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}
	p.buckets[bucket.String()] = true
	return nil
}

// CreateTyped creates a typed table and records it in loc.
func (p *Preparer) CreateTyped(ctx context.Context, loc *StorageLocation, def storageapi.TableDefinition) error {
	prepareLog.Logf(logging.Info, "Creating typed table %s with %d columns", loc.Bucket.Table(def.Name), len(def.Columns))
	id, err := p.client.CreateTypedTable(ctx, loc.Bucket, def)
	if err != nil {
		return fmt.Errorf("creating typed table %s: %w", loc.Bucket.Table(def.Name), err)
	}
	// Drop any cached "not found" and describe the new table locally instead of re-reading it.
	p.cache.Invalidate(id)
	loc.Table = &storageapi.TableState{ID: id, Columns: def.Columns, Typed: true, Backend: p.client.Backend(), PrimaryKey: def.PrimaryKey}
	return nil
}

// CreateUntyped creates a table with string columns and records it in loc.
func (p *Preparer) CreateUntyped(ctx context.Context, loc *StorageLocation, name string, columns []string, opts storageapi.CreateTableOptions) error {
	prepareLog.Logf(logging.Info, "Creating table %s with columns [%s]", loc.Bucket.Table(name), strings.Join(columns, ", "))
	id, err := p.client.CreateTable(ctx, loc.Bucket, name, columns, opts)
	if err != nil {
		return fmt.Errorf("creating table %s: %w", loc.Bucket.Table(name), err)
	}
	p.cache.Invalidate(id)
	// Untyped tables hold nullable string columns.
	cols := make([]storageapi.Column, len(columns))
	for i, c := range columns {
		cols[i] = storageapi.Column{Name: c, Nullable: true}
	}
	loc.Table = &storageapi.TableState{ID: id, Columns: cols, Backend: p.client.Backend(), PrimaryKey: opts.PrimaryKey}
	return nil
}

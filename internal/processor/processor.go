// Package processor drives one output-mapping run: it pairs the produced
// tables with their configuration, prepares remote storage for each of them
// and hands the resulting load tasks to the load queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/metrics"
	"output-mapping/internal/queue"
	"output-mapping/internal/storageapi"
	"output-mapping/internal/strategy"
	"output-mapping/internal/table"
	"output-mapping/internal/util"

	"golang.org/x/sync/errgroup"
)

// Uploader defines the pipeline entry point.
// This allows mocking the pipeline in tests.
type Uploader interface {
	UploadTables(ctx context.Context, entries []map[string]interface{}, sourcePath string, system mapping.SystemMetadata, strat strategy.Strategy, isFailedJob bool) (*queue.Handle, error)
}

// Options configure an Uploader.
type Options struct {
	DefaultBucket string
	Features      config.FeaturesConfig
	// Concurrency bounds how many tables are resolved at once. Values below 1 mean 1.
	Concurrency int
	SubmitRate  float64
	Metrics     *metrics.Pipeline
}

// uploaderImpl implements the Uploader interface.
type uploaderImpl struct {
	client storageapi.Client
	opts   Options
}

// NewUploader creates an Uploader loading into client.
func NewUploader(client storageapi.Client, opts Options) Uploader {
	if opts.Concurrency < 1 {
		opts.Concurrency = config.DefaultConcurrency
	}
	if opts.Features.TypeSupport == "" {
		opts.Features.TypeSupport = config.TypeSupportNone
	}
	return &uploaderImpl{client: client, opts: opts}
}

// run holds the collaborators of one UploadTables call.
type run struct {
	strat       strategy.Strategy
	isFailedJob bool
	metrics     *metrics.Pipeline

	resolver   *mapping.Resolver
	reconciler *table.Reconciler
	preparer   *table.Preparer
	creator    *table.TaskCreator
	setter     *table.MetadataSetter
	locks      *keyedMutex
}

// UploadTables resolves every produced table, prepares its destination and
// starts the load jobs. It returns once all jobs are submitted.
//
// In a failed-job run only tables with write_always are loaded. Such a table
// failing to resolve aborts the run, while failures of other tables are
// logged and skipped. In a regular run any failure aborts the run.
func (u *uploaderImpl) UploadTables(ctx context.Context, entries []map[string]interface{}, sourcePath string, system mapping.SystemMetadata, strat strategy.Strategy, isFailedJob bool) (*queue.Handle, error) {
	logging.Logf(logging.Info, "Processor: Uploading tables from '%s' (%d mapping entries, failed job: %t)", sourcePath, len(entries), isFailedJob)

	// --- Discovery ---
	items, err := strat.ListSources(ctx, sourcePath, entries)
	if err != nil {
		return nil, err
	}
	manifests, err := strat.ListManifests(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if err := u.checkPairing(items, entries, manifests, isFailedJob); err != nil {
		return nil, err
	}

	// --- Combination ---
	// One source per (data item, mapping entry) pair; items without an entry pass through alone.
	sources := mapping.AttachManifests(mapping.CombineSources(items, entries), manifests)
	if strat.HasSlicer() {
		// Slicing may replace items with sliced directories and rewrite their manifests.
		if sources, err = strat.SliceFiles(ctx, sources, u.opts.Features.TypeSupport); err != nil {
			return nil, fmt.Errorf("slicing output files: %w", err)
		}
	}

	// --- Resolution and preparation ---
	tasks, err := u.resolveAll(ctx, u.newRun(strat, system, isFailedJob), sources)
	if err != nil {
		return nil, err
	}

	// --- Submission ---
	// Tasks are enqueued in source order, whatever order they were resolved in.
	q := queue.New(u.client, queue.Options{SubmitRate: u.opts.SubmitRate, Metrics: u.opts.Metrics})
	for _, task := range tasks {
		if task == nil {
			continue // Skipped in a failed-job run
		}
		q.Enqueue(task)
		u.opts.Metrics.TableOutcome(metrics.OutcomeQueued)
	}
	logging.Logf(logging.Info, "Processor: Queued %d of %d table(s)", q.Len(), len(sources))
	return q.Start(ctx)
}

// newRun wires the per-run collaborators. The table cache is shared by the
// reconciler and the preparer, so each table is read at most once per run
// unless a change invalidates it.
func (u *uploaderImpl) newRun(strat strategy.Strategy, system mapping.SystemMetadata, isFailedJob bool) *run {
	cache := storageapi.NewTableCache(u.client)
	rules := table.TypeRules{
		TypeSupport:      u.opts.Features.TypeSupport,
		EnforceBaseTypes: u.opts.Features.EnforceBaseTypes,
		Backend:          u.client.Backend(),
	}
	preparer := table.NewPreparer(u.client, cache)
	return &run{
		strat:       strat,
		isFailedJob: isFailedJob,
		metrics:     u.opts.Metrics,
		resolver: mapping.NewResolver(mapping.ResolveOptions{
			DefaultBucket:   u.opts.DefaultBucket,
			System:          system,
			TagStagingFiles: u.opts.Features.TagStagingFiles,
			BranchStorage:   u.opts.Features.BranchStorage,
		}),
		reconciler: table.NewReconciler(u.client, cache, rules),
		preparer:   preparer,
		creator:    table.NewTaskCreator(preparer, rules),
		setter:     table.NewMetadataSetter(system),
		locks:      &keyedMutex{},
	}
}

// checkPairing rejects mapping entries without data and manifests without
// data. A failed job may legitimately leave outputs missing, so there it only warns.
func (u *uploaderImpl) checkPairing(items []mapping.DataItem, entries []map[string]interface{}, manifests []mapping.ManifestItem, isFailedJob bool) error {
	var problems []string
	if missing := mapping.UnmatchedEntries(items, entries); len(missing) > 0 {
		problems = append(problems, fmt.Sprintf("table sources not found: '%s'", strings.Join(missing, "', '")))
	}
	if orphans := mapping.OrphanedManifests(items, manifests); len(orphans) > 0 {
		names := make([]string, len(orphans))
		for i, o := range orphans {
			names[i] = o.Name
		}
		problems = append(problems, fmt.Sprintf("found orphaned table manifest(s): '%s'", strings.Join(names, "', '")))
	}
	if len(problems) == 0 {
		return nil
	}
	if isFailedJob {
		for _, p := range problems {
			logging.Logf(logging.Warning, "Processor: %s", p)
		}
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

// resolveAll processes sources on a bounded pool. The returned tasks follow
// source order; skipped sources leave a nil slot.
//
// The first failure cancels the group. Sources not yet started are never
// dispatched, so a failed run leaves no tables created or files uploaded
// beyond those already in flight.
func (u *uploaderImpl) resolveAll(ctx context.Context, r *run, sources []mapping.CombinedSource) ([]*table.LoadTask, error) {
	tasks := make([]*table.LoadTask, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)
	for i, src := range sources {
		// g.Go blocks while the pool is full; by the time a slot frees up
		// an earlier failure may already have cancelled the group.
		if gctx.Err() != nil {
			break
		}
		i, src := i, src
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			task, err := r.process(gctx, src)
			if err != nil {
				r.metrics.TableOutcome(metrics.OutcomeFailed)
				return err
			}
			tasks[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The caller's context may have ended before anything was dispatched.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// process turns one source into a load task. A nil task with a nil error
// means the source is skipped.
func (r *run) process(ctx context.Context, src mapping.CombinedSource) (*table.LoadTask, error) {
	logging.Logf(logging.Debug, "Processor: Resolving '%s' (mapping: %v, manifest: %t)", src.Name(), util.MaskSensitiveData(src.Mapping), src.Manifest != nil)

	// Read the manifest first; a broken manifest is reported like any other resolution error.
	var manifest map[string]interface{}
	if src.Manifest != nil {
		m, err := r.strat.ReadFileManifest(ctx, *src.Manifest)
		if err != nil {
			return nil, r.failure(src, nil, nil, err)
		}
		manifest = m
	}

	rm, err := r.resolver.Resolve(src, manifest)
	if err != nil {
		return nil, r.failure(src, manifest, nil, err)
	}
	// Nothing is created remotely for tables a failed job does not load.
	if r.isFailedJob && !rm.WriteAlways {
		logging.Logf(logging.Info, "Processor: Skipping '%s', the job failed and write_always is not set", src.Name())
		r.metrics.TableOutcome(metrics.OutcomeSkipped)
		return nil, nil
	}

	task, err := r.build(ctx, rm)
	if err != nil {
		return nil, r.failure(src, manifest, rm, err)
	}
	return task, nil
}

// build reconciles the destination with the mapping, creates what is missing
// and returns the load task with its metadata attached.
func (r *run) build(ctx context.Context, rm *mapping.ResolvedMapping) (*table.LoadTask, error) {
	// Sources sharing a destination must not race on its creation.
	unlock := r.locks.lock(rm.TableID.String())
	defer unlock()

	// Diff the remote table with the mapping, then add any new columns.
	cs, err := r.reconciler.Reconcile(ctx, rm)
	if err != nil {
		return nil, err
	}
	if err := r.reconciler.Apply(ctx, rm, cs); err != nil {
		return nil, err
	}
	// Ensure the bucket exists; the table itself is created by the task creator.
	loc, err := r.preparer.Prepare(ctx, rm, cs)
	if err != nil {
		return nil, err
	}
	task, err := r.creator.Create(ctx, r.strat, rm, loc)
	if err != nil {
		return nil, err
	}
	return r.setter.Attach(task, rm), nil
}

// failure applies the failed-job policy. It returns nil when the source is
// to be skipped, the error otherwise.
func (r *run) failure(src mapping.CombinedSource, manifest map[string]interface{}, rm *mapping.ResolvedMapping, err error) error {
	err = fmt.Errorf("processing '%s': %w", src.Name(), err)
	if !r.isFailedJob {
		return err
	}
	// Without a resolved mapping, fall back to the raw entry and manifest.
	writeAlways := mapping.WriteAlwaysEntry(src.Mapping) || mapping.WriteAlwaysEntry(manifest)
	if rm != nil {
		writeAlways = rm.WriteAlways
	}
	if writeAlways {
		return err
	}
	logging.Logf(logging.Warning, "Processor: Skipping '%s' in failed job: %v", src.Name(), err)
	r.metrics.TableOutcome(metrics.OutcomeSkipped)
	return nil
}

// --- Helpers ---

// keyedMutex serializes work per key. Locks are never removed; a run touches
// a bounded set of destinations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

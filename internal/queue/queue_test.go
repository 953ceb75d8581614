package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"output-mapping/internal/metrics"
	"output-mapping/internal/storageapi"
	"output-mapping/internal/storageapi/memstore"
	"output-mapping/internal/table"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func tableID(name string) storageapi.TableID {
	return storageapi.TableID{Stage: "in", Bucket: "c-x", Table: name}
}

func seeded(names ...string) *memstore.Store {
	store := memstore.New()
	for _, n := range names {
		store.PutTable(storageapi.TableState{ID: tableID(n), Columns: []storageapi.Column{{Name: "id"}}})
	}
	return store
}

func loadTask(name string) *table.LoadTask {
	return &table.LoadTask{Kind: table.LoadTable, TableID: tableID(name), Source: name + ".csv", Options: map[string]interface{}{"columns": []string{"id"}}}
}

func TestStart_SubmitsInOrder(t *testing.T) {
	store := seeded("a", "b", "c")
	q := New(store, Options{})
	for _, n := range []string{"c", "a", "b"} {
		q.Enqueue(loadTask(n))
	}

	h, err := q.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	want := []string{"Load in.c-x.c", "Load in.c-x.a", "Load in.c-x.b"}
	if got := store.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("Calls() = %v, want %v", got, want)
	}

	results := h.WaitAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("len(results) = %d", len(results))
	}
	for i, n := range []string{"c", "a", "b"} {
		if results[i].Task.TableID != tableID(n) || results[i].Err != nil || results[i].JobID == "" {
			t.Errorf("results[%d] = %+v", i, results[i])
		}
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestStart_FailuresAreIndependent(t *testing.T) {
	store := seeded("a", "b", "c")
	store.SubmitErrors["in.c-x.a"] = errors.New("quota exceeded")
	store.JobErrors["in.c-x.b"] = errors.New("bad data")
	pm, _ := metrics.New()

	q := New(store, Options{Metrics: pm})
	q.Enqueue(loadTask("a"))
	q.Enqueue(loadTask("b"))
	q.Enqueue(loadTask("c"))

	h, err := q.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	results := h.WaitAll(context.Background())

	var rse *storageapi.RemoteServiceError
	if !errors.As(results[0].Err, &rse) {
		t.Errorf("results[0].Err = %v, want submit failure", results[0].Err)
	}
	var jobErr *storageapi.JobError
	if !errors.As(results[1].Err, &jobErr) || jobErr.JobID != results[1].JobID {
		t.Errorf("results[1].Err = %v, want *JobError", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("results[2].Err = %v, want success", results[2].Err)
	}

	joined := h.Err()
	if !errors.As(joined, &rse) || !errors.As(joined, &jobErr) {
		t.Errorf("Err() = %v, want both failures", joined)
	}

	reg := pm.Registry()
	if got, _ := testutil.GatherAndCount(reg, "output_mapping_jobs_total"); got != 3 {
		t.Errorf("job series = %d, want 3", got)
	}
}

func TestStart_CreateAndLoad(t *testing.T) {
	store := memstore.New()
	if _, err := store.CreateBucket(context.Background(), storageapi.BucketID{Stage: "in", Name: "c-x"}, "x"); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "new.csv")
	if err := os.WriteFile(path, []byte("id,name\n1,a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fileID, _ := store.UploadFile(context.Background(), path, storageapi.FileUploadOptions{Name: "new.csv"})

	q := New(store, Options{})
	q.Enqueue(&table.LoadTask{
		Kind:       table.CreateAndLoadTable,
		TableID:    tableID("new"),
		IsNewTable: true,
		Options:    map[string]interface{}{storageapi.OptDataFileID: fileID, storageapi.OptColumns: []string{}},
	})
	h, _ := q.Start(context.Background())
	if err := errors.Join(errs(h.WaitAll(context.Background()))...); err != nil {
		t.Fatalf("WaitAll() error = %v", err)
	}
	loads := store.Loads()
	if len(loads) != 1 || !loads[0].CreateAndLoad {
		t.Errorf("Loads() = %+v", loads)
	}
	state, err := store.GetTable(context.Background(), tableID("new"))
	if err != nil {
		t.Fatalf("table was not created: %v", err)
	}
	if !reflect.DeepEqual(state.ColumnNames(), []string{"id", "name"}) {
		t.Errorf("columns = %v", state.ColumnNames())
	}
}

func TestWaitAll_AppliesMetadataAfterSuccess(t *testing.T) {
	store := seeded("a", "b")
	store.JobErrors["in.c-x.b"] = errors.New("bad data")

	withMeta := func(name string) *table.LoadTask {
		task := loadTask(name)
		task.Metadata = []table.MetadataBatch{{
			Provider: table.ProviderSystem,
			Table:    []storageapi.Metadata{{Key: "KBC.lastUpdatedBy.component.id", Value: "ex"}},
			Columns:  map[string][]storageapi.Metadata{"id": {{Key: "KBC.description", Value: "key"}}},
		}}
		return task
	}
	q := New(store, Options{})
	q.Enqueue(withMeta("a"))
	q.Enqueue(withMeta("b"))
	h, _ := q.Start(context.Background())
	h.WaitAll(context.Background())

	if got := store.Metadata(tableID("a"), table.ProviderSystem); len(got) != 1 || got[0].Value != "ex" {
		t.Errorf("metadata on a = %v", got)
	}
	if got := store.Metadata(tableID("a"), table.ProviderSystem+"#id"); len(got) != 1 {
		t.Errorf("column metadata on a = %v", got)
	}
	if got := store.Metadata(tableID("b"), table.ProviderSystem); len(got) != 0 {
		t.Errorf("failed job must not get metadata, got %v", got)
	}
}

func TestStart_Twice(t *testing.T) {
	q := New(memstore.New(), Options{})
	if _, err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_RateLimitedCancelled(t *testing.T) {
	store := seeded("a", "b")
	q := New(store, Options{SubmitRate: 0.001})
	q.Enqueue(loadTask("a"))
	q.Enqueue(loadTask("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h, err := q.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	results := h.WaitAll(context.Background())
	for i, r := range results {
		if r.Err == nil {
			t.Errorf("results[%d] should fail on a cancelled context", i)
		}
	}
	if len(store.Calls()) != 0 {
		t.Errorf("nothing should be submitted, got %v", store.Calls())
	}
}

func errs(results []TaskResult) []error {
	var out []error
	for _, r := range results {
		out = append(out, r.Err)
	}
	return out
}

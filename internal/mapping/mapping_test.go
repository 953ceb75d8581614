package mapping

import (
	"bytes"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/storageapi"
)

// captureLogs redirects log output for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	orig := logging.GetLevel()
	logging.SetOutput(buf)
	logging.SetLevel(logging.Info)
	t.Cleanup(func() {
		logging.SetOutput(os.Stderr)
		logging.SetLevel(orig)
	})
	return buf
}

func item(name string) DataItem {
	return DataItem{Name: name, Path: "/data/out/tables/" + name}
}

// --- Combiner ---

func TestCombineSources_FanOut(t *testing.T) {
	items := []DataItem{item("a.csv"), item("b.csv")}
	entries := []map[string]interface{}{
		{"source": "b.csv", "destination": "out.c-x.b1"},
		{"source": "a.csv", "destination": "out.c-x.a"},
		{"source": "b.csv", "destination": "out.c-x.b2"},
		{"source": "b.csv", "destination": "out.c-x.b3"},
	}

	got := CombineSources(items, entries)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Name() != "a.csv" || got[0].MappingIndex != 1 {
		t.Errorf("got[0] = %+v", got[0])
	}
	var dests []string
	for _, s := range got[1:] {
		if s.Item != items[1] {
			t.Errorf("fan-out source should share the data item, got %+v", s.Item)
		}
		dests = append(dests, s.Mapping["destination"].(string))
	}
	if want := []string{"out.c-x.b1", "out.c-x.b2", "out.c-x.b3"}; !reflect.DeepEqual(dests, want) {
		t.Errorf("destinations = %v, want %v", dests, want)
	}
}

func TestCombineSources_PassThrough(t *testing.T) {
	got := CombineSources([]DataItem{item("lonely.csv")}, nil)
	if len(got) != 1 || got[0].Mapping != nil || got[0].MappingIndex != -1 {
		t.Errorf("CombineSources() = %+v, want one source without mapping", got)
	}
}

func TestAttachManifests(t *testing.T) {
	sources := CombineSources([]DataItem{item("a.csv"), item("b.csv")}, nil)
	manifests := []ManifestItem{{Name: "b.csv.manifest", Path: "/m/b.csv.manifest"}, {Name: "zzz.manifest"}}

	got := AttachManifests(sources, manifests)
	if got[0].Manifest != nil {
		t.Errorf("a.csv should have no manifest, got %+v", got[0].Manifest)
	}
	if got[1].Manifest == nil || got[1].Manifest.Path != "/m/b.csv.manifest" {
		t.Errorf("b.csv manifest = %+v", got[1].Manifest)
	}
	if sources[1].Manifest != nil {
		t.Error("AttachManifests must not modify its input")
	}
}

func TestUnmatchedAndOrphaned(t *testing.T) {
	items := []DataItem{item("a.csv")}
	entries := []map[string]interface{}{{"source": "a.csv"}, {"source": "gone.csv"}, {"source": "gone.csv"}}
	if got := UnmatchedEntries(items, entries); !reflect.DeepEqual(got, []string{"gone.csv"}) {
		t.Errorf("UnmatchedEntries() = %v", got)
	}
	orphans := OrphanedManifests(items, []ManifestItem{{Name: "a.csv.manifest"}, {Name: "x.csv.manifest"}})
	if len(orphans) != 1 || orphans[0].Name != "x.csv.manifest" {
		t.Errorf("OrphanedManifests() = %v", orphans)
	}
	if !WriteAlwaysEntry(map[string]interface{}{"write_always": true}) || WriteAlwaysEntry(map[string]interface{}{}) {
		t.Error("WriteAlwaysEntry mismatch")
	}
}

// --- Merge rules ---

func TestMergeTableMaps(t *testing.T) {
	testCases := []struct {
		name     string
		base     map[string]interface{}
		override map[string]interface{}
		key      string
		want     interface{}
	}{
		{"scalar override wins", map[string]interface{}{"incremental": false}, map[string]interface{}{"incremental": true}, "incremental", true},
		{"default scalar does not clobber", map[string]interface{}{"delimiter": "\t"}, map[string]interface{}{"delimiter": ","}, "delimiter", "\t"},
		{"missing key keeps base", map[string]interface{}{"columns": []interface{}{"a", "b"}}, map[string]interface{}{}, "columns", []interface{}{"a", "b"}},
		{"empty list keeps base", map[string]interface{}{"tags": []interface{}{"t1"}}, map[string]interface{}{"tags": []interface{}{}}, "tags", []interface{}{"t1"}},
		{"non-empty list replaces", map[string]interface{}{"tags": []interface{}{"t1"}}, map[string]interface{}{"tags": []interface{}{"t2"}}, "tags", []interface{}{"t2"}},
		{"list absent from base is set", map[string]interface{}{}, map[string]interface{}{"columns": []interface{}{}}, "columns", []interface{}{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := MergeTableMaps(tc.base, tc.override)
			if !reflect.DeepEqual(got[tc.key], tc.want) {
				t.Errorf("merged[%s] = %#v, want %#v", tc.key, got[tc.key], tc.want)
			}
		})
	}
}

func TestMergeTableMaps_Metadata(t *testing.T) {
	base := map[string]interface{}{
		"metadata": []interface{}{
			map[string]interface{}{"key": "owner", "value": "ops"},
			map[string]interface{}{"key": "tier", "value": "gold"},
		},
	}
	override := map[string]interface{}{
		"metadata": []interface{}{
			map[string]interface{}{"key": "tier", "value": "silver"},
			map[string]interface{}{"key": "team", "value": "data"},
		},
	}
	got := MergeTableMaps(base, override)["metadata"]
	want := []config.MetadataEntry{{Key: "owner", Value: "ops"}, {Key: "tier", Value: "silver"}, {Key: "team", Value: "data"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("metadata = %#v, want %#v", got, want)
	}
}

func TestMergeTableMaps_ColumnMetadataIdempotent(t *testing.T) {
	payload := map[string]interface{}{
		"id": []interface{}{map[string]interface{}{"key": "KBC.datatype.basetype", "value": "INTEGER"}},
	}
	base := map[string]interface{}{"column_metadata": payload}

	once := MergeTableMaps(base, map[string]interface{}{"column_metadata": payload})
	twice := MergeTableMaps(once, map[string]interface{}{"column_metadata": payload})

	want := map[string][]config.MetadataEntry{"id": {{Key: "KBC.datatype.basetype", Value: "INTEGER"}}}
	if !reflect.DeepEqual(once["column_metadata"], want) {
		t.Errorf("once = %#v, want %#v", once["column_metadata"], want)
	}
	if !reflect.DeepEqual(twice["column_metadata"], once["column_metadata"]) {
		t.Errorf("merging twice changed the result: %#v", twice["column_metadata"])
	}
}

func TestNormalizeDestination(t *testing.T) {
	if got := NormalizeDestination("my.dest", "in.c-x"); got != "in.c-x.my.dest" {
		t.Errorf("NormalizeDestination(my.dest) = %q", got)
	}
	if got := NormalizeDestination("out.c-y.t", "in.c-x"); got != "out.c-y.t" {
		t.Errorf("full id should be kept, got %q", got)
	}
	if got := NormalizeDestination("t", ""); got != "t" {
		t.Errorf("no default bucket should keep value, got %q", got)
	}
}

// --- Resolver ---

func resolveOne(t *testing.T, opts ResolveOptions, entry, manifest map[string]interface{}) (*ResolvedMapping, error) {
	t.Helper()
	src := CombinedSource{Item: item("orders.csv"), Mapping: entry, MappingIndex: 0}
	if manifest != nil {
		src.Manifest = &ManifestItem{Name: "orders.csv.manifest"}
	}
	return NewResolver(opts).Resolve(src, manifest)
}

func TestResolve_ManifestDestinationRelativeToDefaultBucket(t *testing.T) {
	r, err := resolveOne(t, ResolveOptions{DefaultBucket: "in.c-x"}, nil, map[string]interface{}{"destination": "orders"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if r.TableID.String() != "in.c-x.orders" || r.Destination != "in.c-x.orders" {
		t.Errorf("destination = %v / %q", r.TableID, r.Destination)
	}
}

func TestResolve_DottedManifestDestination(t *testing.T) {
	r, err := resolveOne(t, ResolveOptions{DefaultBucket: "in.c-x"}, nil, map[string]interface{}{"destination": "my.dest"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := storageapi.TableID{Stage: "in", Bucket: "c-x", Table: "my.dest"}
	if r.TableID != want || r.Destination != "in.c-x.my.dest" {
		t.Errorf("destination = %#v / %q, want %#v", r.TableID, r.Destination, want)
	}
}

func TestResolve_MergePrecedence(t *testing.T) {
	manifest := map[string]interface{}{
		"destination": "in.c-main.orders",
		"incremental": false,
		"columns":     []interface{}{"a", "b"},
		"tags":        []interface{}{"t1"},
		"query":       "x",
	}
	entry := map[string]interface{}{"source": "orders.csv", "incremental": true, "tags": []interface{}{}}

	buf := captureLogs(t)
	r, err := resolveOne(t, ResolveOptions{}, entry, manifest)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !r.Incremental {
		t.Error("incremental = false, want true")
	}
	if !reflect.DeepEqual(r.Columns, []string{"a", "b"}) {
		t.Errorf("columns = %v", r.Columns)
	}
	if !reflect.DeepEqual(r.Tags, []string{"t1"}) {
		t.Errorf("tags = %v, want [t1]", r.Tags)
	}
	if r.Delimiter != "," || r.Enclosure != "\"" || r.DeleteWhereOperator != "eq" {
		t.Errorf("defaults not applied: %q %q %q", r.Delimiter, r.Enclosure, r.DeleteWhereOperator)
	}
	if !strings.Contains(buf.String(), "unknown key 'query'") {
		t.Errorf("expected warning about unknown manifest key, logs:\n%s", buf.String())
	}
}

func TestResolve_DestinationFromFileName(t *testing.T) {
	buf := captureLogs(t)
	r, err := resolveOne(t, ResolveOptions{DefaultBucket: "out.c-main"}, nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if r.TableID.String() != "out.c-main.orders" {
		t.Errorf("destination = %s", r.TableID)
	}
	if !strings.Contains(buf.String(), "deprecated") {
		t.Errorf("expected deprecation warning, logs:\n%s", buf.String())
	}
}

func TestResolve_Errors(t *testing.T) {
	testCases := []struct {
		name      string
		opts      ResolveOptions
		entry     map[string]interface{}
		manifest  map[string]interface{}
		wantField string
	}{
		{"no destination and no default bucket", ResolveOptions{}, nil, nil, "destination"},
		{"invalid destination", ResolveOptions{}, map[string]interface{}{"destination": "in.c-x"}, nil, "destination"},
		{"schema with columns", ResolveOptions{}, map[string]interface{}{
			"destination": "in.c-x.t",
			"columns":     []interface{}{"a"},
			"schema":      []interface{}{map[string]interface{}{"name": "a"}},
		}, nil, "columns"},
		{"bad operator", ResolveOptions{}, map[string]interface{}{
			"destination":           "in.c-x.t",
			"delete_where_column":   "a",
			"delete_where_values":   []interface{}{"1"},
			"delete_where_operator": "gt",
		}, nil, "delete_where_operator"},
		{"wrong kind", ResolveOptions{}, map[string]interface{}{"destination": "in.c-x.t", "incremental": "yes"}, nil, "incremental"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			captureLogs(t)
			_, err := resolveOne(t, tc.opts, tc.entry, tc.manifest)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Resolve() error = %v, want *ConfigurationError", err)
			}
			if cfgErr.Source != "orders.csv" {
				t.Errorf("Source = %q", cfgErr.Source)
			}
			found := false
			for _, p := range cfgErr.Problems {
				if p.Field == tc.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %v do not mention field %q", cfgErr.Problems, tc.wantField)
			}
		})
	}
}

func TestResolve_PrimaryKeyNormalized(t *testing.T) {
	buf := captureLogs(t)
	entry := map[string]interface{}{"destination": "in.c-x.t", "primary_key": []interface{}{" id ", "", "id", "ts"}}
	r, err := resolveOne(t, ResolveOptions{}, entry, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.PrimaryKey, []string{"id", "ts"}) {
		t.Errorf("PrimaryKey = %v", r.PrimaryKey)
	}
	if !strings.Contains(buf.String(), "empty column name in primary key") {
		t.Errorf("expected warning, logs:\n%s", buf.String())
	}
}

func TestResolve_BranchRewrite(t *testing.T) {
	sys := SystemMetadata{ComponentID: "ex", BranchID: "987", DefaultBranch: false}
	entry := map[string]interface{}{"destination": "out.c-main.t"}

	r, err := resolveOne(t, ResolveOptions{System: sys}, entry, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.TableID.String() != "out.c-987-main.t" {
		t.Errorf("rewritten destination = %s", r.TableID)
	}

	r, err = resolveOne(t, ResolveOptions{System: sys, BranchStorage: true}, entry, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.TableID.String() != "out.c-main.t" {
		t.Errorf("branch storage should not rewrite, got %s", r.TableID)
	}

	sys.DefaultBranch = true
	r, _ = resolveOne(t, ResolveOptions{System: sys}, entry, nil)
	if r.TableID.String() != "out.c-main.t" {
		t.Errorf("default branch should not rewrite, got %s", r.TableID)
	}
}

func TestResolve_SystemTags(t *testing.T) {
	opts := ResolveOptions{
		TagStagingFiles: true,
		System:          SystemMetadata{ComponentID: "ex-db", ConfigurationID: "12", RunID: "r1", DefaultBranch: true},
	}
	entry := map[string]interface{}{"destination": "in.c-x.t", "tags": []interface{}{"mine", "componentId: ex-db"}}
	r, err := resolveOne(t, opts, entry, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"mine", "componentId: ex-db", "configurationId: 12", "runId: r1"}
	if !reflect.DeepEqual(r.Tags, want) {
		t.Errorf("Tags = %v, want %v", r.Tags, want)
	}
}

func TestResolvedMapping_SchemaHelpers(t *testing.T) {
	entry := map[string]interface{}{
		"destination": "in.c-x.t",
		"schema": []interface{}{
			map[string]interface{}{"name": "id", "primary_key": true, "distribution_key": true},
			map[string]interface{}{"name": "v"},
		},
	}
	r, err := resolveOne(t, ResolveOptions{}, entry, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.ColumnNames(); !reflect.DeepEqual(got, []string{"id", "v"}) {
		t.Errorf("ColumnNames() = %v", got)
	}
	if got := r.PrimaryKeyColumns(); !reflect.DeepEqual(got, []string{"id"}) {
		t.Errorf("PrimaryKeyColumns() = %v", got)
	}
	if got := r.DistributionKeyColumns(); !reflect.DeepEqual(got, []string{"id"}) {
		t.Errorf("DistributionKeyColumns() = %v", got)
	}
	if r.TableID != (storageapi.TableID{Stage: "in", Bucket: "c-x", Table: "t"}) {
		t.Errorf("TableID = %v", r.TableID)
	}
}

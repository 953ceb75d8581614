package mapping

import (
	"fmt"
	"path"
	"reflect"
	"sort"
	"strings"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/storageapi"
)

var resolverLog = logging.For("resolver")

// Provenance tag names appended to staging files.
const (
	TagComponentID        = "componentId"
	TagConfigurationID    = "configurationId"
	TagConfigurationRowID = "configurationRowId"
	TagRunID              = "runId"
	TagBranchID           = "branchId"
)

// Resolver merges manifests with mapping entries. It holds no per-table state.
type Resolver struct {
	opts ResolveOptions
}

// NewResolver creates a resolver for one run.
func NewResolver(opts ResolveOptions) *Resolver {
	return &Resolver{opts: opts}
}

// Resolve produces the ResolvedMapping for src. manifest is the parsed manifest
// content, nil when the source has none. Failures are *ConfigurationError.
func (r *Resolver) Resolve(src CombinedSource, manifest map[string]interface{}) (*ResolvedMapping, error) {
	name := src.Name()

	manifestMap := config.TableMappingDefaults()
	for key, val := range manifest {
		if key == config.KeySource {
			continue
		}
		if !config.IsTableMappingKey(key) {
			resolverLog.Logf(logging.Warning, "Manifest of '%s' has unknown key '%s', ignoring it.", name, key)
			continue
		}
		manifestMap[key] = val
	}
	if dest, ok := manifestMap[config.KeyDestination].(string); ok && dest != "" {
		manifestMap[config.KeyDestination] = NormalizeDestination(dest, r.opts.DefaultBucket)
	}

	mappingMap := make(map[string]interface{}, len(src.Mapping))
	for key, val := range src.Mapping {
		if key != config.KeySource {
			mappingMap[key] = val
		}
	}

	merged := MergeTableMaps(manifestMap, mappingMap)

	if dest, _ := merged[config.KeyDestination].(string); dest == "" {
		derived, err := r.destinationFromName(name)
		if err != nil {
			return nil, err
		}
		merged[config.KeyDestination] = derived
	}

	tm, problems := config.DecodeTableMapping(merged)
	if len(problems) == 0 {
		problems = config.ValidateTableMapping(tm)
	}
	tableID, idErr := storageapi.ParseTableID(tm.Destination)
	if idErr != nil {
		problems = append(problems, config.FieldError{Field: config.KeyDestination, Message: idErr.Error()})
	}
	if len(problems) > 0 {
		return nil, &ConfigurationError{Source: name, Problems: problems}
	}

	tm.PrimaryKey = normalizeKeyColumns(name, tm.PrimaryKey)

	if r.opts.System.IsDevBranch() && !r.opts.BranchStorage {
		rewritten := tableID
		rewritten.Bucket = storageapi.BranchBucketName(tableID.Bucket, r.opts.System.BranchID)
		resolverLog.Logf(logging.Debug, "Rewriting destination of '%s' for branch %s: %s -> %s", name, r.opts.System.BranchID, tableID, rewritten)
		tableID = rewritten
	}
	tm.Destination = tableID.String()

	if r.opts.TagStagingFiles {
		tm.Tags = appendUnique(tm.Tags, r.systemTags()...)
	}

	return &ResolvedMapping{Source: src, TableID: tableID, TableMapping: *tm}, nil
}

// destinationFromName derives "<defaultBucket>.<name without .csv>".
func (r *Resolver) destinationFromName(name string) (string, error) {
	if r.opts.DefaultBucket == "" {
		return "", newConfigurationError(name, config.KeyDestination,
			"no destination set and no default bucket to derive one from")
	}
	base := strings.TrimSuffix(path.Base(name), ".csv")
	dest := r.opts.DefaultBucket + "." + base
	resolverLog.Logf(logging.Warning, "Source '%s' has no destination, using '%s'. Deriving destinations from file names is deprecated, set 'destination' explicitly.", name, dest)
	return dest, nil
}

func (r *Resolver) systemTags() []string {
	sys := r.opts.System
	pairs := []struct{ key, value string }{
		{TagComponentID, sys.ComponentID},
		{TagConfigurationID, sys.ConfigurationID},
		{TagConfigurationRowID, sys.ConfigurationRowID},
		{TagRunID, sys.RunID},
		{TagBranchID, sys.BranchID},
	}
	var tags []string
	for _, p := range pairs {
		if p.value != "" {
			tags = append(tags, p.key+": "+p.value)
		}
	}
	return tags
}

// NormalizeDestination keeps full table ids and qualifies anything else with
// the default bucket. With no default bucket the value is returned unchanged.
func NormalizeDestination(dest, defaultBucket string) string {
	if storageapi.IsTableID(dest) || defaultBucket == "" {
		return dest
	}
	return defaultBucket + "." + dest
}

// MergeTableMaps merges override into base and returns a new map:
//   - scalars take the override unless it equals the field default
//   - metadata and column_metadata merge by key, override wins
//   - lists and objects take the override only when it is non-empty
func MergeTableMaps(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for key, val := range override {
		_, hasBase := out[key]
		switch {
		case key == config.KeyMetadata:
			out[key] = mergeMetadata(out[key], val)
		case key == config.KeyColumnMetadata:
			out[key] = mergeColumnMetadata(out[key], val)
		case config.IsScalarKey(key):
			if !hasBase || !isDefaultScalar(key, val) {
				out[key] = val
			}
		default:
			if !hasBase || !isEmptyValue(val) {
				out[key] = val
			}
		}
	}
	return out
}

func isDefaultScalar(key string, val interface{}) bool {
	if val == nil {
		return true
	}
	return val == config.DefaultTableValue(key)
}

func isEmptyValue(val interface{}) bool {
	if val == nil {
		return true
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() == 0
	}
	return false
}

// mergeMetadata upserts override entries by key. Malformed input is passed
// through untouched so that decoding reports it.
func mergeMetadata(base, override interface{}) interface{} {
	if override == nil {
		return base
	}
	o, err := config.ToMetadataList(override)
	if err != nil {
		return override
	}
	if base == nil {
		return o
	}
	b, err := config.ToMetadataList(base)
	if err != nil {
		return override
	}
	return upsertEntries(b, o)
}

func mergeColumnMetadata(base, override interface{}) interface{} {
	if override == nil {
		return base
	}
	o, err := config.ToColumnMetadata(override)
	if err != nil {
		return override
	}
	if base == nil {
		return o
	}
	b, err := config.ToColumnMetadata(base)
	if err != nil {
		return override
	}
	cols := make([]string, 0, len(o))
	for col := range o {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		b[col] = upsertEntries(b[col], o[col])
	}
	return b
}

func upsertEntries(base, updates []config.MetadataEntry) []config.MetadataEntry {
	out := append([]config.MetadataEntry(nil), base...)
	for _, u := range updates {
		found := false
		for i := range out {
			if out[i].Key == u.Key {
				out[i].Value = u.Value
				found = true
				break
			}
		}
		if !found {
			out = append(out, u)
		}
	}
	return out
}

// normalizeKeyColumns trims, drops empty names with a warning and removes duplicates.
func normalizeKeyColumns(source string, cols []string) []string {
	if cols == nil {
		return nil
	}
	out := make([]string, 0, len(cols))
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		c = strings.TrimSpace(c)
		if c == "" {
			resolverLog.Logf(logging.Warning, "Found empty column name in primary key of '%s', dropping it.", source)
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]struct{}, len(list)+len(items))
	out := make([]string, 0, len(list)+len(items))
	for _, s := range append(append([]string(nil), list...), items...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// String is used in debug logs.
func (r *ResolvedMapping) String() string {
	return fmt.Sprintf("%s -> %s", r.SourceName(), r.TableID)
}

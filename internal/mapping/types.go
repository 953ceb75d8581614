// Package mapping turns physical output files, their manifests and the
// declarative mapping entries into resolved per-table configurations.
package mapping

import (
	"fmt"
	"strings"

	"output-mapping/internal/config"
	"output-mapping/internal/storageapi"
)

// DataItem is a file, sliced directory, workspace table or object produced by the job.
type DataItem struct {
	// Name is the key mapping entries and manifests refer to, e.g. "orders.csv".
	Name string
	// Path locates the bytes inside the staging area.
	Path     string
	IsSliced bool
	Size     int64
}

// ManifestItem is the sidecar "<name>.manifest" of a data item.
type ManifestItem struct {
	Name string
	Path string
}

// DataName returns the name of the data item the manifest describes.
func (m ManifestItem) DataName() string {
	return strings.TrimSuffix(m.Name, ManifestSuffix)
}

// ManifestSuffix is appended to a data item name to form its manifest name.
const ManifestSuffix = ".manifest"

// CombinedSource pairs one data item with at most one manifest and one mapping entry.
type CombinedSource struct {
	Item     DataItem
	Manifest *ManifestItem
	// Mapping is the raw mapping entry, nil when no entry references the item.
	Mapping map[string]interface{}
	// MappingIndex is the entry's position in the mapping list, -1 without one.
	MappingIndex int
}

// Name is the data item's name.
func (c CombinedSource) Name() string {
	return c.Item.Name
}

// SystemMetadata identifies the job producing the output.
type SystemMetadata struct {
	ComponentID        string
	ConfigurationID    string
	ConfigurationRowID string
	BranchID           string
	RunID              string
	DefaultBranch      bool
}

// IsDevBranch reports whether the run happens in a non-default branch.
func (s SystemMetadata) IsDevBranch() bool {
	return !s.DefaultBranch && s.BranchID != ""
}

// ResolveOptions steer the resolver.
type ResolveOptions struct {
	DefaultBucket   string
	System          SystemMetadata
	TagStagingFiles bool
	// BranchStorage means the remote isolates branches, so no rewrite happens.
	BranchStorage bool
}

// ResolvedMapping is the final configuration of one table load. It is not
// modified after Resolve returns.
type ResolvedMapping struct {
	Source      CombinedSource
	TableID     storageapi.TableID
	config.TableMapping
}

// SourceName is the data item name used in logs and errors.
func (r *ResolvedMapping) SourceName() string {
	return r.Source.Name()
}

// ConfigurationError reports an unusable table configuration. It is never retried.
type ConfigurationError struct {
	Source   string
	Problems []config.FieldError
}

func newConfigurationError(source, field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Source: source, Problems: []config.FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Error()
	}
	return fmt.Sprintf("invalid configuration for source '%s': %s", e.Source, strings.Join(parts, "; "))
}

// Field returns the path of the first problem.
func (e *ConfigurationError) Field() string {
	if len(e.Problems) == 0 {
		return ""
	}
	return e.Problems[0].Field
}

// ColumnNames returns the declared column names, taken from the schema when one is set.
func (r *ResolvedMapping) ColumnNames() []string {
	if len(r.Schema) == 0 {
		return append([]string(nil), r.Columns...)
	}
	names := make([]string, len(r.Schema))
	for i, c := range r.Schema {
		names[i] = c.Name
	}
	return names
}

// PrimaryKeyColumns returns the primary key, taken from schema flags when a schema is set.
func (r *ResolvedMapping) PrimaryKeyColumns() []string {
	if len(r.Schema) == 0 {
		return append([]string(nil), r.PrimaryKey...)
	}
	var pk []string
	for _, c := range r.Schema {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// DistributionKeyColumns mirrors PrimaryKeyColumns for the distribution key.
func (r *ResolvedMapping) DistributionKeyColumns() []string {
	if len(r.Schema) == 0 {
		return append([]string(nil), r.DistributionKey...)
	}
	var dk []string
	for _, c := range r.Schema {
		if c.DistributionKey {
			dk = append(dk, c.Name)
		}
	}
	return dk
}

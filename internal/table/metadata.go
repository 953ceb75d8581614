package table

import (
	"sort"

	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
)

// ProviderSystem owns provenance metadata.
const ProviderSystem = "system"

// Provenance key prefixes.
const (
	createdByPrefix     = "KBC.createdBy."
	lastUpdatedByPrefix = "KBC.lastUpdatedBy."
)

// MetadataSetter attaches provenance and user metadata to tasks. It makes no remote calls.
type MetadataSetter struct {
	system mapping.SystemMetadata
}

// NewMetadataSetter creates a setter for the producing job.
func NewMetadataSetter(system mapping.SystemMetadata) *MetadataSetter {
	return &MetadataSetter{system: system}
}

// Attach returns a copy of task carrying the metadata batches to apply after
// the load succeeds.
func (m *MetadataSetter) Attach(task *LoadTask, rm *mapping.ResolvedMapping) *LoadTask {
	out := *task
	out.Metadata = append([]MetadataBatch(nil), task.Metadata...)

	// A table this run created gets createdBy keys, any other gets lastUpdatedBy.
	prefix := lastUpdatedByPrefix
	if task.IsNewTable {
		prefix = createdByPrefix
	}
	out.Metadata = append(out.Metadata, MetadataBatch{Provider: ProviderSystem, Table: m.provenance(prefix)})

	if user, ok := m.userMetadata(rm); ok {
		out.Metadata = append(out.Metadata, user)
	}
	return &out
}

// provenance lists the system keys identifying the producing job. Row and
// branch ids are only set when they apply.
func (m *MetadataSetter) provenance(prefix string) []storageapi.Metadata {
	md := []storageapi.Metadata{
		{Key: prefix + "component.id", Value: m.system.ComponentID},
		{Key: prefix + "configuration.id", Value: m.system.ConfigurationID},
	}
	if m.system.ConfigurationRowID != "" {
		md = append(md, storageapi.Metadata{Key: prefix + "configurationRow.id", Value: m.system.ConfigurationRowID})
	}
	if m.system.IsDevBranch() {
		md = append(md, storageapi.Metadata{Key: prefix + "branch.id", Value: m.system.BranchID})
	}
	return md
}

// userMetadata collects metadata, description and column metadata under the
// component's provider. ok is false when there is nothing to set.
func (m *MetadataSetter) userMetadata(rm *mapping.ResolvedMapping) (MetadataBatch, bool) {
	batch := MetadataBatch{Provider: m.system.ComponentID}
	for _, e := range rm.Metadata {
		batch.Table = append(batch.Table, storageapi.Metadata{Key: e.Key, Value: e.Value})
	}
	// description wins over a KBC.description entry in metadata.
	if rm.Description != "" {
		batch.Table = upsert(batch.Table, storageapi.Metadata{Key: MetaDescription, Value: rm.Description})
	}

	columns := make(map[string][]storageapi.Metadata)
	for col, entries := range rm.ColumnMetadata {
		for _, e := range entries {
			columns[col] = append(columns[col], storageapi.Metadata{Key: e.Key, Value: e.Value})
		}
	}
	// Schema column metadata is a map; sort the keys for a stable request.
	for _, c := range rm.Schema {
		keys := make([]string, 0, len(c.Metadata))
		for k := range c.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			columns[c.Name] = upsert(columns[c.Name], storageapi.Metadata{Key: k, Value: c.Metadata[k]})
		}
		if c.Description != "" {
			columns[c.Name] = upsert(columns[c.Name], storageapi.Metadata{Key: MetaDescription, Value: c.Description})
		}
	}
	if len(columns) > 0 {
		batch.Columns = columns
	}
	return batch, len(batch.Table) > 0 || len(batch.Columns) > 0
}

// upsert replaces the entry with md's key, or appends md.
func upsert(list []storageapi.Metadata, md storageapi.Metadata) []storageapi.Metadata {
	for i := range list {
		if list[i].Key == md.Key {
			list[i].Value = md.Value
			return list
		}
	}
	return append(list, md)
}

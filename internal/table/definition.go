package table

import (
	"sort"
	"strings"

	"output-mapping/internal/config"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
)

// Column metadata keys declaring legacy column types.
const (
	MetaBaseType    = "KBC.datatype.basetype"
	MetaType        = "KBC.datatype.type"
	MetaLength      = "KBC.datatype.length"
	MetaNullable    = "KBC.datatype.nullable"
	MetaDefault     = "KBC.datatype.default"
	MetaBackend     = "KBC.datatype.backend"
	MetaDescription = "KBC.description"
)

// TypeRules control how declared column types turn into remote column definitions.
type TypeRules struct {
	TypeSupport      string
	EnforceBaseTypes bool
	// Backend is the remote storage engine; native types declared for other
	// backends are ignored.
	Backend string
}

// Typed reports whether typed tables may be created at all.
func (r TypeRules) Typed() bool {
	return r.TypeSupport != "" && !strings.EqualFold(r.TypeSupport, config.TypeSupportNone)
}

// nativeAllowed reports whether backend-native types may replace base types.
// Only authoritative type support honours them, and only when base types are
// not enforced.
func (r TypeRules) nativeAllowed() bool {
	return strings.EqualFold(r.TypeSupport, config.TypeSupportAuthoritative) && !r.EnforceBaseTypes
}

// HasTypedColumnMetadata reports whether any column carries a base type in column_metadata.
func HasTypedColumnMetadata(rm *mapping.ResolvedMapping) bool {
	for _, entries := range rm.ColumnMetadata {
		for _, e := range entries {
			if e.Key == MetaBaseType && e.Value != "" {
				return true
			}
		}
	}
	return false
}

// DesiredColumns lists the columns the mapping declares. BaseType is empty for
// columns without a declared type and for every column when typing is off.
func (r TypeRules) DesiredColumns(rm *mapping.ResolvedMapping) []storageapi.Column {
	// A schema is authoritative: it carries names, types and nullability together.
	if len(rm.Schema) > 0 {
		cols := make([]storageapi.Column, len(rm.Schema))
		for i, c := range rm.Schema {
			cols[i] = r.schemaColumn(c)
		}
		return cols
	}

	// Legacy mappings: names from columns, types from column_metadata. With no
	// columns declared, typed metadata alone names the columns; the file order
	// is unknown, so they are sorted for a stable definition.
	names := rm.ColumnNames()
	if len(names) == 0 && HasTypedColumnMetadata(rm) {
		for name := range rm.ColumnMetadata {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	cols := make([]storageapi.Column, len(names))
	for i, name := range names {
		cols[i] = r.metadataColumn(name, rm.ColumnMetadata[name])
	}
	return cols
}

// schemaColumn converts one schema column. A definition for the remote
// backend overrides the base type's length and default when native types
// are allowed.
func (r TypeRules) schemaColumn(c config.SchemaColumn) storageapi.Column {
	col := storageapi.Column{Name: c.Name, Nullable: c.Nullable}
	if !r.Typed() || c.DataType == nil {
		return col
	}
	col.BaseType = strings.ToUpper(c.DataType.Base.Type)
	col.Length = c.DataType.Base.Length
	col.Default = c.DataType.Base.Default
	if spec, ok := c.DataType.Backends[r.Backend]; ok && r.nativeAllowed() {
		col.Native = spec.Type
		col.Length = spec.Length
		col.Default = spec.Default
	}
	return col
}

// metadataColumn converts the KBC.datatype.* entries of one column. Columns
// are nullable unless the metadata says otherwise.
func (r TypeRules) metadataColumn(name string, entries []config.MetadataEntry) storageapi.Column {
	col := storageapi.Column{Name: name, Nullable: true}
	if !r.Typed() {
		return col
	}
	// Later entries for the same key win.
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	col.BaseType = strings.ToUpper(values[MetaBaseType])
	if col.BaseType == "" {
		return col // No base type: the other entries describe nothing
	}
	col.Length = values[MetaLength]
	col.Default = values[MetaDefault]
	if v, ok := values[MetaNullable]; ok {
		col.Nullable = parseFlag(v)
	}
	// A native type only applies on the backend it was declared for.
	if values[MetaType] != "" && values[MetaBackend] == r.Backend && r.nativeAllowed() {
		col.Native = values[MetaType]
	}
	return col
}

// Definition builds a typed table definition. Undeclared types become STRING
// and primary key columns are never nullable.
func (r TypeRules) Definition(rm *mapping.ResolvedMapping) storageapi.TableDefinition {
	pk := rm.PrimaryKeyColumns()
	inPK := make(map[string]bool, len(pk))
	for _, c := range pk {
		inPK[c] = true
	}
	cols := r.DesiredColumns(rm)
	for i := range cols {
		if cols[i].BaseType == "" {
			cols[i].BaseType = config.BaseTypeString
		}
		if inPK[cols[i].Name] {
			cols[i].Nullable = false
		}
	}
	return storageapi.TableDefinition{
		Name:            rm.TableID.Table,
		Columns:         cols,
		PrimaryKey:      pk,
		DistributionKey: rm.DistributionKeyColumns(),
	}
}

// compatible reports whether a remote column can receive values of the desired one.
// Untyped columns on either side accept anything.
func compatible(current, desired storageapi.Column) bool {
	if current.BaseType == "" || desired.BaseType == "" {
		return true
	}
	return strings.EqualFold(current.BaseType, desired.BaseType)
}

// parseFlag reads the loose booleans found in column metadata values.
func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

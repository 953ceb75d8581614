package config

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Table mapping keys, shared by manifests and mapping entries.
const (
	KeySource              = "source"
	KeyDestination         = "destination"
	KeyIncremental         = "incremental"
	KeyDelimiter           = "delimiter"
	KeyEnclosure           = "enclosure"
	KeyHasHeader           = "has_header"
	KeyColumns             = "columns"
	KeyPrimaryKey          = "primary_key"
	KeyDistributionKey     = "distribution_key"
	KeyDeleteWhereColumn   = "delete_where_column"
	KeyDeleteWhereOperator = "delete_where_operator"
	KeyDeleteWhereValues   = "delete_where_values"
	KeyTreatValuesAsNull   = "treat_values_as_null"
	KeyTags                = "tags"
	KeyWriteAlways         = "write_always"
	KeyDescription         = "description"
	KeyMetadata            = "metadata"
	KeyColumnMetadata      = "column_metadata"
	KeySchema              = "schema"

	DeleteWhereOperatorEq = "eq"
	DeleteWhereOperatorNe = "ne"

	DefaultDelimiter = ","
	DefaultEnclosure = "\""
)

// Base column types understood by every backend.
const (
	BaseTypeString    = "STRING"
	BaseTypeInteger   = "INTEGER"
	BaseTypeNumeric   = "NUMERIC"
	BaseTypeFloat     = "FLOAT"
	BaseTypeBoolean   = "BOOLEAN"
	BaseTypeDate      = "DATE"
	BaseTypeTimestamp = "TIMESTAMP"
)

var knownBaseTypes = []string{BaseTypeString, BaseTypeInteger, BaseTypeNumeric, BaseTypeFloat, BaseTypeBoolean, BaseTypeDate, BaseTypeTimestamp}
var knownDeleteWhereOperators = []string{DeleteWhereOperatorEq, DeleteWhereOperatorNe}

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindStringList
	kindMetadata
	kindColumnMetadata
	kindSchema
)

// tableFields is the closed set of mapping keys with their kinds and defaults.
// Defaults are the values the merge rules compare against.
var tableFields = map[string]struct {
	kind fieldKind
	def  interface{}
}{
	KeyDestination:         {kindString, ""},
	KeyIncremental:         {kindBool, false},
	KeyDelimiter:           {kindString, DefaultDelimiter},
	KeyEnclosure:           {kindString, DefaultEnclosure},
	KeyHasHeader:           {kindBool, false},
	KeyColumns:             {kindStringList, nil},
	KeyPrimaryKey:          {kindStringList, nil},
	KeyDistributionKey:     {kindStringList, nil},
	KeyDeleteWhereColumn:   {kindString, ""},
	KeyDeleteWhereOperator: {kindString, DeleteWhereOperatorEq},
	KeyDeleteWhereValues:   {kindStringList, nil},
	KeyTreatValuesAsNull:   {kindStringList, nil},
	KeyTags:                {kindStringList, nil},
	KeyWriteAlways:         {kindBool, false},
	KeyDescription:         {kindString, ""},
	KeyMetadata:            {kindMetadata, nil},
	KeyColumnMetadata:      {kindColumnMetadata, nil},
	KeySchema:              {kindSchema, nil},
}

// IsTableMappingKey reports whether key is part of the table mapping schema.
func IsTableMappingKey(key string) bool {
	_, ok := tableFields[key]
	return ok
}

// IsScalarKey reports whether key holds a string or bool value.
func IsScalarKey(key string) bool {
	f, ok := tableFields[key]
	return ok && (f.kind == kindString || f.kind == kindBool)
}

// DefaultTableValue returns the default for a scalar key, nil for anything else.
func DefaultTableValue(key string) interface{} {
	return tableFields[key].def
}

// TableMappingDefaults returns the scalar defaults as a fresh raw map.
func TableMappingDefaults() map[string]interface{} {
	out := make(map[string]interface{}, len(tableFields))
	for key, f := range tableFields {
		if f.def != nil {
			out[key] = f.def
		}
	}
	return out
}

// MetadataEntry is a single key/value metadata pair.
type MetadataEntry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// DataTypeSpec is a type declaration for one backend.
type DataTypeSpec struct {
	Type    string `yaml:"type"`
	Length  string `yaml:"length,omitempty"`
	Default string `yaml:"default,omitempty"`
}

// ColumnDataType holds the portable base type plus optional native types keyed by backend.
type ColumnDataType struct {
	Base     DataTypeSpec            `yaml:"base"`
	Backends map[string]DataTypeSpec `yaml:",inline"`
}

// SchemaColumn is one column of a structural table schema.
type SchemaColumn struct {
	Name            string            `yaml:"name"`
	DataType        *ColumnDataType   `yaml:"data_type,omitempty"`
	Nullable        bool              `yaml:"nullable"`
	PrimaryKey      bool              `yaml:"primary_key,omitempty"`
	DistributionKey bool              `yaml:"distribution_key,omitempty"`
	Description     string            `yaml:"description,omitempty"`
	Metadata        map[string]string `yaml:"metadata,omitempty"`
}

// TableMapping is the typed view of a merged manifest and mapping entry.
type TableMapping struct {
	Destination         string
	Incremental         bool
	Delimiter           string
	Enclosure           string
	HasHeader           bool
	Columns             []string
	PrimaryKey          []string
	DistributionKey     []string
	DeleteWhereColumn   string
	DeleteWhereOperator string
	DeleteWhereValues   []string
	TreatValuesAsNull   []string
	Tags                []string
	WriteAlways         bool
	Description         string
	Metadata            []MetadataEntry
	ColumnMetadata      map[string][]MetadataEntry
	Schema              []SchemaColumn
}

// FieldError locates a problem in a table mapping by field path,
// for example "schema[2].data_type.base.type".
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// DecodeTableMapping converts a merged raw map into a TableMapping, checking value kinds.
// Unknown keys must be removed by the caller. Missing scalars take their defaults.
func DecodeTableMapping(raw map[string]interface{}) (*TableMapping, []FieldError) {
	var errs []FieldError
	tm := &TableMapping{
		Delimiter:           DefaultDelimiter,
		Enclosure:           DefaultEnclosure,
		DeleteWhereOperator: DeleteWhereOperatorEq,
	}

	str := func(key string, dst *string) {
		if v, ok := raw[key]; ok && v != nil {
			s, isStr := v.(string)
			if !isStr {
				errs = append(errs, FieldError{key, fmt.Sprintf("must be a string, got %T", v)})
				return
			}
			*dst = s
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := raw[key]; ok && v != nil {
			b, isBool := v.(bool)
			if !isBool {
				errs = append(errs, FieldError{key, fmt.Sprintf("must be a boolean, got %T", v)})
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := raw[key]; ok && v != nil {
			items, err := toStringList(v)
			if err != nil {
				errs = append(errs, FieldError{key, err.Error()})
				return
			}
			*dst = items
		}
	}

	str(KeyDestination, &tm.Destination)
	boolean(KeyIncremental, &tm.Incremental)
	str(KeyDelimiter, &tm.Delimiter)
	str(KeyEnclosure, &tm.Enclosure)
	boolean(KeyHasHeader, &tm.HasHeader)
	list(KeyColumns, &tm.Columns)
	list(KeyPrimaryKey, &tm.PrimaryKey)
	list(KeyDistributionKey, &tm.DistributionKey)
	str(KeyDeleteWhereColumn, &tm.DeleteWhereColumn)
	str(KeyDeleteWhereOperator, &tm.DeleteWhereOperator)
	list(KeyDeleteWhereValues, &tm.DeleteWhereValues)
	list(KeyTreatValuesAsNull, &tm.TreatValuesAsNull)
	list(KeyTags, &tm.Tags)
	boolean(KeyWriteAlways, &tm.WriteAlways)
	str(KeyDescription, &tm.Description)

	if v, ok := raw[KeyMetadata]; ok && v != nil {
		md, err := ToMetadataList(v)
		if err != nil {
			errs = append(errs, FieldError{KeyMetadata, err.Error()})
		}
		tm.Metadata = md
	}
	if v, ok := raw[KeyColumnMetadata]; ok && v != nil {
		cm, err := ToColumnMetadata(v)
		if err != nil {
			errs = append(errs, FieldError{KeyColumnMetadata, err.Error()})
		} else if len(cm) > 0 {
			tm.ColumnMetadata = cm
		}
	}
	if v, ok := raw[KeySchema]; ok && v != nil {
		cols, schemaErrs := decodeSchema(v)
		errs = append(errs, schemaErrs...)
		tm.Schema = cols
	}
	return tm, errs
}

func decodeSchema(v interface{}) ([]SchemaColumn, []FieldError) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, []FieldError{{KeySchema, fmt.Sprintf("must be a list of columns, got %T", v)}}
	}
	var errs []FieldError
	cols := make([]SchemaColumn, 0, len(items))
	for i, item := range items {
		prefix := fmt.Sprintf("%s[%d]", KeySchema, i)
		m, isMap := toStringKeyedMap(item)
		if !isMap {
			errs = append(errs, FieldError{prefix, fmt.Sprintf("must be a column object, got %T", item)})
			continue
		}
		col := SchemaColumn{Nullable: true}
		for key, val := range m {
			switch key {
			case "name":
				col.Name = scalarString(val)
			case "nullable":
				b, isBool := val.(bool)
				if !isBool {
					errs = append(errs, FieldError{prefix + ".nullable", "must be a boolean"})
				}
				col.Nullable = b
			case "primary_key":
				b, isBool := val.(bool)
				if !isBool {
					errs = append(errs, FieldError{prefix + ".primary_key", "must be a boolean"})
				}
				col.PrimaryKey = b
			case "distribution_key":
				b, isBool := val.(bool)
				if !isBool {
					errs = append(errs, FieldError{prefix + ".distribution_key", "must be a boolean"})
				}
				col.DistributionKey = b
			case "description":
				col.Description = scalarString(val)
			case "metadata":
				mm, isMap := toStringKeyedMap(val)
				if !isMap {
					errs = append(errs, FieldError{prefix + ".metadata", "must be a map"})
					continue
				}
				col.Metadata = make(map[string]string, len(mm))
				for mk, mv := range mm {
					col.Metadata[mk] = scalarString(mv)
				}
			case "data_type":
				dt, dtErrs := decodeDataType(prefix+".data_type", val)
				errs = append(errs, dtErrs...)
				col.DataType = dt
			default:
				errs = append(errs, FieldError{prefix + "." + key, "unknown column property"})
			}
		}
		cols = append(cols, col)
	}
	return cols, errs
}

func decodeDataType(prefix string, v interface{}) (*ColumnDataType, []FieldError) {
	m, ok := toStringKeyedMap(v)
	if !ok {
		return nil, []FieldError{{prefix, "must be an object"}}
	}
	var errs []FieldError
	dt := &ColumnDataType{}
	for backend, spec := range m {
		sm, isMap := toStringKeyedMap(spec)
		if !isMap {
			errs = append(errs, FieldError{prefix + "." + backend, "must be an object"})
			continue
		}
		ts := DataTypeSpec{
			Type:    scalarString(sm["type"]),
			Length:  scalarString(sm["length"]),
			Default: scalarString(sm["default"]),
		}
		if backend == "base" {
			dt.Base = ts
			continue
		}
		if dt.Backends == nil {
			dt.Backends = make(map[string]DataTypeSpec)
		}
		dt.Backends[backend] = ts
	}
	return dt, errs
}

// ValidateTableMapping checks the cross-field rules of a decoded mapping.
func ValidateTableMapping(tm *TableMapping) []FieldError {
	var errs []FieldError

	if len(tm.Schema) > 0 {
		exclusive := []struct {
			key string
			set bool
		}{
			{KeyColumns, len(tm.Columns) > 0},
			{KeyColumnMetadata, len(tm.ColumnMetadata) > 0},
			{KeyPrimaryKey, len(tm.PrimaryKey) > 0},
			{KeyDistributionKey, len(tm.DistributionKey) > 0},
		}
		for _, ex := range exclusive {
			if ex.set {
				errs = append(errs, FieldError{ex.key, fmt.Sprintf("cannot be combined with '%s'", KeySchema)})
			}
		}
		errs = append(errs, validateSchema(tm.Schema)...)
	}

	if utf8.RuneCountInString(tm.Delimiter) != 1 {
		errs = append(errs, FieldError{KeyDelimiter, fmt.Sprintf("must be exactly one character, got '%s'", tm.Delimiter)})
	}
	if utf8.RuneCountInString(tm.Enclosure) > 1 {
		errs = append(errs, FieldError{KeyEnclosure, fmt.Sprintf("must be at most one character, got '%s'", tm.Enclosure)})
	}
	if !isValidEnumValue(tm.DeleteWhereOperator, knownDeleteWhereOperators) {
		errs = append(errs, FieldError{KeyDeleteWhereOperator, fmt.Sprintf("invalid operator '%s', must be one of %v", tm.DeleteWhereOperator, knownDeleteWhereOperators)})
	}
	if len(tm.DeleteWhereValues) > 0 && tm.DeleteWhereColumn == "" {
		errs = append(errs, FieldError{KeyDeleteWhereColumn, fmt.Sprintf("is required when '%s' is set", KeyDeleteWhereValues)})
	}
	if tm.DeleteWhereColumn != "" && len(tm.DeleteWhereValues) == 0 {
		errs = append(errs, FieldError{KeyDeleteWhereValues, fmt.Sprintf("is required when '%s' is set", KeyDeleteWhereColumn)})
	}
	for i, c := range tm.Columns {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, FieldError{fmt.Sprintf("%s[%d]", KeyColumns, i), "column name cannot be empty"})
		}
	}

	// Column metadata keys are reported in a stable order.
	cols := make([]string, 0, len(tm.ColumnMetadata))
	for col := range tm.ColumnMetadata {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		for i, entry := range tm.ColumnMetadata[col] {
			if entry.Key == "" {
				errs = append(errs, FieldError{fmt.Sprintf("%s.%s[%d].key", KeyColumnMetadata, col, i), "is required"})
			}
		}
	}
	for i, entry := range tm.Metadata {
		if entry.Key == "" {
			errs = append(errs, FieldError{fmt.Sprintf("%s[%d].key", KeyMetadata, i), "is required"})
		}
	}
	return errs
}

func validateSchema(schema []SchemaColumn) []FieldError {
	var errs []FieldError
	seen := make(map[string]int, len(schema))
	for i, col := range schema {
		prefix := fmt.Sprintf("%s[%d]", KeySchema, i)
		if strings.TrimSpace(col.Name) == "" {
			errs = append(errs, FieldError{prefix + ".name", "is required"})
		} else if first, dup := seen[col.Name]; dup {
			errs = append(errs, FieldError{prefix + ".name", fmt.Sprintf("duplicate column '%s' (first defined at %s[%d])", col.Name, KeySchema, first)})
		} else {
			seen[col.Name] = i
		}
		if col.DataType == nil {
			continue
		}
		if col.DataType.Base.Type == "" {
			errs = append(errs, FieldError{prefix + ".data_type.base.type", "is required when data_type is set"})
		} else if !isValidEnumValue(col.DataType.Base.Type, knownBaseTypes) {
			errs = append(errs, FieldError{prefix + ".data_type.base.type", fmt.Sprintf("invalid base type '%s', must be one of %v", col.DataType.Base.Type, knownBaseTypes)})
		}
		for backend, spec := range col.DataType.Backends {
			if spec.Type == "" {
				errs = append(errs, FieldError{prefix + ".data_type." + backend + ".type", "is required"})
			}
		}
	}
	return errs
}

// IsValidBaseType reports whether t names a base type (case-insensitive).
func IsValidBaseType(t string) bool {
	return isValidEnumValue(t, knownBaseTypes)
}

// ToMetadataList converts a raw [{key, value}] list.
func ToMetadataList(v interface{}) ([]MetadataEntry, error) {
	switch typed := v.(type) {
	case []MetadataEntry:
		return append([]MetadataEntry(nil), typed...), nil
	case []interface{}:
		out := make([]MetadataEntry, 0, len(typed))
		for i, item := range typed {
			m, ok := toStringKeyedMap(item)
			if !ok {
				return nil, fmt.Errorf("item %d must be a {key, value} object, got %T", i, item)
			}
			out = append(out, MetadataEntry{Key: scalarString(m["key"]), Value: scalarString(m["value"])})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of {key, value} objects, got %T", v)
	}
}

// ToColumnMetadata converts a raw {column: [{key, value}]} map.
func ToColumnMetadata(v interface{}) (map[string][]MetadataEntry, error) {
	if typed, ok := v.(map[string][]MetadataEntry); ok {
		out := make(map[string][]MetadataEntry, len(typed))
		for col, entries := range typed {
			out[col] = append([]MetadataEntry(nil), entries...)
		}
		return out, nil
	}
	m, ok := toStringKeyedMap(v)
	if !ok {
		return nil, fmt.Errorf("must be a map of column name to metadata list, got %T", v)
	}
	out := make(map[string][]MetadataEntry, len(m))
	cols := make([]string, 0, len(m))
	for col := range m {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		md, err := ToMetadataList(m[col])
		if err != nil {
			return nil, fmt.Errorf("column '%s': %w", col, err)
		}
		out[col] = md
	}
	return out, nil
}

func toStringList(v interface{}) ([]string, error) {
	switch typed := v.(type) {
	case []string:
		return append([]string(nil), typed...), nil
	case []interface{}:
		out := make([]string, 0, len(typed))
		for i, item := range typed {
			switch item.(type) {
			case string, int, int64, float64, bool:
				out = append(out, scalarString(item))
			default:
				return nil, fmt.Errorf("item %d must be a scalar, got %T", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list, got %T", v)
	}
}

func toStringKeyedMap(v interface{}) (map[string]interface{}, bool) {
	switch typed := v.(type) {
	case map[string]interface{}:
		return typed, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, val := range typed {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func scalarString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// --- Test Helper Functions ---

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp config file: %v", err)
	}
	return path
}

// assertValidationError checks that err mentions every expected substring.
func assertValidationError(t *testing.T, err error, expectedSubstrings ...string) {
	t.Helper()
	if err == nil {
		t.Errorf("Expected a validation error, but got nil")
		return
	}
	for _, sub := range expectedSubstrings {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("Validation error missing expected substring %q.\nError was: %q", sub, err.Error())
		}
	}
}

func fieldErrorsContain(errs []FieldError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

const validLocalConfig = `
logging:
  level: debug
storage:
  type: local
  sourcePath: /data/out/tables
  slicer:
    path: /usr/local/bin/slicer
remote:
  dsn: postgres://u:p@localhost/storage
run:
  defaultBucket: out.c-main
  componentId: keboola.ex-db
  configurationId: "123"
  branchId: "42"
  defaultBranch: false
  features:
    tagStagingFiles: true
    typeSupport: authoritative
mapping:
  tables:
    - source: orders.csv
      destination: out.c-main.orders
      primary_key: [id]
    - source: orders.csv
      destination: out.c-archive.orders
`

// --- LoadConfig Tests ---

func TestLoadConfig_Success(t *testing.T) {
	cfg, err := LoadConfig(createTempConfigFile(t, validLocalConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}
	if cfg.Storage.Type != StorageTypeLocal {
		t.Errorf("Storage.Type = %q, want %q", cfg.Storage.Type, StorageTypeLocal)
	}
	if !cfg.Storage.Slicer.SlicingEnabled() {
		t.Error("slicer should be enabled when a path is configured")
	}
	if cfg.Run.IsDefaultBranch() {
		t.Error("IsDefaultBranch() = true, want false")
	}
	if cfg.Run.Concurrency != DefaultConcurrency {
		t.Errorf("Run.Concurrency = %d, want default %d", cfg.Run.Concurrency, DefaultConcurrency)
	}
	if cfg.Remote.Backend != RemoteBackendPostgres {
		t.Errorf("Remote.Backend = %q, want default %q", cfg.Remote.Backend, RemoteBackendPostgres)
	}
	if len(cfg.Mapping.Tables) != 2 {
		t.Fatalf("len(Mapping.Tables) = %d, want 2", len(cfg.Mapping.Tables))
	}
	wantPK := []interface{}{"id"}
	if !reflect.DeepEqual(cfg.Mapping.Tables[0][KeyPrimaryKey], wantPK) {
		t.Errorf("Tables[0].primary_key = %#v, want %#v", cfg.Mapping.Tables[0][KeyPrimaryKey], wantPK)
	}
	if !cfg.Run.FailuresFatal() {
		t.Error("FailuresFatal() should default to true")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assertValidationError(t, err, "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(createTempConfigFile(t, "storage: { type: local"))
	assertValidationError(t, err, "failed to parse YAML")
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{
			Type:            StorageTypeObjectWorkspace,
			SQLWorkspace:    &SQLWorkspaceConfig{Driver: WorkspaceDriverDuckDB},
			ObjectWorkspace: &ObjectWorkspaceConfig{},
		},
	}
	applyDefaults(cfg)

	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, DefaultLogLevel)
	}
	if cfg.Run.Features.TypeSupport != TypeSupportNone {
		t.Errorf("TypeSupport = %q, want %q", cfg.Run.Features.TypeSupport, TypeSupportNone)
	}
	if cfg.Storage.SQLWorkspace.Schema != "" {
		t.Errorf("duckdb schema = %q, want empty", cfg.Storage.SQLWorkspace.Schema)
	}
	if cfg.Storage.ObjectWorkspace.Region != DefaultObjectRegion {
		t.Errorf("Region = %q, want %q", cfg.Storage.ObjectWorkspace.Region, DefaultObjectRegion)
	}
	if cfg.Metrics.Job != DefaultMetricsJobName {
		t.Errorf("Metrics.Job = %q, want %q", cfg.Metrics.Job, DefaultMetricsJobName)
	}
}

// --- ValidateConfig Tests ---

func TestValidateConfig_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		substrs []string
	}{
		{
			name:    "missing storage type",
			yaml:    "run: { componentId: c }",
			substrs: []string{"Config.Storage.Type: is required"},
		},
		{
			name:    "unknown storage type",
			yaml:    "storage: { type: ftp }\nrun: { componentId: c }",
			substrs: []string{"invalid storage type 'ftp'"},
		},
		{
			name:    "local without source path",
			yaml:    "storage: { type: local }\nrun: { componentId: c }",
			substrs: []string{"Config.Storage.SourcePath: is required"},
		},
		{
			name:    "sql workspace without settings",
			yaml:    "storage: { type: sql-workspace, sourcePath: /m }\nrun: { componentId: c }",
			substrs: []string{"Config.Storage.SQLWorkspace: is required"},
		},
		{
			name:    "sql workspace bad driver",
			yaml:    "storage: { type: sql-workspace, sourcePath: /m, sqlWorkspace: { id: w, driver: oracle, dsn: x } }\nrun: { componentId: c }",
			substrs: []string{"SQLWorkspace.Driver: invalid driver 'oracle'"},
		},
		{
			name:    "object workspace half credentials",
			yaml:    "storage: { type: object-workspace, objectWorkspace: { id: w, bucket: b, accessKeyId: a } }\nrun: { componentId: c }",
			substrs: []string{"accessKeyId and secretAccessKey must be set together"},
		},
		{
			name:    "missing component and bad bucket",
			yaml:    "storage: { type: local, sourcePath: /d }\nrun: { defaultBucket: main }",
			substrs: []string{"Config.Run.ComponentID: is required", "Config.Run.DefaultBucket: 'main'"},
		},
		{
			name:    "non default branch without id",
			yaml:    "storage: { type: local, sourcePath: /d }\nrun: { componentId: c, defaultBranch: false }",
			substrs: []string{"Config.Run.BranchID: is required"},
		},
		{
			name:    "bad type support",
			yaml:    "storage: { type: local, sourcePath: /d }\nrun: { componentId: c, features: { typeSupport: strict } }",
			substrs: []string{"Features.TypeSupport: invalid value 'strict'"},
		},
		{
			name:    "mapping entry without source and unknown key",
			yaml:    "storage: { type: local, sourcePath: /d }\nrun: { componentId: c }\nmapping: { tables: [ { destination: in.c-a.b, colour: red } ] }",
			substrs: []string{"Config.Mapping.Tables[0].source: is required", "Config.Mapping.Tables[0].colour: unknown mapping key"},
		},
		{
			name:    "bad log level",
			yaml:    "logging: { level: loud }\nstorage: { type: local, sourcePath: /d }\nrun: { componentId: c }",
			substrs: []string{"Config.Logging.Level: invalid log level 'loud'"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(createTempConfigFile(t, tc.yaml))
			assertValidationError(t, err, append([]string{"configuration validation failed"}, tc.substrs...)...)
		})
	}
}

// --- Table mapping schema Tests ---

func TestTableMappingDefaults(t *testing.T) {
	got := TableMappingDefaults()
	want := map[string]interface{}{
		KeyDestination:         "",
		KeyIncremental:         false,
		KeyDelimiter:           ",",
		KeyEnclosure:           "\"",
		KeyHasHeader:           false,
		KeyDeleteWhereColumn:   "",
		KeyDeleteWhereOperator: "eq",
		KeyWriteAlways:         false,
		KeyDescription:         "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TableMappingDefaults() =\n%#v\nwant\n%#v", got, want)
	}
	got[KeyDelimiter] = ";"
	if TableMappingDefaults()[KeyDelimiter] != "," {
		t.Error("TableMappingDefaults must return a fresh map")
	}
}

func TestDecodeTableMapping(t *testing.T) {
	raw := map[string]interface{}{
		KeyDestination: "in.c-main.orders",
		KeyIncremental: true,
		KeyColumns:     []interface{}{"id", "name", 3},
		KeyPrimaryKey:  []string{"id"},
		KeyMetadata: []interface{}{
			map[string]interface{}{"key": "owner", "value": "ops"},
		},
		KeyColumnMetadata: map[string]interface{}{
			"id": []interface{}{map[string]interface{}{"key": "KBC.datatype.basetype", "value": "INTEGER"}},
		},
	}
	tm, errs := DecodeTableMapping(raw)
	if len(errs) != 0 {
		t.Fatalf("DecodeTableMapping() errs = %v", errs)
	}
	want := &TableMapping{
		Destination:         "in.c-main.orders",
		Incremental:         true,
		Delimiter:           ",",
		Enclosure:           "\"",
		Columns:             []string{"id", "name", "3"},
		PrimaryKey:          []string{"id"},
		DeleteWhereOperator: "eq",
		Metadata:            []MetadataEntry{{Key: "owner", Value: "ops"}},
		ColumnMetadata:      map[string][]MetadataEntry{"id": {{Key: "KBC.datatype.basetype", Value: "INTEGER"}}},
	}
	if !reflect.DeepEqual(tm, want) {
		t.Errorf("DecodeTableMapping() =\n%#v\nwant\n%#v", tm, want)
	}
}

func TestDecodeTableMapping_KindErrors(t *testing.T) {
	raw := map[string]interface{}{
		KeyIncremental: "yes",
		KeyColumns:     "a,b",
		KeyDelimiter:   44,
		KeySchema: []interface{}{
			map[string]interface{}{"name": "id", "nullable": "no", "colour": "x"},
		},
	}
	_, errs := DecodeTableMapping(raw)
	for _, field := range []string{KeyIncremental, KeyColumns, KeyDelimiter, "schema[0].nullable", "schema[0].colour"} {
		if !fieldErrorsContain(errs, field) {
			t.Errorf("expected field error for %q, got %v", field, errs)
		}
	}
}

func TestDecodeTableMapping_Schema(t *testing.T) {
	raw := map[string]interface{}{
		KeySchema: []interface{}{
			map[string]interface{}{
				"name":        "id",
				"primary_key": true,
				"nullable":    false,
				"data_type": map[string]interface{}{
					"base":     map[string]interface{}{"type": "INTEGER"},
					"postgres": map[string]interface{}{"type": "BIGINT", "default": 0},
				},
			},
			map[string]interface{}{"name": "note"},
		},
	}
	tm, errs := DecodeTableMapping(raw)
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(tm.Schema) != 2 {
		t.Fatalf("len(Schema) = %d, want 2", len(tm.Schema))
	}
	id := tm.Schema[0]
	if !id.PrimaryKey || id.Nullable || id.DataType.Base.Type != "INTEGER" {
		t.Errorf("unexpected id column: %#v", id)
	}
	if pg := id.DataType.Backends["postgres"]; pg.Type != "BIGINT" || pg.Default != "0" {
		t.Errorf("postgres type = %#v", pg)
	}
	if !tm.Schema[1].Nullable || tm.Schema[1].DataType != nil {
		t.Errorf("note column should default to nullable without type: %#v", tm.Schema[1])
	}
}

func TestValidateTableMapping(t *testing.T) {
	testCases := []struct {
		name       string
		tm         TableMapping
		wantFields []string
	}{
		{
			name: "valid",
			tm:   TableMapping{Delimiter: ",", Enclosure: "\"", DeleteWhereOperator: "eq", Columns: []string{"a"}},
		},
		{
			name: "schema with columns and primary key",
			tm: TableMapping{Delimiter: ",", DeleteWhereOperator: "eq", Columns: []string{"a"}, PrimaryKey: []string{"a"},
				Schema: []SchemaColumn{{Name: "a"}}},
			wantFields: []string{KeyColumns, KeyPrimaryKey},
		},
		{
			name: "schema with column metadata and distribution key",
			tm: TableMapping{Delimiter: ",", DeleteWhereOperator: "eq", DistributionKey: []string{"a"},
				ColumnMetadata: map[string][]MetadataEntry{"a": {{Key: "k", Value: "v"}}},
				Schema:         []SchemaColumn{{Name: "a"}}},
			wantFields: []string{KeyColumnMetadata, KeyDistributionKey},
		},
		{
			name:       "delete where values without column",
			tm:         TableMapping{Delimiter: ",", DeleteWhereOperator: "eq", DeleteWhereValues: []string{"1"}},
			wantFields: []string{KeyDeleteWhereColumn},
		},
		{
			name:       "delete where column without values",
			tm:         TableMapping{Delimiter: ",", DeleteWhereOperator: "eq", DeleteWhereColumn: "a"},
			wantFields: []string{KeyDeleteWhereValues},
		},
		{
			name:       "bad operator and delimiter",
			tm:         TableMapping{Delimiter: ";;", Enclosure: "''", DeleteWhereOperator: "gt"},
			wantFields: []string{KeyDelimiter, KeyEnclosure, KeyDeleteWhereOperator},
		},
		{
			name: "schema problems",
			tm: TableMapping{Delimiter: ",", DeleteWhereOperator: "eq", Schema: []SchemaColumn{
				{Name: "a", DataType: &ColumnDataType{Base: DataTypeSpec{Type: "VARCHAR"}}},
				{Name: "a"},
				{Name: ""},
				{Name: "c", DataType: &ColumnDataType{Base: DataTypeSpec{Type: "DATE"}, Backends: map[string]DataTypeSpec{"postgres": {}}}},
			}},
			wantFields: []string{"schema[0].data_type.base.type", "schema[1].name", "schema[2].name", "schema[3].data_type.postgres.type"},
		},
		{
			name:       "empty metadata key",
			tm:         TableMapping{Delimiter: ",", DeleteWhereOperator: "eq", Metadata: []MetadataEntry{{Value: "x"}}},
			wantFields: []string{"metadata[0].key"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			errs := ValidateTableMapping(&tc.tm)
			if len(tc.wantFields) == 0 && len(errs) != 0 {
				t.Fatalf("ValidateTableMapping() = %v, want no errors", errs)
			}
			for _, f := range tc.wantFields {
				if !fieldErrorsContain(errs, f) {
					t.Errorf("missing field error %q in %v", f, errs)
				}
			}
		})
	}
}

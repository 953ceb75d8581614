package config

// Run configuration constants.
const (
	StorageTypeLocal           = "local"
	StorageTypeSQLWorkspace    = "sql-workspace"
	StorageTypeObjectWorkspace = "object-workspace"

	WorkspaceDriverPostgres  = "postgres"
	WorkspaceDriverSQLServer = "sqlserver"
	WorkspaceDriverDuckDB    = "duckdb"

	RemoteBackendPostgres = "postgres"
	RemoteBackendMemory   = "memory"

	TypeSupportNone          = "none"
	TypeSupportHints         = "hints"
	TypeSupportAuthoritative = "authoritative"

	DefaultLogLevel        = "info"
	DefaultConcurrency     = 1
	DefaultMetricsJobName  = "output-mapping"
	DefaultWorkspaceSchema = "public"
	DefaultObjectRegion    = "us-east-1"
)

// Config is the root of the run configuration YAML file.
type Config struct {
	// Logging controls verbosity. The -loglevel flag wins when set.
	Logging LoggingConfig `yaml:"logging"`
	// Storage describes where the produced tables currently live (the staging area).
	Storage StorageConfig `yaml:"storage"`
	// Remote points at the tabular storage service the tables are loaded into.
	Remote RemoteConfig `yaml:"remote"`
	// Run carries the identity of the producing job and pipeline switches.
	Run RunConfig `yaml:"run"`
	// Metrics configures the optional Prometheus pushgateway.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	// Mapping is the declarative table output mapping.
	Mapping MappingConfig `yaml:"mapping"`
}

// LoggingConfig holds the log level name ("none", "error", "warn", "info", "debug").
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig selects one staging backend and its settings.
type StorageConfig struct {
	// Type is one of "local", "sql-workspace", "object-workspace". Required.
	Type string `yaml:"type"`
	// SourcePath is the directory holding data files (local) and manifests
	// (local and sql-workspace). Environment variables are expanded.
	SourcePath string `yaml:"sourcePath"`
	// Slicer configures the external slicing executable (local only).
	Slicer *SlicerConfig `yaml:"slicer,omitempty"`
	// SQLWorkspace is required for type "sql-workspace".
	SQLWorkspace *SQLWorkspaceConfig `yaml:"sqlWorkspace,omitempty"`
	// ObjectWorkspace is required for type "object-workspace".
	ObjectWorkspace *ObjectWorkspaceConfig `yaml:"objectWorkspace,omitempty"`
}

// SlicerConfig describes the slicer executable.
type SlicerConfig struct {
	// Path to the executable. Empty disables slicing.
	Path string `yaml:"path"`
	// Enabled defaults to true when Path is set.
	Enabled *bool `yaml:"enabled,omitempty"`
	// MinSizeBytes skips files smaller than this. Zero slices everything eligible.
	MinSizeBytes int64 `yaml:"minSizeBytes,omitempty"`
}

// SQLWorkspaceConfig points at a SQL database holding one table per output.
type SQLWorkspaceConfig struct {
	// ID is the workspace identifier passed to the remote service with each load.
	ID string `yaml:"id"`
	// Driver is "postgres", "sqlserver" or "duckdb".
	Driver string `yaml:"driver"`
	// DSN is the driver connection string. Environment variables are expanded.
	DSN string `yaml:"dsn"`
	// Schema holding the output tables. Defaults to "public" (ignored by duckdb).
	Schema string `yaml:"schema,omitempty"`
}

// ObjectWorkspaceConfig points at an S3 compatible bucket holding output objects.
type ObjectWorkspaceConfig struct {
	ID              string `yaml:"id"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	// UsePathStyle is needed by most self-hosted endpoints.
	UsePathStyle bool `yaml:"usePathStyle,omitempty"`
}

// RemoteConfig holds the connection to the remote storage service.
type RemoteConfig struct {
	// DSN of the backing database. Overridden by -remote or REMOTE_DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Backend names the remote engine; determines native type names. Defaults to "postgres".
	Backend string `yaml:"backend,omitempty"`
}

// RunConfig identifies the producing job and toggles pipeline behavior.
type RunConfig struct {
	// DefaultBucket qualifies manifest destinations that are bare table names.
	DefaultBucket      string `yaml:"defaultBucket,omitempty"`
	ComponentID        string `yaml:"componentId"`
	ConfigurationID    string `yaml:"configurationId,omitempty"`
	ConfigurationRowID string `yaml:"configurationRowId,omitempty"`
	BranchID           string `yaml:"branchId,omitempty"`
	// DefaultBranch reports whether BranchID is the project's default branch.
	// Nil means true.
	DefaultBranch *bool  `yaml:"defaultBranch,omitempty"`
	RunID         string `yaml:"runId,omitempty"`
	// FailedJob marks a run whose producing job failed; see -failed-job.
	FailedJob bool `yaml:"failedJob,omitempty"`
	// Concurrency bounds the per-table resolution pool. Defaults to 1.
	Concurrency int `yaml:"concurrency,omitempty"`
	// SubmitRate limits load job submissions per second. Zero is unlimited.
	SubmitRate float64 `yaml:"submitRate,omitempty"`
	// TreatFailuresAsFatal makes any failed load job fail the process. Defaults to true.
	TreatFailuresAsFatal *bool `yaml:"treatFailuresAsFatal,omitempty"`
	// Features are project level switches.
	Features FeaturesConfig `yaml:"features,omitempty"`
}

// FeaturesConfig carries project feature switches.
type FeaturesConfig struct {
	TagStagingFiles bool `yaml:"tagStagingFiles,omitempty"`
	// BranchStorage means the remote isolates branches itself, so destinations are not rewritten.
	BranchStorage bool `yaml:"branchStorage,omitempty"`
	// TypeSupport is "none", "hints" or "authoritative". Defaults to "none".
	TypeSupport      string `yaml:"typeSupport,omitempty"`
	EnforceBaseTypes bool   `yaml:"enforceBaseTypes,omitempty"`
}

// MetricsConfig configures the pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgatewayUrl,omitempty"`
	Job            string `yaml:"job,omitempty"`
}

// MappingConfig holds raw mapping entries. They stay untyped until the resolver
// has merged them with their manifests.
type MappingConfig struct {
	Tables []map[string]interface{} `yaml:"tables"`
}

// IsDefaultBranch resolves the DefaultBranch pointer.
func (r RunConfig) IsDefaultBranch() bool {
	return r.DefaultBranch == nil || *r.DefaultBranch
}

// FailuresFatal resolves the TreatFailuresAsFatal pointer.
func (r RunConfig) FailuresFatal() bool {
	return r.TreatFailuresAsFatal == nil || *r.TreatFailuresAsFatal
}

// SlicingEnabled reports whether a slicer executable is configured and switched on.
func (s *SlicerConfig) SlicingEnabled() bool {
	if s == nil || s.Path == "" {
		return false
	}
	return s.Enabled == nil || *s.Enabled
}

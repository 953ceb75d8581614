package config

import (
	"fmt"
	"strings"

	"output-mapping/internal/logging"
)

var (
	knownLogLevels        = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownStorageTypes     = []string{StorageTypeLocal, StorageTypeSQLWorkspace, StorageTypeObjectWorkspace}
	knownWorkspaceDrivers = []string{WorkspaceDriverPostgres, WorkspaceDriverSQLServer, WorkspaceDriverDuckDB}
	knownRemoteBackends   = []string{RemoteBackendPostgres, RemoteBackendMemory}
	knownTypeSupport      = []string{TypeSupportNone, TypeSupportHints, TypeSupportAuthoritative}
)

// isValidEnumValue is a case-insensitive membership test.
func isValidEnumValue(value string, allowedValues []string) bool {
	lowerValue := strings.ToLower(value)
	for _, allowed := range allowedValues {
		if lowerValue == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// ValidateConfig validates the whole run configuration and reports every
// problem at once, one "- Config.Path: message" line each.
func ValidateConfig(cfg *Config) error {
	var allErrors []string

	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Logging.Level: invalid log level '%s', must be one of %v", cfg.Logging.Level, knownLogLevels))
	}

	allErrors = append(allErrors, validateStorageConfig("Config.Storage", &cfg.Storage)...)
	allErrors = append(allErrors, validateRemoteConfig("Config.Remote", &cfg.Remote)...)
	allErrors = append(allErrors, validateRunConfig("Config.Run", &cfg.Run)...)
	allErrors = append(allErrors, validateMappingConfig("Config.Mapping", &cfg.Mapping)...)

	if len(allErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(allErrors, "\n"))
	}
	logging.Logf(logging.Debug, "Configuration validation successful.")
	return nil
}

func validateStorageConfig(prefix string, cfg *StorageConfig) []string {
	var errs []string
	if cfg.Type == "" {
		return append(errs, fmt.Sprintf("- %s.Type: is required", prefix))
	}
	if !isValidEnumValue(cfg.Type, knownStorageTypes) {
		return append(errs, fmt.Sprintf("- %s.Type: invalid storage type '%s', must be one of %v", prefix, cfg.Type, knownStorageTypes))
	}

	switch strings.ToLower(cfg.Type) {
	case StorageTypeLocal:
		if cfg.SourcePath == "" {
			errs = append(errs, fmt.Sprintf("- %s.SourcePath: is required for storage type '%s'", prefix, cfg.Type))
		}
		if cfg.Slicer != nil && cfg.Slicer.MinSizeBytes < 0 {
			errs = append(errs, fmt.Sprintf("- %s.Slicer.MinSizeBytes: cannot be negative", prefix))
		}
		if cfg.SQLWorkspace != nil || cfg.ObjectWorkspace != nil {
			logging.Logf(logging.Warning, "Validation: %s workspace settings are ignored for storage type '%s'", prefix, cfg.Type)
		}
	case StorageTypeSQLWorkspace:
		if cfg.SourcePath == "" {
			errs = append(errs, fmt.Sprintf("- %s.SourcePath: is required for storage type '%s' (manifest directory)", prefix, cfg.Type))
		}
		if cfg.SQLWorkspace == nil {
			errs = append(errs, fmt.Sprintf("- %s.SQLWorkspace: is required for storage type '%s'", prefix, cfg.Type))
			break
		}
		ws := cfg.SQLWorkspace
		if ws.ID == "" {
			errs = append(errs, fmt.Sprintf("- %s.SQLWorkspace.ID: is required", prefix))
		}
		if !isValidEnumValue(ws.Driver, knownWorkspaceDrivers) {
			errs = append(errs, fmt.Sprintf("- %s.SQLWorkspace.Driver: invalid driver '%s', must be one of %v", prefix, ws.Driver, knownWorkspaceDrivers))
		}
		if ws.DSN == "" && !strings.EqualFold(ws.Driver, WorkspaceDriverDuckDB) {
			errs = append(errs, fmt.Sprintf("- %s.SQLWorkspace.DSN: is required for driver '%s'", prefix, ws.Driver))
		}
		if cfg.Slicer != nil {
			logging.Logf(logging.Warning, "Validation: %s.Slicer is ignored for storage type '%s'", prefix, cfg.Type)
		}
	case StorageTypeObjectWorkspace:
		if cfg.ObjectWorkspace == nil {
			errs = append(errs, fmt.Sprintf("- %s.ObjectWorkspace: is required for storage type '%s'", prefix, cfg.Type))
			break
		}
		ows := cfg.ObjectWorkspace
		if ows.ID == "" {
			errs = append(errs, fmt.Sprintf("- %s.ObjectWorkspace.ID: is required", prefix))
		}
		if ows.Bucket == "" {
			errs = append(errs, fmt.Sprintf("- %s.ObjectWorkspace.Bucket: is required", prefix))
		}
		if (ows.AccessKeyID == "") != (ows.SecretAccessKey == "") {
			errs = append(errs, fmt.Sprintf("- %s.ObjectWorkspace: accessKeyId and secretAccessKey must be set together", prefix))
		}
		if cfg.Slicer != nil {
			logging.Logf(logging.Warning, "Validation: %s.Slicer is ignored for storage type '%s'", prefix, cfg.Type)
		}
	}
	return errs
}

func validateRemoteConfig(prefix string, cfg *RemoteConfig) []string {
	var errs []string
	if !isValidEnumValue(cfg.Backend, knownRemoteBackends) {
		errs = append(errs, fmt.Sprintf("- %s.Backend: invalid backend '%s', must be one of %v", prefix, cfg.Backend, knownRemoteBackends))
	}
	return errs
}

func validateRunConfig(prefix string, cfg *RunConfig) []string {
	var errs []string
	if cfg.ComponentID == "" {
		errs = append(errs, fmt.Sprintf("- %s.ComponentID: is required", prefix))
	}
	if cfg.DefaultBucket != "" && strings.Count(cfg.DefaultBucket, ".") != 1 {
		errs = append(errs, fmt.Sprintf("- %s.DefaultBucket: '%s' must be a bucket id like 'in.c-main'", prefix, cfg.DefaultBucket))
	}
	if !cfg.IsDefaultBranch() && cfg.BranchID == "" {
		errs = append(errs, fmt.Sprintf("- %s.BranchID: is required when defaultBranch is false", prefix))
	}
	if cfg.SubmitRate < 0 {
		errs = append(errs, fmt.Sprintf("- %s.SubmitRate: cannot be negative", prefix))
	}
	if !isValidEnumValue(cfg.Features.TypeSupport, knownTypeSupport) {
		errs = append(errs, fmt.Sprintf("- %s.Features.TypeSupport: invalid value '%s', must be one of %v", prefix, cfg.Features.TypeSupport, knownTypeSupport))
	}
	return errs
}

// validateMappingConfig only checks what can be known before manifests are read.
// Full table rules run in the resolver, after merging.
func validateMappingConfig(prefix string, cfg *MappingConfig) []string {
	var errs []string
	for i, entry := range cfg.Tables {
		entryPrefix := fmt.Sprintf("%s.Tables[%d]", prefix, i)
		src, ok := entry[KeySource].(string)
		if !ok || strings.TrimSpace(src) == "" {
			errs = append(errs, fmt.Sprintf("- %s.source: is required", entryPrefix))
		}
		for key := range entry {
			if key != KeySource && !IsTableMappingKey(key) {
				errs = append(errs, fmt.Sprintf("- %s.%s: unknown mapping key", entryPrefix, key))
			}
		}
	}
	return errs
}

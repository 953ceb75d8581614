// Package strategy holds the staging-area backends: where produced tables
// live before they are loaded, and how the storage service gets to them.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"

	"gopkg.in/yaml.v3"
)

// ErrSlicingUnsupported is returned by SliceFiles of backends without a slicer.
var ErrSlicingUnsupported = errors.New("slicing is not supported by this storage backend")

// Strategy is one staging-area backend.
type Strategy interface {
	// ListSources returns the data items under prefix. Workspace backends
	// only look up the items named by the mapping entries.
	ListSources(ctx context.Context, prefix string, entries []map[string]interface{}) ([]mapping.DataItem, error)
	ListManifests(ctx context.Context, prefix string) ([]mapping.ManifestItem, error)
	ReadFileManifest(ctx context.Context, m mapping.ManifestItem) (map[string]interface{}, error)
	// PrepareLoadTaskOptions returns the backend part of the load options.
	PrepareLoadTaskOptions(ctx context.Context, rm *mapping.ResolvedMapping) (map[string]interface{}, error)
	HasSlicer() bool
	// SliceFiles slices eligible sources and returns them updated. Backends
	// without a slicer return ErrSlicingUnsupported.
	SliceFiles(ctx context.Context, sources []mapping.CombinedSource, typeSupport string) ([]mapping.CombinedSource, error)
	Close() error
}

// SliceSkippedError explains why a data item is uploaded unsliced.
type SliceSkippedError struct {
	Source string
	Reason string
}

func (e *SliceSkippedError) Error() string {
	return fmt.Sprintf("not slicing '%s': %s", e.Source, e.Reason)
}

// New creates the strategy for the configured storage type. client is used
// by backends that upload data themselves.
func New(ctx context.Context, cfg config.StorageConfig, client storageapi.Client) (Strategy, error) {
	storageType := strings.ToLower(cfg.Type)
	logging.Logf(logging.Debug, "Creating storage strategy for type: %s", storageType)

	switch storageType {
	case config.StorageTypeLocal:
		var slicer *Slicer
		if cfg.Slicer.SlicingEnabled() {
			slicer = &Slicer{Path: cfg.Slicer.Path, MinSizeBytes: cfg.Slicer.MinSizeBytes}
		}
		return NewLocal(client, slicer), nil
	case config.StorageTypeSQLWorkspace:
		if cfg.SQLWorkspace == nil {
			return nil, fmt.Errorf("storage type '%s' requires sqlWorkspace settings", cfg.Type)
		}
		return OpenSQLWorkspace(ctx, *cfg.SQLWorkspace, cfg.SourcePath)
	case config.StorageTypeObjectWorkspace:
		if cfg.ObjectWorkspace == nil {
			return nil, fmt.Errorf("storage type '%s' requires objectWorkspace settings", cfg.Type)
		}
		return NewObjectWorkspace(*cfg.ObjectWorkspace, nil), nil
	default:
		return nil, fmt.Errorf("unsupported storage type '%s'", cfg.Type)
	}
}

// parseManifest decodes manifest content. Manifests are YAML, which also covers JSON.
func parseManifest(name string, content []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(strings.TrimSpace(string(content))) == 0 {
		return out, nil
	}
	if err := yaml.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("failed to parse manifest '%s': %w", name, err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// entrySources returns the distinct source names of mapping entries in order.
func entrySources(entries []map[string]interface{}) []string {
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		name, _ := e[config.KeySource].(string)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

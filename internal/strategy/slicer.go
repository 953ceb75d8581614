package strategy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/util"

	"gopkg.in/yaml.v3"
)

// execCommand can be overridden in tests.
var execCommand = exec.CommandContext

var slicerLog = logging.For("slicer")

// Slicer runs the external slicer binary, which splits a CSV file into
// gzipped slices and reports the header it found.
type Slicer struct {
	Path         string
	MinSizeBytes int64
}

// skipReason returns why item must be uploaded as it is, or nil. raws are the
// manifest and the mapping entries that reference the item; nil maps are ignored.
func (s *Slicer) skipReason(item mapping.DataItem, raws []map[string]interface{}, typeSupport string) *SliceSkippedError {
	skip := func(reason string) *SliceSkippedError {
		return &SliceSkippedError{Source: item.Name, Reason: reason}
	}
	switch {
	case item.IsSliced:
		return skip("already sliced")
	case item.Size == 0:
		return skip("file is empty")
	case !isPlainCSV(item.Name):
		return skip("not a CSV file")
	case item.Size < s.MinSizeBytes:
		return skip(fmt.Sprintf("smaller than %d bytes", s.MinSizeBytes))
	}
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		if v, ok := raw[config.KeyColumns]; ok && !isEmptyList(v) {
			return skip("columns are declared")
		}
		if v, ok := raw[config.KeySchema]; ok && !isEmptyList(v) {
			return skip("schema is declared")
		}
		if b, ok := raw[config.KeyHasHeader].(bool); ok && b {
			return skip("has_header is set")
		}
		if d, ok := raw[config.KeyDelimiter].(string); ok && d != "" && d != config.DefaultDelimiter {
			return skip(fmt.Sprintf("delimiter '%s' is not the default", d))
		}
		if e, ok := raw[config.KeyEnclosure].(string); ok && e != config.DefaultEnclosure {
			return skip(fmt.Sprintf("enclosure '%s' is not the default", e))
		}
		if typeSupport != config.TypeSupportNone && hasTypedColumnMetadata(raw[config.KeyColumnMetadata]) {
			return skip("column types are declared")
		}
	}
	return nil
}

func isPlainCSV(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == "" || ext == ".csv"
}

func isEmptyList(v interface{}) bool {
	switch l := v.(type) {
	case nil:
		return true
	case []interface{}:
		return len(l) == 0
	case []string:
		return len(l) == 0
	}
	return false
}

func hasTypedColumnMetadata(v interface{}) bool {
	if v == nil {
		return false
	}
	cm, err := config.ToColumnMetadata(v)
	if err != nil {
		return false
	}
	for _, entries := range cm {
		for _, e := range entries {
			if strings.HasPrefix(e.Key, "KBC.datatype.") {
				return true
			}
		}
	}
	return false
}

// Slice replaces the file with a directory of slices and writes the manifest
// next to it, carrying the columns the slicer detected.
func (s *Slicer) Slice(ctx context.Context, item mapping.DataItem, current *mapping.ManifestItem, manifest map[string]interface{}) (mapping.DataItem, mapping.ManifestItem, error) {
	dir := filepath.Dir(item.Path)
	work, err := os.MkdirTemp(dir, ".slicer-")
	if err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	outDir := filepath.Join(work, "slices")
	outManifest := filepath.Join(work, item.Name+mapping.ManifestSuffix)
	cmd := execCommand(ctx, s.Path,
		"--table-input-path="+item.Path,
		"--table-output-path="+outDir,
		"--table-output-manifest-path="+outManifest,
		"--gzip",
	)
	slicerLog.Logf(logging.Debug, "Running %s", strings.Join(cmd.Args, " "))
	if out, err := cmd.CombinedOutput(); err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed for '%s': %w: %s", item.Name, err, util.Snippet(bytes.TrimSpace(out)))
	}

	content, err := os.ReadFile(outManifest)
	if err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer did not write a manifest for '%s': %w", item.Name, err)
	}
	produced, err := parseManifest(outManifest, content)
	if err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, err
	}

	merged := map[string]interface{}{}
	for k, v := range manifest {
		merged[k] = v
	}
	if cols, ok := produced[config.KeyColumns]; ok {
		merged[config.KeyColumns] = cols
	}

	manifestItem := mapping.ManifestItem{Name: item.Name + mapping.ManifestSuffix, Path: filepath.Join(dir, item.Name+mapping.ManifestSuffix)}
	if current != nil {
		manifestItem = *current
	}
	encoded, err := yaml.Marshal(merged)
	if err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed to encode manifest for '%s': %w", item.Name, err)
	}
	if err := os.WriteFile(manifestItem.Path, encoded, 0o644); err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed to write manifest '%s': %w", manifestItem.Path, err)
	}

	if err := os.Remove(item.Path); err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed to remove '%s': %w", item.Path, err)
	}
	if err := os.Rename(outDir, item.Path); err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed to move slices of '%s': %w", item.Name, err)
	}

	sliced := mapping.DataItem{Name: item.Name, Path: item.Path, IsSliced: true}
	if sliced.Size, err = dirSize(item.Path); err != nil {
		return mapping.DataItem{}, mapping.ManifestItem{}, fmt.Errorf("Slicer failed to stat slices of '%s': %w", item.Name, err)
	}
	slicerLog.Logf(logging.Info, "Sliced '%s' (%d bytes compressed)", item.Name, sliced.Size)
	return sliced, manifestItem, nil
}

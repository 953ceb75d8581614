package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"output-mapping/internal/config"
	"output-mapping/internal/convert"
	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
)

var localLog = logging.For("local")

// fsManifests reads manifests from a local directory. Both the local and
// the SQL workspace backend keep manifests on disk.
type fsManifests struct{}

func (fsManifests) ListManifests(_ context.Context, prefix string) ([]mapping.ManifestItem, error) {
	entries, err := os.ReadDir(prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests in '%s': %w", prefix, err)
	}
	var out []mapping.ManifestItem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), mapping.ManifestSuffix) {
			continue
		}
		out = append(out, mapping.ManifestItem{Name: e.Name(), Path: filepath.Join(prefix, e.Name())})
	}
	return out, nil
}

func (fsManifests) ReadFileManifest(_ context.Context, m mapping.ManifestItem) (map[string]interface{}, error) {
	content, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest '%s': %w", m.Path, err)
	}
	return parseManifest(m.Name, content)
}

// Local stages tables as files and sliced directories on the local disk and
// uploads them to the storage service.
type Local struct {
	fsManifests
	client storageapi.Client
	slicer *Slicer

	mu     sync.Mutex
	tmpDir string
}

// NewLocal creates a local strategy. slicer may be nil.
func NewLocal(client storageapi.Client, slicer *Slicer) *Local {
	return &Local{client: client, slicer: slicer}
}

// ListSources lists files and sliced directories under prefix. Manifests and
// hidden entries are skipped.
func (l *Local) ListSources(_ context.Context, prefix string, _ []map[string]interface{}) ([]mapping.DataItem, error) {
	entries, err := os.ReadDir(prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources in '%s': %w", prefix, err)
	}
	var items []mapping.DataItem
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, mapping.ManifestSuffix) {
			continue
		}
		item := mapping.DataItem{Name: name, Path: filepath.Join(prefix, name), IsSliced: e.IsDir()}
		if item.IsSliced {
			item.Size, err = dirSize(item.Path)
		} else {
			var info os.FileInfo
			info, err = e.Info()
			if err == nil {
				item.Size = info.Size()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat source '%s': %w", item.Path, err)
		}
		items = append(items, item)
	}
	localLog.Logf(logging.Debug, "Found %d source(s) in %s", len(items), prefix)
	return items, nil
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// PrepareLoadTaskOptions uploads the data item, converting spreadsheets and
// Parquet files to CSV first, and returns the uploaded file reference.
func (l *Local) PrepareLoadTaskOptions(ctx context.Context, rm *mapping.ResolvedMapping) (map[string]interface{}, error) {
	item := rm.Source.Item
	path := item.Path
	name := item.Name

	if !item.IsSliced && convert.NeedsConversion(item.Name) {
		if rm.Enclosure != config.DefaultEnclosure {
			return nil, fmt.Errorf("converted files are written with enclosure '%s', mapping declares '%s'", config.DefaultEnclosure, rm.Enclosure)
		}
		dir, err := l.workDir()
		if err != nil {
			return nil, err
		}
		name = strings.TrimSuffix(item.Name, filepath.Ext(item.Name)) + ".csv"
		path = filepath.Join(dir, rm.TableID.String()+"-"+name)
		if err := convert.ToCSV(item.Path, path, rm.Delimiter); err != nil {
			return nil, fmt.Errorf("converting '%s': %w", item.Name, err)
		}
	}

	fileID, err := l.client.UploadFile(ctx, path, storageapi.FileUploadOptions{
		Name:     name,
		Tags:     rm.Tags,
		IsSliced: item.IsSliced,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading '%s': %w", name, err)
	}
	localLog.Logf(logging.Debug, "Uploaded '%s' as file %s", name, fileID)
	return map[string]interface{}{
		storageapi.OptDataFileID: fileID,
		storageapi.OptGzip:       item.IsSliced || strings.HasSuffix(strings.ToLower(name), ".gz"),
	}, nil
}

func (l *Local) workDir() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tmpDir == "" {
		dir, err := os.MkdirTemp("", "output-mapping-")
		if err != nil {
			return "", fmt.Errorf("failed to create work directory: %w", err)
		}
		l.tmpDir = dir
	}
	return l.tmpDir, nil
}

func (l *Local) HasSlicer() bool {
	return l.slicer != nil
}

// SliceFiles slices every eligible data item once, however many sources
// share it. Ineligible items are logged and left untouched. A slicer failure
// is logged as a warning and the item is uploaded unsliced.
func (l *Local) SliceFiles(ctx context.Context, sources []mapping.CombinedSource, typeSupport string) ([]mapping.CombinedSource, error) {
	if l.slicer == nil {
		return nil, ErrSlicingUnsupported
	}
	out := append([]mapping.CombinedSource(nil), sources...)

	byItem := map[string][]int{}
	var order []string
	for i, s := range out {
		if _, ok := byItem[s.Name()]; !ok {
			order = append(order, s.Name())
		}
		byItem[s.Name()] = append(byItem[s.Name()], i)
	}

	for _, name := range order {
		idxs := byItem[name]
		first := out[idxs[0]]

		var manifest map[string]interface{}
		if first.Manifest != nil {
			m, err := l.ReadFileManifest(ctx, *first.Manifest)
			if err != nil {
				return nil, err
			}
			manifest = m
		}
		raws := []map[string]interface{}{manifest}
		for _, i := range idxs {
			raws = append(raws, out[i].Mapping)
		}

		if skip := l.slicer.skipReason(first.Item, raws, typeSupport); skip != nil {
			localLog.Logf(logging.Info, "%v", skip)
			continue
		}

		sliced, manifestItem, err := l.slicer.Slice(ctx, first.Item, first.Manifest, manifest)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The source is left as it was, so it can still be uploaded whole.
			localLog.Logf(logging.Warning, "Slicing '%s' failed, uploading it unsliced: %v", name, err)
			continue
		}
		for _, i := range idxs {
			out[i].Item = sliced
			m := manifestItem
			out[i].Manifest = &m
		}
	}
	return out, nil
}

// Close removes converted files.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tmpDir == "" {
		return nil
	}
	err := os.RemoveAll(l.tmpDir)
	l.tmpDir = ""
	return err
}

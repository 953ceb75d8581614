package strategy

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var objectLog = logging.For("object-workspace")

// objectAPI is the part of the S3 client the object workspace uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ObjectWorkspace stages outputs as objects in an S3 compatible bucket. An
// object is a table; a key prefix holding several objects is a sliced table.
type ObjectWorkspace struct {
	id     string
	bucket string
	prefix string
	api    objectAPI
}

// NewObjectWorkspace creates the backend. A nil api builds an S3 client from cfg.
func NewObjectWorkspace(cfg config.ObjectWorkspaceConfig, api objectAPI) *ObjectWorkspace {
	if api == nil {
		api = newS3Client(cfg)
	}
	return &ObjectWorkspace{
		id:     cfg.ID,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		api:    api,
	}
}

func newS3Client(cfg config.ObjectWorkspaceConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey, Source: "output-mapping"}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	return s3.New(opts)
}

func (w *ObjectWorkspace) root(prefix string) string {
	return strings.Trim(path.Join(w.prefix, prefix), "/")
}

type object struct {
	rel  string
	key  string
	size int64
}

// list returns every object below root, with keys relative to it.
func (w *ObjectWorkspace) list(ctx context.Context, root string) ([]object, error) {
	listPrefix := ""
	if root != "" && root != "." {
		listPrefix = root + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(w.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(w.bucket),
		Prefix: aws.String(listPrefix),
	})

	var objects []object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ObjectWorkspace failed to list 's3://%s/%s': %w", w.bucket, listPrefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, listPrefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			objects = append(objects, object{rel: rel, key: key, size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}

// ListSources groups objects into data items. Objects below a sub-prefix
// form one sliced item named after it.
func (w *ObjectWorkspace) ListSources(ctx context.Context, prefix string, _ []map[string]interface{}) ([]mapping.DataItem, error) {
	root := w.root(prefix)
	objects, err := w.list(ctx, root)
	if err != nil {
		return nil, err
	}

	items := map[string]*mapping.DataItem{}
	for _, obj := range objects {
		name, _, sliced := strings.Cut(obj.rel, "/")
		if !sliced && strings.HasSuffix(name, mapping.ManifestSuffix) {
			continue
		}
		item, ok := items[name]
		if !ok {
			item = &mapping.DataItem{Name: name, Path: obj.key, IsSliced: sliced}
			if sliced {
				item.Path = path.Join(root, name) + "/"
			}
			items[name] = item
		}
		item.Size += obj.size
	}

	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]mapping.DataItem, 0, len(names))
	for _, name := range names {
		out = append(out, *items[name])
	}
	objectLog.Logf(logging.Debug, "Found %d source(s) in s3://%s/%s", len(out), w.bucket, root)
	return out, nil
}

func (w *ObjectWorkspace) ListManifests(ctx context.Context, prefix string) ([]mapping.ManifestItem, error) {
	objects, err := w.list(ctx, w.root(prefix))
	if err != nil {
		return nil, err
	}
	var out []mapping.ManifestItem
	for _, obj := range objects {
		if strings.Contains(obj.rel, "/") || !strings.HasSuffix(obj.rel, mapping.ManifestSuffix) {
			continue
		}
		out = append(out, mapping.ManifestItem{Name: obj.rel, Path: obj.key})
	}
	return out, nil
}

func (w *ObjectWorkspace) ReadFileManifest(ctx context.Context, m mapping.ManifestItem) (map[string]interface{}, error) {
	resp, err := w.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(m.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("ObjectWorkspace failed to get manifest '%s': %w", m.Path, err)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ObjectWorkspace failed to read manifest '%s': %w", m.Path, err)
	}
	return parseManifest(m.Name, content)
}

// PrepareLoadTaskOptions points the load job at the object key, relative to
// the workspace prefix. Sliced items keep their trailing slash.
func (w *ObjectWorkspace) PrepareLoadTaskOptions(_ context.Context, rm *mapping.ResolvedMapping) (map[string]interface{}, error) {
	key := rm.Source.Item.Path
	if w.prefix != "" {
		key = strings.TrimPrefix(key, w.prefix+"/")
	}
	return map[string]interface{}{
		storageapi.OptDataWorkspaceID: w.id,
		storageapi.OptDataObject:      key,
	}, nil
}

func (w *ObjectWorkspace) HasSlicer() bool {
	return false
}

func (w *ObjectWorkspace) SliceFiles(context.Context, []mapping.CombinedSource, string) ([]mapping.CombinedSource, error) {
	return nil, ErrSlicingUnsupported
}

func (w *ObjectWorkspace) Close() error {
	return nil
}

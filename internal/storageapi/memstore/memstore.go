// Package memstore is an in-memory storage service. It backs
// "remote.backend: memory" for offline runs and stands in for the real
// service in tests.
package memstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"output-mapping/internal/storageapi"

	"github.com/google/uuid"
)

// BackendName is reported by Backend().
const BackendName = "memory"

// Load records one submitted load job.
type Load struct {
	JobID         string
	TableID       storageapi.TableID
	CreateAndLoad bool
	Options       map[string]interface{}
}

// Store implements storageapi.Client. The exported maps inject failures keyed
// by table id string and must be set before use.
type Store struct {
	// SubmitErrors fail SubmitLoadJob / SubmitCreateAndLoadJob synchronously.
	SubmitErrors map[string]error
	// JobErrors make the submitted job fail when awaited.
	JobErrors map[string]error
	// GetTableErrors fail GetTable with a transport error.
	GetTableErrors map[string]error

	mu       sync.Mutex
	buckets  map[string]string
	tables   map[string]*storageapi.TableState
	files    map[string]string
	metadata map[string]map[string][]storageapi.Metadata
	loads    []Load
	calls    []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		SubmitErrors:   map[string]error{},
		JobErrors:      map[string]error{},
		GetTableErrors: map[string]error{},
		buckets:        map[string]string{},
		tables:         map[string]*storageapi.TableState{},
		files:          map[string]string{},
		metadata:       map[string]map[string][]storageapi.Metadata{},
	}
}

func (s *Store) record(format string, args ...interface{}) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

// Calls returns the mutating operations in call order, e.g. "CreateBucket in.c-x".
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Loads returns submitted load jobs in submission order.
func (s *Store) Loads() []Load {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Load(nil), s.loads...)
}

// Metadata returns metadata set on a table by provider.
func (s *Store) Metadata(id storageapi.TableID, provider string) []storageapi.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storageapi.Metadata(nil), s.metadata[id.String()][provider]...)
}

// PutTable seeds an existing table.
func (s *Store) PutTable(state storageapi.TableState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[state.ID.BucketID().String()] = state.ID.Bucket
	cp := state
	cp.Columns = append([]storageapi.Column(nil), state.Columns...)
	s.tables[state.ID.String()] = &cp
}

// FilePath resolves an uploaded file id.
func (s *Store) FilePath(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.files[id]
	return p, ok
}

func (s *Store) Backend() string { return BackendName }

func (s *Store) BucketExists(_ context.Context, id storageapi.BucketID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[id.String()]
	return ok, nil
}

func (s *Store) CreateBucket(_ context.Context, id storageapi.BucketID, displayName string) (storageapi.BucketID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[id.String()]; ok {
		return id, &storageapi.RemoteServiceError{Op: "CreateBucket", Code: "bucket.exists", Err: fmt.Errorf("bucket %s already exists", id)}
	}
	s.buckets[id.String()] = displayName
	s.record("CreateBucket %s", id)
	return id, nil
}

func (s *Store) GetTable(_ context.Context, id storageapi.TableID) (*storageapi.TableState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.GetTableErrors[id.String()]; ok {
		return nil, &storageapi.RemoteServiceError{Op: "GetTable", Err: err}
	}
	t, ok := s.tables[id.String()]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", id, storageapi.ErrTableNotFound)
	}
	cp := *t
	cp.Columns = append([]storageapi.Column(nil), t.Columns...)
	return &cp, nil
}

func (s *Store) CreateTable(_ context.Context, bucket storageapi.BucketID, name string, columns []string, opts storageapi.CreateTableOptions) (storageapi.TableID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := bucket.Table(name)
	if err := s.checkCreatable(id); err != nil {
		return storageapi.TableID{}, err
	}
	cols := make([]storageapi.Column, len(columns))
	for i, c := range columns {
		cols[i] = storageapi.Column{Name: c, Nullable: true}
	}
	s.tables[id.String()] = &storageapi.TableState{ID: id, Columns: cols, Backend: BackendName, PrimaryKey: append([]string(nil), opts.PrimaryKey...)}
	s.record("CreateTable %s", id)
	return id, nil
}

func (s *Store) CreateTypedTable(_ context.Context, bucket storageapi.BucketID, def storageapi.TableDefinition) (storageapi.TableID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := bucket.Table(def.Name)
	if err := s.checkCreatable(id); err != nil {
		return storageapi.TableID{}, err
	}
	s.tables[id.String()] = &storageapi.TableState{
		ID:         id,
		Columns:    append([]storageapi.Column(nil), def.Columns...),
		Typed:      true,
		Backend:    BackendName,
		PrimaryKey: append([]string(nil), def.PrimaryKey...),
	}
	s.record("CreateTypedTable %s", id)
	return id, nil
}

func (s *Store) checkCreatable(id storageapi.TableID) error {
	if _, ok := s.buckets[id.BucketID().String()]; !ok {
		return fmt.Errorf("create %s: %w", id, storageapi.ErrBucketNotFound)
	}
	if _, ok := s.tables[id.String()]; ok {
		return &storageapi.RemoteServiceError{Op: "CreateTable", Code: "table.exists", Err: fmt.Errorf("table %s already exists", id)}
	}
	return nil
}

func (s *Store) AddColumn(_ context.Context, id storageapi.TableID, name string, def *storageapi.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id.String()]
	if !ok {
		return fmt.Errorf("add column to %s: %w", id, storageapi.ErrTableNotFound)
	}
	if _, exists := t.Column(name); exists {
		return fmt.Errorf("add column '%s' to %s: %w", name, id, storageapi.ErrColumnExists)
	}
	col := storageapi.Column{Name: name, Nullable: true}
	if def != nil {
		col = *def
		col.Name = name
	}
	t.Columns = append(t.Columns, col)
	s.record("AddColumn %s %s", id, name)
	return nil
}

func (s *Store) SubmitLoadJob(_ context.Context, id storageapi.TableID, options map[string]interface{}) (storageapi.Job, error) {
	return s.submit(id, false, options)
}

func (s *Store) SubmitCreateAndLoadJob(_ context.Context, bucket storageapi.BucketID, name string, options map[string]interface{}) (storageapi.Job, error) {
	return s.submit(bucket.Table(name), true, options)
}

func (s *Store) submit(id storageapi.TableID, createAndLoad bool, options map[string]interface{}) (storageapi.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.SubmitErrors[id.String()]; ok {
		return nil, &storageapi.RemoteServiceError{Op: "SubmitLoadJob", Err: err}
	}
	jobID := uuid.NewString()
	opts := make(map[string]interface{}, len(options))
	for k, v := range options {
		opts[k] = v
	}
	s.loads = append(s.loads, Load{JobID: jobID, TableID: id, CreateAndLoad: createAndLoad, Options: opts})
	if createAndLoad {
		s.record("CreateAndLoad %s", id)
	} else {
		s.record("Load %s", id)
	}
	return &job{store: s, id: jobID, table: id, createAndLoad: createAndLoad, options: opts}, nil
}

func (s *Store) UploadFile(_ context.Context, path string, opts storageapi.FileUploadOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.files[id] = path
	s.record("UploadFile %s", opts.Name)
	return id, nil
}

func (s *Store) SetTableMetadata(_ context.Context, id storageapi.TableID, provider string, table []storageapi.Metadata, columns map[string][]storageapi.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[id.String()]; !ok {
		return fmt.Errorf("set metadata on %s: %w", id, storageapi.ErrTableNotFound)
	}
	byProvider, ok := s.metadata[id.String()]
	if !ok {
		byProvider = map[string][]storageapi.Metadata{}
		s.metadata[id.String()] = byProvider
	}
	byProvider[provider] = upsertMetadata(byProvider[provider], table)
	cols := make([]string, 0, len(columns))
	for c := range columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		key := provider + "#" + c
		byProvider[key] = upsertMetadata(byProvider[key], columns[c])
	}
	s.record("SetTableMetadata %s %s", id, provider)
	return nil
}

func upsertMetadata(existing, updates []storageapi.Metadata) []storageapi.Metadata {
	out := append([]storageapi.Metadata(nil), existing...)
	for _, u := range updates {
		replaced := false
		for i := range out {
			if out[i].Key == u.Key {
				out[i].Value = u.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, u)
		}
	}
	return out
}

func (s *Store) WebalizeDisplayName(_ context.Context, name string) (string, error) {
	return storageapi.Webalize(name), nil
}

type job struct {
	store         *Store
	id            string
	table         storageapi.TableID
	createAndLoad bool
	options       map[string]interface{}
}

func (j *job) ID() string { return j.id }

// Wait applies the load's structural effect: create-and-load jobs create the
// table from the declared columns or the uploaded file's header.
func (j *job) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := j.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.JobErrors[j.table.String()]; ok {
		return &storageapi.JobError{JobID: j.id, TableID: j.table.String(), Err: err}
	}
	_, exists := s.tables[j.table.String()]
	if !j.createAndLoad {
		if !exists {
			return &storageapi.JobError{JobID: j.id, TableID: j.table.String(), Err: storageapi.ErrTableNotFound}
		}
		return nil
	}
	if exists {
		return nil
	}
	if _, ok := s.buckets[j.table.BucketID().String()]; !ok {
		return &storageapi.JobError{JobID: j.id, TableID: j.table.String(), Err: storageapi.ErrBucketNotFound}
	}
	columns, err := s.inferColumns(j.options)
	if err != nil {
		return &storageapi.JobError{JobID: j.id, TableID: j.table.String(), Err: err}
	}
	cols := make([]storageapi.Column, len(columns))
	for i, c := range columns {
		cols[i] = storageapi.Column{Name: c, Nullable: true}
	}
	pk := splitList(j.options[storageapi.OptPrimaryKey])
	s.tables[j.table.String()] = &storageapi.TableState{ID: j.table, Columns: cols, Backend: BackendName, PrimaryKey: pk}
	return nil
}

func (s *Store) inferColumns(options map[string]interface{}) ([]string, error) {
	if cols, ok := options[storageapi.OptColumns].([]string); ok && len(cols) > 0 {
		return cols, nil
	}
	fileID, _ := options[storageapi.OptDataFileID].(string)
	path, ok := s.files[fileID]
	if !ok {
		return nil, errors.New("cannot infer columns: no columns and no readable data file")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot infer columns: %w", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	if d, ok := options[storageapi.OptDelimiter].(string); ok && len([]rune(d)) == 1 {
		r.Comma = []rune(d)[0]
	}
	header, err := r.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot infer columns from header: %w", err)
	}
	return header, nil
}

func splitList(v interface{}) []string {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

package pgstore

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/storageapi"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const stagingTable = "_om_staging"

// loadRequest is a decoded set of load options.
type loadRequest struct {
	columns           []string
	primaryKey        []string
	incremental       bool
	ignoredLines      int
	delimiter         rune
	enclosure         string
	treatValuesAsNull []string
	deleteWhere       *storageapi.DeleteWhere
	fileID            string
	gzip              bool
	distributionKey   []string
}

func decodeLoadOptions(options map[string]interface{}) (*loadRequest, error) {
	req := &loadRequest{delimiter: ',', enclosure: config.DefaultEnclosure}
	if cols, ok := options[storageapi.OptColumns].([]string); ok {
		req.columns = cols
	}
	req.primaryKey = splitList(options[storageapi.OptPrimaryKey])
	req.distributionKey = splitList(options[storageapi.OptDistributionKey])
	req.incremental, _ = options[storageapi.OptIncremental].(bool)
	req.ignoredLines, _ = options[storageapi.OptIgnoredLinesCount].(int)
	if d, ok := options[storageapi.OptDelimiter].(string); ok && d != "" {
		r := []rune(d)
		if len(r) != 1 {
			return nil, fmt.Errorf("delimiter must be a single character, got '%s'", d)
		}
		req.delimiter = r[0]
	}
	if e, ok := options[storageapi.OptEnclosure].(string); ok {
		if e != config.DefaultEnclosure && e != "" {
			return nil, fmt.Errorf("enclosure '%s' is not supported by the postgres backend", e)
		}
		req.enclosure = e
	}
	if nulls, ok := options[storageapi.OptTreatValuesAsNull].([]string); ok {
		req.treatValuesAsNull = nulls
	}
	switch dw := options[storageapi.OptDeleteWhere].(type) {
	case storageapi.DeleteWhere:
		req.deleteWhere = &dw
	case *storageapi.DeleteWhere:
		req.deleteWhere = dw
	}
	if _, ok := options[storageapi.OptDataWorkspaceID]; ok {
		return nil, errors.New("workspace loads are not supported by the postgres backend")
	}
	req.fileID, _ = options[storageapi.OptDataFileID].(string)
	if req.fileID == "" {
		return nil, errors.New("load options carry no dataFileId")
	}
	req.gzip, _ = options[storageapi.OptGzip].(bool)
	return req, nil
}

func splitList(v interface{}) []string {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// job runs in its own goroutine from submission on.
type job struct {
	id    string
	table storageapi.TableID
	done  chan struct{}
	once  sync.Once
	err   error
}

func (j *job) ID() string { return j.id }

func (j *job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *job) finish(err error) {
	j.once.Do(func() {
		if err != nil {
			j.err = &storageapi.JobError{JobID: j.id, TableID: j.table.String(), Err: err}
		}
		close(j.done)
	})
}

func (s *Store) SubmitLoadJob(ctx context.Context, id storageapi.TableID, options map[string]interface{}) (storageapi.Job, error) {
	return s.submit(ctx, id, false, options)
}

func (s *Store) SubmitCreateAndLoadJob(ctx context.Context, bucket storageapi.BucketID, name string, options map[string]interface{}) (storageapi.Job, error) {
	return s.submit(ctx, bucket.Table(name), true, options)
}

// submit validates the options synchronously and runs the load detached
// from ctx, which only bounds the submission.
func (s *Store) submit(_ context.Context, id storageapi.TableID, createAndLoad bool, options map[string]interface{}) (storageapi.Job, error) {
	req, err := decodeLoadOptions(options)
	if err != nil {
		return nil, &storageapi.RemoteServiceError{Op: "SubmitLoadJob", Code: "validation", Err: err}
	}
	j := &job{id: uuid.NewString(), table: id, done: make(chan struct{})}
	pgLog.Logf(logging.Debug, "Job %s: loading %s (create: %t, incremental: %t)", j.id, id, createAndLoad, req.incremental)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDbTimeout*20)
		defer cancel()
		j.finish(s.runLoad(ctx, id, createAndLoad, req))
	}()
	return j, nil
}

func (s *Store) runLoad(ctx context.Context, id storageapi.TableID, createAndLoad bool, req *loadRequest) error {
	var path string
	var sliced bool
	err := s.pool.QueryRow(ctx, `SELECT path, is_sliced FROM "_storage".files WHERE id = $1`, req.fileID).Scan(&path, &sliced)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("file %s was not uploaded", req.fileID)
	}
	if err != nil {
		return classify("Load", err)
	}

	src, err := readSource(path, sliced, req)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		target, err := getTable(ctx, tx, id)
		switch {
		case errors.Is(err, storageapi.ErrTableNotFound) && createAndLoad:
			bucket := id.BucketID()
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "_storage".buckets WHERE id = $1)`, bucket.String()).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("bucket %s: %w", bucket, storageapi.ErrBucketNotFound)
			}
			cols := make([]storageapi.Column, len(src.columns))
			for i, c := range src.columns {
				cols[i] = storageapi.Column{Name: c, Nullable: true}
			}
			def := storageapi.TableDefinition{Name: id.Table, Columns: cols, PrimaryKey: req.primaryKey, DistributionKey: req.distributionKey}
			if err := createTableTx(ctx, tx, id, def, false); err != nil {
				return err
			}
			if target, err = getTable(ctx, tx, id); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		return loadInto(ctx, tx, target, req, src)
	})
}

// source is the parsed content of an uploaded file.
type source struct {
	columns []string
	rows    [][]any
}

// readSource parses a file or every slice of a directory. Without declared
// columns the first line of the file is the header.
func readSource(path string, sliced bool, req *loadRequest) (*source, error) {
	files := []string{path}
	if sliced {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list slices of '%s': %w", path, err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	nulls := make(map[string]bool, len(req.treatValuesAsNull))
	for _, v := range req.treatValuesAsNull {
		nulls[v] = true
	}

	src := &source{columns: req.columns}
	for i, f := range files {
		records, err := readCSV(f, req)
		if err != nil {
			return nil, err
		}
		skip := 0
		if i == 0 || !sliced {
			skip = req.ignoredLines
		}
		if len(src.columns) == 0 {
			if len(records) == 0 {
				return nil, fmt.Errorf("'%s' has no header and no columns were declared", f)
			}
			src.columns = records[0]
			skip = max(skip, 1)
		}
		if skip > len(records) {
			skip = len(records)
		}
		for n, rec := range records[skip:] {
			if len(rec) != len(src.columns) {
				return nil, fmt.Errorf("'%s' line %d has %d values, expected %d", filepath.Base(f), n+skip+1, len(rec), len(src.columns))
			}
			row := make([]any, len(rec))
			for c, v := range rec {
				if nulls[v] {
					row[c] = nil
				} else {
					row[c] = v
				}
			}
			src.rows = append(src.rows, row)
		}
	}
	return src, nil
}

func readCSV(path string, req *loadRequest) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open '%s': %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if req.gzip || strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress '%s': %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	cr := csv.NewReader(r)
	cr.Comma = req.delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = req.enclosure == ""
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse '%s': %w", path, err)
	}
	return records, nil
}

// loadInto stages rows in a TEXT temp table and moves them into target.
func loadInto(ctx context.Context, tx pgx.Tx, target *storageapi.TableState, req *loadRequest, src *source) error {
	for _, c := range src.columns {
		if _, ok := target.Column(c); !ok {
			return fmt.Errorf("column '%s' does not exist in %s", c, target.ID)
		}
	}

	stageCols := make([]string, len(src.columns))
	for i, c := range src.columns {
		stageCols[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", stagingTable, strings.Join(stageCols, ", "))); err != nil {
		return err
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{stagingTable}, src.columns, pgx.CopyFromRows(src.rows))
	if err != nil {
		return err
	}

	for _, stmt := range loadStatements(target, req, src.columns) {
		if _, err := tx.Exec(ctx, stmt.sql, stmt.args...); err != nil {
			return err
		}
	}
	pgLog.Logf(logging.Info, "Loaded %d rows into %s", copied, target.ID)
	return nil
}

type statement struct {
	sql  string
	args []any
}

// loadStatements renders the statements moving staged rows into target:
// a truncate for full loads, the delete filter for incremental ones, then
// an insert which upserts when the table has a primary key.
func loadStatements(target *storageapi.TableState, req *loadRequest, columns []string) []statement {
	table := tableIdent(target.ID).Sanitize()
	var stmts []statement

	if !req.incremental {
		stmts = append(stmts, statement{sql: "TRUNCATE " + table})
	} else if dw := req.deleteWhere; dw != nil && dw.Column != "" {
		op := "= ANY($1)"
		if strings.EqualFold(dw.Operator, "ne") {
			op = "<> ALL($1)"
		}
		stmts = append(stmts, statement{
			sql:  fmt.Sprintf("DELETE FROM %s WHERE %s::text %s", table, pgx.Identifier{dw.Column}.Sanitize(), op),
			args: []any{nonNil(dw.Values)},
		})
	}

	selects := make([]string, len(columns))
	for i, c := range columns {
		selects[i] = castExpr(target, c) + " AS " + pgx.Identifier{c}.Sanitize()
	}
	sel := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), stagingTable)
	insert := fmt.Sprintf("INSERT INTO %s (%s) ", table, identList(columns))

	pk := target.PrimaryKey
	if !req.incremental || len(pk) == 0 || !containsAll(columns, pk) {
		return append(stmts, statement{sql: insert + sel})
	}

	// One staged row per key is kept; ON CONFLICT cannot touch a row twice.
	dedup := fmt.Sprintf("SELECT DISTINCT ON (%s) * FROM (%s) s", identList(pk), sel)
	var updates []string
	for _, c := range columns {
		if !contains(pk, c) {
			q := pgx.Identifier{c}.Sanitize()
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
	}
	conflict := " ON CONFLICT (" + identList(pk) + ") DO NOTHING"
	if len(updates) > 0 {
		conflict = " ON CONFLICT (" + identList(pk) + ") DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return append(stmts, statement{sql: insert + dedup + conflict})
}

// castExpr converts a staged TEXT value to the target column's type. Empty
// strings become NULL for non-string columns.
func castExpr(target *storageapi.TableState, name string) string {
	q := pgx.Identifier{name}.Sanitize()
	col, _ := target.Column(name)
	if !target.Typed || (col.Native == "" && (col.BaseType == "" || strings.EqualFold(col.BaseType, config.BaseTypeString))) {
		return q
	}
	return fmt.Sprintf("NULLIF(%s, '')::%s", q, sqlType(col))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAll(list, subset []string) bool {
	for _, s := range subset {
		if !contains(list, s) {
			return false
		}
	}
	return true
}

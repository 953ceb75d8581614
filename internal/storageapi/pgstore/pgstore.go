// Package pgstore implements the storage service on top of PostgreSQL.
// Buckets are schemas, tables are tables, and the "_storage" schema holds
// what Postgres cannot express itself: column base types, table flags,
// metadata and uploaded files.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/storageapi"
	"output-mapping/internal/util"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPoolNewFunc allows overriding pgxpool.New for testing.
var pgxPoolNewFunc = pgxpool.New

const (
	defaultDbTimeout = 30 * time.Second
	catalogSchema    = "_storage"
)

var pgLog = logging.For("pgstore")

var catalogDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS "_storage"`,
	`CREATE TABLE IF NOT EXISTS "_storage".buckets (
		id text PRIMARY KEY,
		display_name text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS "_storage".tables (
		id text PRIMARY KEY,
		typed boolean NOT NULL,
		primary_key text[] NOT NULL DEFAULT '{}',
		distribution_key text[] NOT NULL DEFAULT '{}',
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS "_storage".columns (
		table_id text NOT NULL,
		column_name text NOT NULL,
		base_type text NOT NULL DEFAULT '',
		native text NOT NULL DEFAULT '',
		length text NOT NULL DEFAULT '',
		default_value text NOT NULL DEFAULT '',
		PRIMARY KEY (table_id, column_name)
	)`,
	`CREATE TABLE IF NOT EXISTS "_storage".metadata (
		object_id text NOT NULL,
		provider text NOT NULL,
		column_name text NOT NULL DEFAULT '',
		key text NOT NULL,
		value text NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (object_id, provider, column_name, key)
	)`,
	`CREATE TABLE IF NOT EXISTS "_storage".files (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		path text NOT NULL,
		tags text[] NOT NULL DEFAULT '{}',
		is_sliced boolean NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// Store is a storageapi.Client backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, pings and makes sure the catalog exists. The DSN may
// reference environment variables.
func Open(ctx context.Context, dsn string) (*Store, error) {
	expanded := util.ExpandEnvUniversal(dsn)
	masked := util.MaskCredentials(expanded)
	pgLog.Logf(logging.Debug, "Connecting to storage database %s", masked)

	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	pool, err := pgxPoolNewFunc(ctx, expanded)
	if err != nil {
		pgLog.Logf(logging.Error, "Failed to create connection pool: %s", masked)
		return nil, fmt.Errorf("pgstore failed to create connection pool (using %s): %w", masked, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore failed to connect (using %s): %w", masked, classify("Ping", err))
	}
	for _, stmt := range catalogDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgstore failed to bootstrap catalog: %w", classify("Bootstrap", err))
		}
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool. Pending jobs must have been awaited.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Backend() string { return config.RemoteBackendPostgres }

// classify maps driver errors onto the storage error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, storageapi.ErrTableNotFound)
		case "3F000":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, storageapi.ErrBucketNotFound)
		case "42701":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, storageapi.ErrColumnExists)
		}
		return &storageapi.RemoteServiceError{Op: op, Code: pgErr.Code, Retryable: retryableCode(pgErr.Code), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &storageapi.RemoteServiceError{Op: op, Retryable: pgconn.SafeToRetry(err), Err: err}
}

// retryableCode covers connection exceptions, serialization failures and deadlocks.
func retryableCode(code string) bool {
	return strings.HasPrefix(code, "08") || code == "40001" || code == "40P01"
}

func tableIdent(id storageapi.TableID) pgx.Identifier {
	return pgx.Identifier{id.BucketID().String(), id.Table}
}

func (s *Store) BucketExists(ctx context.Context, id storageapi.BucketID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "_storage".buckets WHERE id = $1)`, id.String()).Scan(&exists)
	if err != nil {
		return false, classify("BucketExists", err)
	}
	return exists, nil
}

func (s *Store) CreateBucket(ctx context.Context, id storageapi.BucketID, displayName string) (storageapi.BucketID, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO "_storage".buckets (id, display_name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id.String(), displayName)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &storageapi.RemoteServiceError{Op: "CreateBucket", Code: "bucket.exists", Err: fmt.Errorf("bucket %s already exists", id)}
		}
		_, err = tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{id.String()}.Sanitize())
		return err
	})
	if err != nil {
		var rse *storageapi.RemoteServiceError
		if errors.As(err, &rse) {
			return id, err
		}
		return id, classify("CreateBucket", err)
	}
	pgLog.Logf(logging.Info, "Created bucket %s", id)
	return id, nil
}

func (s *Store) bucketMustExist(ctx context.Context, id storageapi.BucketID) error {
	ok, err := s.BucketExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s: %w", id, storageapi.ErrBucketNotFound)
	}
	return nil
}

// GetTable reads table flags from the catalog and columns from
// information_schema, in table order.
func (s *Store) GetTable(ctx context.Context, id storageapi.TableID) (*storageapi.TableState, error) {
	return getTable(ctx, s.pool, id)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getTable(ctx context.Context, q querier, id storageapi.TableID) (*storageapi.TableState, error) {
	state := &storageapi.TableState{ID: id, Backend: config.RemoteBackendPostgres}
	err := q.QueryRow(ctx, `SELECT typed, primary_key FROM "_storage".tables WHERE id = $1`, id.String()).
		Scan(&state.Typed, &state.PrimaryKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("table %s: %w", id, storageapi.ErrTableNotFound)
	}
	if err != nil {
		return nil, classify("GetTable", err)
	}

	rows, err := q.Query(ctx, `
		SELECT c.column_name, c.is_nullable = 'YES',
		       COALESCE(m.base_type, ''), COALESCE(m.native, ''), COALESCE(m.length, ''), COALESCE(m.default_value, '')
		FROM information_schema.columns c
		LEFT JOIN "_storage".columns m ON m.table_id = $3 AND m.column_name = c.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`,
		id.BucketID().String(), id.Table, id.String())
	if err != nil {
		return nil, classify("GetTable", err)
	}
	state.Columns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (storageapi.Column, error) {
		var c storageapi.Column
		err := row.Scan(&c.Name, &c.Nullable, &c.BaseType, &c.Native, &c.Length, &c.Default)
		return c, err
	})
	if err != nil {
		return nil, classify("GetTable", err)
	}
	if len(state.PrimaryKey) == 0 {
		state.PrimaryKey = nil
	}
	return state, nil
}

func (s *Store) CreateTable(ctx context.Context, bucket storageapi.BucketID, name string, columns []string, opts storageapi.CreateTableOptions) (storageapi.TableID, error) {
	cols := make([]storageapi.Column, len(columns))
	for i, c := range columns {
		cols[i] = storageapi.Column{Name: c, Nullable: true}
	}
	return s.createTable(ctx, bucket, storageapi.TableDefinition{
		Name:            name,
		Columns:         cols,
		PrimaryKey:      opts.PrimaryKey,
		DistributionKey: opts.DistributionKey,
	}, false)
}

func (s *Store) CreateTypedTable(ctx context.Context, bucket storageapi.BucketID, def storageapi.TableDefinition) (storageapi.TableID, error) {
	return s.createTable(ctx, bucket, def, true)
}

func (s *Store) createTable(ctx context.Context, bucket storageapi.BucketID, def storageapi.TableDefinition, typed bool) (storageapi.TableID, error) {
	id := bucket.Table(def.Name)
	if err := s.bucketMustExist(ctx, bucket); err != nil {
		return storageapi.TableID{}, err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return createTableTx(ctx, tx, id, def, typed)
	})
	if err != nil {
		return storageapi.TableID{}, classifyCreate(id, err)
	}
	pgLog.Logf(logging.Info, "Created table %s (%d columns, typed: %t)", id, len(def.Columns), typed)
	return id, nil
}

func classifyCreate(id storageapi.TableID, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "42P07" || pgErr.Code == "23505") {
		return &storageapi.RemoteServiceError{Op: "CreateTable", Code: "table.exists", Err: fmt.Errorf("table %s already exists", id)}
	}
	return classify("CreateTable", err)
}

func createTableTx(ctx context.Context, tx pgx.Tx, id storageapi.TableID, def storageapi.TableDefinition, typed bool) error {
	if _, err := tx.Exec(ctx, createTableSQL(id, def, typed)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO "_storage".tables (id, typed, primary_key, distribution_key) VALUES ($1, $2, $3, $4)`,
		id.String(), typed, nonNil(def.PrimaryKey), nonNil(def.DistributionKey)); err != nil {
		return err
	}
	if !typed {
		return nil
	}
	for _, c := range def.Columns {
		if err := recordColumn(ctx, tx, id, c); err != nil {
			return err
		}
	}
	return nil
}

func recordColumn(ctx context.Context, q querier, id storageapi.TableID, c storageapi.Column) error {
	_, err := q.Exec(ctx, `
		INSERT INTO "_storage".columns (table_id, column_name, base_type, native, length, default_value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (table_id, column_name) DO UPDATE
		SET base_type = EXCLUDED.base_type, native = EXCLUDED.native, length = EXCLUDED.length, default_value = EXCLUDED.default_value`,
		id.String(), c.Name, strings.ToUpper(c.BaseType), c.Native, c.Length, c.Default)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// createTableSQL renders the DDL. Untyped columns are TEXT; a primary key
// becomes a constraint so incremental loads can upsert.
func createTableSQL(id storageapi.TableID, def storageapi.TableDefinition, typed bool) string {
	parts := make([]string, 0, len(def.Columns)+1)
	for _, c := range def.Columns {
		parts = append(parts, columnSQL(c, typed))
	}
	if len(def.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+identList(def.PrimaryKey)+")")
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", tableIdent(id).Sanitize(), strings.Join(parts, ", "))
}

func columnSQL(c storageapi.Column, typed bool) string {
	if !typed {
		return pgx.Identifier{c.Name}.Sanitize() + " TEXT"
	}
	var b strings.Builder
	b.WriteString(pgx.Identifier{c.Name}.Sanitize())
	b.WriteString(" ")
	b.WriteString(sqlType(c))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(quoteLiteral(c.Default))
	}
	return b.String()
}

// sqlType returns the Postgres type of a column: its native type when one is
// declared, otherwise the mapping of its base type.
func sqlType(c storageapi.Column) string {
	if c.Native != "" {
		if c.Length != "" && !strings.Contains(c.Native, "(") {
			return fmt.Sprintf("%s(%s)", c.Native, c.Length)
		}
		return c.Native
	}
	switch strings.ToUpper(c.BaseType) {
	case config.BaseTypeInteger:
		return "BIGINT"
	case config.BaseTypeNumeric:
		if c.Length != "" {
			return fmt.Sprintf("NUMERIC(%s)", c.Length)
		}
		return "NUMERIC"
	case config.BaseTypeFloat:
		return "DOUBLE PRECISION"
	case config.BaseTypeBoolean:
		return "BOOLEAN"
	case config.BaseTypeDate:
		return "DATE"
	case config.BaseTypeTimestamp:
		return "TIMESTAMP"
	case config.BaseTypeString:
		if c.Length != "" {
			return fmt.Sprintf("VARCHAR(%s)", c.Length)
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func (s *Store) AddColumn(ctx context.Context, id storageapi.TableID, name string, def *storageapi.Column) error {
	col := storageapi.Column{Name: name, Nullable: true}
	if def != nil {
		col = *def
		col.Name = name
		// Existing rows have no value for the new column.
		col.Nullable = true
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", tableIdent(id).Sanitize(), columnSQL(col, def != nil))); err != nil {
			return err
		}
		if def == nil {
			return nil
		}
		return recordColumn(ctx, tx, id, col)
	})
	if err != nil {
		return fmt.Errorf("add column '%s' to %s: %w", name, id, classify("AddColumn", err))
	}
	pgLog.Logf(logging.Info, "Added column '%s' to %s", name, id)
	return nil
}

// UploadFile registers a local file or sliced directory. Load jobs read it
// from there.
func (s *Store) UploadFile(ctx context.Context, path string, opts storageapi.FileUploadOptions) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pgstore failed to resolve '%s': %w", path, err)
	}
	id := uuid.New()
	_, err = s.pool.Exec(ctx, `INSERT INTO "_storage".files (id, name, path, tags, is_sliced) VALUES ($1, $2, $3, $4, $5)`,
		id, opts.Name, abs, nonNil(opts.Tags), opts.IsSliced)
	if err != nil {
		return "", classify("UploadFile", err)
	}
	return id.String(), nil
}

// SetTableMetadata upserts table and column metadata of one provider in a
// single batch.
func (s *Store) SetTableMetadata(ctx context.Context, id storageapi.TableID, provider string, table []storageapi.Metadata, columns map[string][]storageapi.Metadata) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM "_storage".tables WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return classify("SetTableMetadata", err)
	}
	if !exists {
		return fmt.Errorf("set metadata on %s: %w", id, storageapi.ErrTableNotFound)
	}

	const upsert = `
		INSERT INTO "_storage".metadata (object_id, provider, column_name, key, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (object_id, provider, column_name, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()`
	batch := &pgx.Batch{}
	for _, m := range table {
		batch.Queue(upsert, id.String(), provider, "", m.Key, m.Value)
	}
	for col, entries := range columns {
		for _, m := range entries {
			batch.Queue(upsert, id.String(), provider, col, m.Key, m.Value)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return classify("SetTableMetadata", err)
	}
	return nil
}

func (s *Store) WebalizeDisplayName(_ context.Context, name string) (string, error) {
	return storageapi.Webalize(name), nil
}

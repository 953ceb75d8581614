package strategy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"output-mapping/internal/config"
	"output-mapping/internal/logging"
	"output-mapping/internal/mapping"
	"output-mapping/internal/storageapi"
	"output-mapping/internal/util"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/microsoft/go-mssqldb"
)

// sqlOpen can be overridden in tests.
var sqlOpen = sql.Open

const workspacePingTimeout = 30 * time.Second

var workspaceLog = logging.For("sql-workspace")

// SQLWorkspace stages tables inside a SQL database the storage service reads
// directly. Manifests stay on local disk.
type SQLWorkspace struct {
	fsManifests
	id     string
	driver string
	schema string
	db     *sql.DB
}

// OpenSQLWorkspace connects to the workspace database. The DSN may reference
// environment variables.
func OpenSQLWorkspace(ctx context.Context, cfg config.SQLWorkspaceConfig, _ string) (*SQLWorkspace, error) {
	driver := strings.ToLower(cfg.Driver)
	dsn := util.ExpandEnvUniversal(cfg.DSN)
	workspaceLog.Logf(logging.Debug, "Opening %s workspace %s (%s)", driver, cfg.ID, util.MaskCredentials(dsn))

	db, err := sqlOpen(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("SQLWorkspace failed to open %s database: %w", driver, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, workspacePingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLWorkspace failed to connect to %s database (%s): %w", driver, util.MaskCredentials(dsn), err)
	}

	schema := cfg.Schema
	switch {
	case driver == config.WorkspaceDriverDuckDB:
		schema = "main"
	case schema == "":
		schema = config.DefaultWorkspaceSchema
	}
	return &SQLWorkspace{id: cfg.ID, driver: driver, schema: schema, db: db}, nil
}

func (w *SQLWorkspace) placeholder(n int) string {
	if w.driver == config.WorkspaceDriverSQLServer {
		return fmt.Sprintf("@p%d", n)
	}
	return fmt.Sprintf("$%d", n)
}

// ListSources returns the workspace tables named by the mapping entries.
// Entries naming a missing table are left to the unmatched-entry check.
func (w *SQLWorkspace) ListSources(ctx context.Context, _ string, entries []map[string]interface{}) ([]mapping.DataItem, error) {
	query := fmt.Sprintf("SELECT table_name FROM information_schema.tables WHERE table_schema = %s", w.placeholder(1))
	rows, err := w.db.QueryContext(ctx, query, w.schema)
	if err != nil {
		return nil, fmt.Errorf("SQLWorkspace failed to list tables in schema '%s': %w", w.schema, err)
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("SQLWorkspace failed to read table name: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SQLWorkspace failed to list tables in schema '%s': %w", w.schema, err)
	}

	var items []mapping.DataItem
	for _, name := range entrySources(entries) {
		if !existing[name] {
			continue
		}
		items = append(items, mapping.DataItem{Name: name, Path: w.schema + "." + name})
	}
	workspaceLog.Logf(logging.Debug, "Found %d of %d referenced table(s) in workspace %s", len(items), len(entrySources(entries)), w.id)
	return items, nil
}

// PrepareLoadTaskOptions points the load job at the workspace table.
func (w *SQLWorkspace) PrepareLoadTaskOptions(_ context.Context, rm *mapping.ResolvedMapping) (map[string]interface{}, error) {
	return map[string]interface{}{
		storageapi.OptDataWorkspaceID: w.id,
		storageapi.OptDataObject:      rm.Source.Item.Name,
	}, nil
}

func (w *SQLWorkspace) HasSlicer() bool {
	return false
}

func (w *SQLWorkspace) SliceFiles(context.Context, []mapping.CombinedSource, string) ([]mapping.CombinedSource, error) {
	return nil, ErrSlicingUnsupported
}

func (w *SQLWorkspace) Close() error {
	return w.db.Close()
}

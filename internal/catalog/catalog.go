// Package catalog turns uploaded spreadsheet files into queryable DuckDB
// tables and keeps descriptive metadata for each one. A Catalog is scoped to
// one user session and lives until the session is discarded.
package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/xuri/excelize/v2"

	"github.com/sheetsage/sheetsage/internal/sqlguard"
)

const (
	// SampleRows is how many leading rows of each sheet are kept as the
	// stored metadata sample.
	SampleRows = 5

	// DefaultRowLimit bounds result sets when the caller doesn't pass a
	// limit to Execute.
	DefaultRowLimit = 200

	// defaultTableName and defaultColumnName are the placeholders used when
	// a file, sheet, or column name normalizes to nothing.
	defaultTableName  = "table"
	defaultColumnName = "column"
)

// Table is the immutable metadata recorded for one registered sheet.
type Table struct {
	File    string     `json:"file"`
	Sheet   string     `json:"sheet"`
	Rows    int        `json:"rows"`
	Columns []string   `json:"cols"`
	Types   []string   `json:"types"`
	Sample  [][]string `json:"sample"`
}

// Result is a bounded tabular query result with ordered columns and rows.
type Result struct {
	Columns []string
	Rows    [][]any
}

// IngestError reports spreadsheet bytes that could not be parsed. The upload
// is rejected as a whole; no table from the file is registered.
type IngestError struct {
	File string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingesting %q: %v", e.File, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// ExecError reports an engine failure on an already-validated query. It
// carries the engine's message and is recoverable: the catalog stays usable.
type ExecError struct {
	Err error
}

func (e *ExecError) Error() string {
	return "query execution failed: " + e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsIngestError reports whether err is (or wraps) an IngestError.
func IsIngestError(err error) bool {
	var ie *IngestError
	return errors.As(err, &ie)
}

// IsExecError reports whether err is (or wraps) an ExecError.
func IsExecError(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}

// Catalog owns an in-memory DuckDB instance and the metadata for every
// table registered into it. AddFile and Execute are mutually exclusive on a
// given instance; a Catalog must not be shared across sessions.
type Catalog struct {
	mu     sync.Mutex
	db     *sql.DB
	tables map[string]Table
}

// New opens an in-memory DuckDB database and returns an empty catalog.
func New() (*Catalog, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging duckdb: %w", err)
	}
	return &Catalog{db: db, tables: make(map[string]Table)}, nil
}

// Close releases the underlying engine.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// AddFile parses the spreadsheet bytes and registers every sheet as a table.
// Table identifiers are derived from the normalized file base name and sheet
// name; collisions are resolved with an incrementing numeric suffix. Each
// sheet registers atomically: either its table plus metadata land, or
// neither does. Unparseable bytes reject the whole file via IngestError.
func (c *Catalog) AddFile(name string, data []byte) error {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return &IngestError{File: name, Err: err}
	}
	defer f.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	base := safeName(fileBase(name), defaultTableName)
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return &IngestError{File: name, Err: fmt.Errorf("reading sheet %q: %w", sheet, err)}
		}
		if err := c.registerSheet(name, base, sheet, rows); err != nil {
			return err
		}
	}
	return nil
}

// registerSheet loads one sheet grid into the engine under a collision-free
// identifier and records its metadata. Caller holds c.mu.
func (c *Catalog) registerSheet(fileName, base, sheet string, grid [][]string) error {
	var header []string
	var dataRows [][]string
	if len(grid) > 0 {
		header = grid[0]
		dataRows = grid[1:]
	}

	cols := normalizeColumns(header)
	if len(cols) == 0 {
		// A sheet with no header still registers, as a single empty column.
		cols = []string{defaultColumnName}
	}
	types := inferTypes(len(cols), dataRows)

	tname := c.resolveName(safeName(base+"__"+sheet, defaultTableName))

	if err := c.loadTable(tname, cols, types, dataRows); err != nil {
		return &IngestError{File: fileName, Err: fmt.Errorf("loading sheet %q: %w", sheet, err)}
	}

	c.tables[tname] = Table{
		File:    fileName,
		Sheet:   sheet,
		Rows:    len(dataRows),
		Columns: cols,
		Types:   types,
		Sample:  sampleRows(dataRows, len(cols)),
	}
	return nil
}

// resolveName appends _2, _3, ... until the candidate identifier is unique
// within the catalog. Caller holds c.mu.
func (c *Catalog) resolveName(candidate string) string {
	name := candidate
	for i := 2; ; i++ {
		if _, exists := c.tables[name]; !exists {
			return name
		}
		name = candidate + "_" + strconv.Itoa(i)
	}
}

// loadTable creates the table and bulk-inserts the grid inside one
// transaction, so a conversion or insert failure leaves no table behind.
func (c *Catalog) loadTable(name string, cols, types []string, rows [][]string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	defs := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = quoteIdent(col) + " " + types[i]
	}
	ddl := "CREATE TABLE " + quoteIdent(name) + " (" + strings.Join(defs, ", ") + ")"
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}

	if len(rows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
		stmt, err := tx.Prepare("INSERT INTO " + quoteIdent(name) + " VALUES (" + placeholders + ")")
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		args := make([]any, len(cols))
		for _, row := range rows {
			for i := range cols {
				cell := ""
				if i < len(row) {
					cell = row[i]
				}
				args[i] = convertCell(cell, types[i])
			}
			if _, err := stmt.Exec(args...); err != nil {
				return fmt.Errorf("inserting row: %w", err)
			}
		}
	}

	return tx.Commit()
}

func sampleRows(rows [][]string, width int) [][]string {
	n := min(len(rows), SampleRows)
	sample := make([][]string, n)
	for i := 0; i < n; i++ {
		padded := make([]string, width)
		copy(padded, rows[i])
		sample[i] = padded
	}
	return sample
}

// Tables returns a copy of the full metadata mapping.
func (c *Catalog) Tables() map[string]Table {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Table, len(c.tables))
	for k, v := range c.tables {
		out[k] = v
	}
	return out
}

// Fingerprint returns a stable hash of the catalog's structure: the sorted
// mapping of table identifier to column list. Identical schemas always hash
// identically regardless of registration order; any table or column change
// changes the hash.
func (c *Catalog) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	compact := make(map[string][]string, len(c.tables))
	for name, t := range c.tables {
		compact[name] = t.Columns
	}
	// json.Marshal sorts map keys, which gives the order independence.
	b, err := json.Marshal(compact)
	if err != nil {
		// map[string][]string cannot fail to marshal.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Execute runs a single read-only query against the catalog's engine,
// bounded to rowLimit rows (DefaultRowLimit when rowLimit <= 0). The query
// is re-validated through sqlguard regardless of what the caller already
// did, then wrapped as SELECT * FROM (<query>) AS q LIMIT n.
func (c *Catalog) Execute(ctx context.Context, query string, rowLimit int) (*Result, error) {
	validated, err := sqlguard.Validate(query)
	if err != nil {
		return nil, err
	}
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", validated, rowLimit)
	rows, err := c.db.QueryContext(ctx, wrapped)
	if err != nil {
		return nil, &ExecError{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &ExecError{Err: err}
	}

	result := &Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &ExecError{Err: err}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, &ExecError{Err: err}
	}
	return result, nil
}

// quoteIdent double-quotes an identifier for DuckDB DDL. Normalized names
// can't contain quotes, but the escape keeps the helper total.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

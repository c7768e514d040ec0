// Package feedback is the durable interaction log: every answered question
// lands here together with the generated SQL, scoped by the catalog
// fingerprint, and later feedback submissions turn records into ranked
// few-shot examples.
package feedback

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite interaction log. It is safe for concurrent use
// from multiple sessions: WAL mode keeps readers unblocked, and writes
// serialize on a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the interaction log in dataDir and applies any
// pending migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "sheetsage.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One writer at a time; avoids "database is locked" under concurrent
	// sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet, tracked in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Record inserts a new interaction with an unset rating and returns the
// assigned identifier.
func (s *Store) Record(question, catalogSig, generatedSQL string) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO feedback (question, catalog_sig, generated_sql) VALUES (?, ?, ?)",
		question, catalogSig, generatedSQL,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}
	return id, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(id int64) (Record, error) {
	row := s.db.QueryRow(recordColumns+" FROM feedback WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// SubmitFeedback applies one feedback submission to the record as a single
// atomic update. Fields left nil in fb are not touched; in particular an
// omitted rating never nulls out an existing one. Last write wins. Returns
// ErrNotFound if no record has the given id.
func (s *Store) SubmitFeedback(id int64, fb Feedback) error {
	var sets []string
	var args []any
	if fb.Rating != nil {
		sets = append(sets, "rating = ?")
		args = append(args, *fb.Rating)
	}
	if fb.Text != nil {
		sets = append(sets, "feedback_text = ?")
		args = append(args, *fb.Text)
	}
	if fb.CorrectedSQL != nil {
		sets = append(sets, "corrected_sql = ?")
		args = append(args, *fb.CorrectedSQL)
	}

	if len(sets) == 0 {
		// Nothing to change; still report a missing record.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM feedback WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE feedback SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BestExamples returns up to limit rating=+1 records for the fingerprint,
// human-corrected ones first, then most recent first. These are the
// highest-quality few-shot exemplars for the schema.
func (s *Store) BestExamples(catalogSig string, limit int) ([]Record, error) {
	rows, err := s.db.Query(recordColumns+`
		FROM feedback
		WHERE catalog_sig = ? AND rating = 1
		ORDER BY
			CASE WHEN corrected_sql IS NOT NULL AND TRIM(corrected_sql) <> '' THEN 0 ELSE 1 END,
			created_at DESC,
			id DESC
		LIMIT ?`,
		catalogSig, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// RecentFailures returns up to limit most-recent rating=-1 records for the
// fingerprint, for negative-example use.
func (s *Store) RecentFailures(catalogSig string, limit int) ([]Record, error) {
	rows, err := s.db.Query(recordColumns+`
		FROM feedback
		WHERE catalog_sig = ? AND rating = -1
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		catalogSig, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

const recordColumns = "SELECT id, question, catalog_sig, generated_sql, corrected_sql, rating, feedback_text, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var corrected, text sql.NullString
	var rating sql.NullInt64
	// The driver hands DATETIME columns back as time.Time.
	if err := row.Scan(&r.ID, &r.Question, &r.CatalogSig, &r.GeneratedSQL, &corrected, &rating, &text, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.CorrectedSQL = corrected.String
	r.FeedbackText = text.String
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetEmbedding stores (or replaces) the embedding vector for a record.
func (s *Store) SetEmbedding(id int64, vector []float32) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO embeddings (feedback_id, vector) VALUES (?, ?)",
		id, encodeVector(vector),
	)
	return err
}

// Embedding returns the stored vector for a record, or ErrNotFound.
func (s *Store) Embedding(id int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT vector FROM embeddings WHERE feedback_id = ?", id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(blob), nil
}

// NextWithoutEmbedding returns the oldest record that has no embedding yet,
// or nil when every record is embedded. Used by the background embedder.
func (s *Store) NextWithoutEmbedding() (*Record, error) {
	row := s.db.QueryRow(recordColumns + `
		FROM feedback
		LEFT JOIN embeddings ON embeddings.feedback_id = feedback.id
		WHERE embeddings.feedback_id IS NULL
		ORDER BY feedback.id ASC
		LIMIT 1`)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// encodeVector packs float32s little-endian for the BLOB column.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

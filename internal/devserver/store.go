package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/documents"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned for unknown document ids.
var ErrNotFound = errors.New("document not found")

// InitDatabase opens the database and creates tables.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of the request path.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	`

	_, err := db.Exec(schema)
	return err
}

// Store persists documents and their processing status.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewStore wraps an initialized database.
func NewStore(db *sql.DB, clock clockwork.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// Create inserts a new document in the processing state.
func (s *Store) Create(ctx context.Context, filename string) (documents.Document, error) {
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	doc := documents.Document{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    protocol.DocumentProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, filename, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.Status, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return documents.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, id string) (documents.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, status, error, created_at, updated_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return documents.Document{}, ErrNotFound
	}
	return doc, err
}

// List returns documents oldest first, optionally only those with status.
func (s *Store) List(ctx context.Context, status string) ([]documents.Document, error) {
	query := `SELECT id, filename, status, error, created_at, updated_at FROM documents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	docs := []documents.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus updates a document's status and returns the new record.
func (s *Store) SetStatus(ctx context.Context, id, status, errMsg string) (documents.Document, error) {
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	var errCol *string
	if errMsg != "" {
		errCol = &errMsg
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errCol, now.UnixMilli(), id,
	)
	if err != nil {
		return documents.Document{}, fmt.Errorf("update document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return documents.Document{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (documents.Document, error) {
	var (
		doc                  documents.Document
		errMsg               *string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.Status, &errMsg, &createdAt, &updatedAt); err != nil {
		return documents.Document{}, err
	}
	if errMsg != nil {
		doc.Error = *errMsg
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return doc, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgallion1/dococr/internal/document"
	"github.com/mattn/go-sqlite3"
)

// driverName is go-sqlite3 with a contains_fold(text, query) SQL function
// so title and page text matching uses the same Unicode case folding as
// the in-memory store. SQLite's own lower() only folds ASCII.
const driverName = "sqlite3_dococr"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("contains_fold", containsFoldSQL, true)
			},
		})
	})
}

func containsFoldSQL(text, query string) bool {
	return document.ContainsFold(text, query)
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	hash       TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL DEFAULT '',
	filename   TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	mime_type  TEXT NOT NULL DEFAULT '',
	language   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(updated_at DESC);

CREATE TABLE IF NOT EXISTS pages (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	page_number INTEGER NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	confidence  REAL NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (document_id, page_number)
);
`

// SQLite is a Store backed by a local SQLite database file. The pool holds a
// single connection; each page update and its status recomputation share one
// transaction.
type SQLite struct {
	db    *sql.DB
	clock *clock
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	registerDriver()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, clock: newClock()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(updated_at) FROM documents`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("read clock: %w", err)
	}
	if last.Valid {
		s.clock.observe(time.Unix(0, last.Int64).UTC())
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const documentColumns = `id, hash, title, filename, size, mime_type, language, status, error, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*document.Document, error) {
	var (
		d                document.Document
		status           string
		created, updated int64
	)
	err := row.Scan(&d.ID, &d.Hash, &d.Title, &d.Filename, &d.Size, &d.MimeType, &d.Language,
		&status, &d.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.Status = document.Status(status)
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	d.Pages = []document.Page{}
	return &d, nil
}

// load reads a document and its pages. It returns ErrNotFound when absent.
func (s *SQLite) load(ctx context.Context, q querier, where string, arg any) (*document.Document, error) {
	d, err := scanDocument(q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %v: %w", arg, document.ErrNotFound)
	}
	if err != nil {
		return nil, document.Unavailable("load document", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT page_number, text, confidence, status, error FROM pages WHERE document_id = ? ORDER BY page_number`, d.ID)
	if err != nil {
		return nil, document.Unavailable("load pages", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p      document.Page
			status string
		)
		if err := rows.Scan(&p.PageNumber, &p.Text, &p.Confidence, &status, &p.Error); err != nil {
			return nil, document.Unavailable("scan page", err)
		}
		p.Status = document.PageStatus(status)
		d.Pages = append(d.Pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, document.Unavailable("load pages", err)
	}
	return d, nil
}

func (s *SQLite) FindByHash(ctx context.Context, hash string) (*document.Document, error) {
	d, err := s.load(ctx, s.db, "hash = ?", hash)
	if errors.Is(err, document.ErrNotFound) {
		return nil, nil
	}
	return d, err
}

func (s *SQLite) Get(ctx context.Context, id string) (*document.Document, error) {
	return s.load(ctx, s.db, "id = ?", id)
}

func (s *SQLite) Create(ctx context.Context, meta document.Metadata) (*document.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, document.Unavailable("begin", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE hash = ?`, meta.Hash).Scan(&existing)
	switch {
	case err == nil:
		return nil, &document.DuplicateError{Hash: meta.Hash, ExistingID: existing}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, document.Unavailable("check hash", err)
	}

	now := s.clock.tick()
	d := &document.Document{
		ID:        document.NewID(),
		Hash:      meta.Hash,
		Title:     meta.Title,
		Filename:  meta.Filename,
		Size:      meta.Size,
		MimeType:  meta.MimeType,
		Language:  meta.Language,
		Status:    document.StatusQueued,
		Pages:     []document.Page{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Hash, d.Title, d.Filename, d.Size, d.MimeType, d.Language,
		string(d.Status), d.Error, d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, &document.DuplicateError{Hash: meta.Hash}
		}
		return nil, document.Unavailable("insert document", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, document.Unavailable("commit", err)
	}
	return d, nil
}

// mutate loads a document inside a transaction, lets fn change it, then
// writes back the document row, the pages fn reports as touched (nil means
// all of them) and drops pages past the new length.
func (s *SQLite) mutate(ctx context.Context, id string, fn func(d *document.Document) ([]int, error)) (*document.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, document.Unavailable("begin", err)
	}
	defer tx.Rollback()

	d, err := s.load(ctx, tx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	touched, err := fn(d)
	if err != nil {
		return nil, err
	}
	d.UpdatedAt = s.clock.tick()
	if err := s.write(ctx, tx, d, touched); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, document.Unavailable("commit", err)
	}
	return d, nil
}

func (s *SQLite) write(ctx context.Context, q querier, d *document.Document, touched []int) error {
	_, err := q.ExecContext(ctx, `UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(d.Status), d.Error, d.UpdatedAt.UnixNano(), d.ID)
	if err != nil {
		return document.Unavailable("update document", err)
	}
	if touched == nil {
		touched = make([]int, len(d.Pages))
		for i := range d.Pages {
			touched[i] = i + 1
		}
	}
	for _, n := range touched {
		p := d.Pages[n-1]
		_, err := q.ExecContext(ctx, `
			INSERT INTO pages (document_id, page_number, text, confidence, status, error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (document_id, page_number) DO UPDATE SET
				text = excluded.text,
				confidence = excluded.confidence,
				status = excluded.status,
				error = excluded.error`,
			d.ID, p.PageNumber, p.Text, p.Confidence, string(p.Status), p.Error)
		if err != nil {
			return document.Unavailable("upsert page", err)
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM pages WHERE document_id = ? AND page_number > ?`, d.ID, len(d.Pages)); err != nil {
		return document.Unavailable("trim pages", err)
	}
	return nil
}

func (s *SQLite) SetPageCount(ctx context.Context, id string, n int) (*document.Document, error) {
	if n < 1 {
		return nil, fmt.Errorf("page count %d: %w", n, document.ErrInvalidPage)
	}
	return s.mutate(ctx, id, func(d *document.Document) ([]int, error) {
		d.Pages = resizePages(d.Pages, n)
		d.Status = document.StatusProcessing
		d.Error = ""
		return nil, nil
	})
}

func (s *SQLite) UpdatePage(ctx context.Context, id string, pageNumber int, patch document.PagePatch) (*document.Document, error) {
	return s.mutate(ctx, id, func(d *document.Document) ([]int, error) {
		pages, err := upsertPage(d.Pages, pageNumber, patch)
		if err != nil {
			return nil, err
		}
		d.Pages = pages
		d.Status = document.Aggregate(d.Status, d.Pages)
		return []int{pageNumber}, nil
	})
}

func (s *SQLite) MarkFailed(ctx context.Context, id, reason string) (*document.Document, error) {
	return s.mutate(ctx, id, func(d *document.Document) ([]int, error) {
		d.Status = document.StatusFailed
		d.Error = reason
		return []int{}, nil
	})
}

func (s *SQLite) ResetForReprocess(ctx context.Context, id string) (*document.Document, error) {
	return s.mutate(ctx, id, func(d *document.Document) ([]int, error) {
		for i := range d.Pages {
			d.Pages[i] = document.Page{PageNumber: i + 1, Status: document.PagePending}
		}
		d.Status = document.StatusQueued
		d.Error = ""
		return nil, nil
	})
}

func (s *SQLite) Search(ctx context.Context, f Filter, p Pagination) ([]*document.Document, error) {
	p = p.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id FROM documents d
		WHERE ? = 1
		   OR (? = 1 AND contains_fold(d.title, ?))
		   OR (? = 1 AND EXISTS (
				SELECT 1 FROM pages pg WHERE pg.document_id = d.id AND contains_fold(pg.text, ?)))
		ORDER BY d.updated_at DESC, d.created_at DESC, d.id DESC
		LIMIT ? OFFSET ?`,
		boolInt(f.All()), boolInt(f.InTitle), f.Contains, boolInt(f.InText), f.Contains, p.Limit, p.Offset())
	if err != nil {
		return nil, document.Unavailable("search", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, document.Unavailable("search", err)
	}

	out := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		d, err := s.load(ctx, s.db, "id = ?", id)
		if errors.Is(err, document.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLite) RecoverInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE status IN (?, ?) ORDER BY id`,
		string(document.StatusQueued), string(document.StatusProcessing))
	if err != nil {
		return nil, document.Unavailable("recover", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, document.Unavailable("recover", err)
	}
	for _, id := range ids {
		_, err := s.mutate(ctx, id, func(d *document.Document) ([]int, error) {
			var touched []int
			for i := range d.Pages {
				if d.Pages[i].Status == document.PageProcessing {
					document.Failed(interruptedReason).Apply(&d.Pages[i])
					touched = append(touched, i+1)
				}
			}
			d.Status = document.Aggregate(d.Status, d.Pages)
			if touched == nil {
				touched = []int{}
			}
			return touched, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[string]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&st.Pages); err != nil {
		return st, document.Unavailable("count pages", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return st, document.Unavailable("count documents", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, document.Unavailable("count documents", err)
		}
		st.ByStatus[status] = n
		st.Documents += n
	}
	if err := rows.Err(); err != nil {
		return st, document.Unavailable("count documents", err)
	}
	return st, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

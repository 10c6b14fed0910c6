// Package storage persists synced voice notes: audio files on disk,
// indexed by a SQLite database in WAL mode.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNoteNotFound is returned when a note ID has no row.
var ErrNoteNotFound = errors.New("storage: note not found")

// Note is one synced voice note.
type Note struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	Path       string    `json:"-"`
	SizeBytes  int64     `json:"sizeBytes"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Store owns the notes directory and its SQLite index. It implements
// the session sink: Save is called once per fully received file.
type Store struct {
	db       *sql.DB
	notesDir string
}

// Open opens (or creates) the store under dataDir. Audio lands in
// dataDir/notes, the index in dataDir/ramble.db.
func Open(dataDir string) (*Store, error) {
	notesDir := filepath.Join(dataDir, "notes")
	if err := os.MkdirAll(notesDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", notesDir, err)
	}

	dbPath := filepath.Join(dataDir, "ramble.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, notesDir: notesDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database. Audio files stay on disk.
func (s *Store) Close() error {
	return s.db.Close()
}

// NotesDir returns the directory audio files are written to.
func (s *Store) NotesDir() string {
	return s.notesDir
}

// Save writes data to dataDir/notes/<filename> and upserts the index
// row. The write is atomic: data goes to a temp file first and is
// renamed into place only after a successful fsync, so a crash never
// leaves a half-written note under its real name. Re-syncing a
// filename replaces the previous copy.
func (s *Store) Save(filename string, data []byte) error {
	if err := validFilename(filename); err != nil {
		return err
	}
	path := filepath.Join(s.notesDir, filename)

	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("storage: write %s: %w", filename, err)
	}

	_, err := s.db.Exec(`
		INSERT INTO notes (filename, path, size_bytes, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE
		  SET path        = excluded.path,
		      size_bytes  = excluded.size_bytes,
		      received_at = excluded.received_at`,
		filename, path, int64(len(data)), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storage: index %s: %w", filename, err)
	}
	return nil
}

// List returns all notes, newest first.
func (s *Store) List() ([]Note, error) {
	rows, err := s.db.Query(`
		SELECT id, filename, path, size_bytes, received_at
		FROM notes ORDER BY received_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return notes, nil
}

// Get returns one note by ID.
func (s *Store) Get(id int64) (Note, error) {
	row := s.db.QueryRow(`
		SELECT id, filename, path, size_bytes, received_at
		FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	return n, err
}

// Delete removes the note's index row and its audio file. A missing
// file is not an error; the row is the source of truth.
func (s *Store) Delete(id int64) error {
	n, err := s.Get(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete %d: %w", id, err)
	}
	if err := os.Remove(n.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", n.Filename, err)
	}
	return nil
}

// Count returns the number of stored notes.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(ddlNotes); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(row scanner) (Note, error) {
	var n Note
	var receivedAt int64
	if err := row.Scan(&n.ID, &n.Filename, &n.Path, &n.SizeBytes, &receivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Note{}, err
		}
		return Note{}, fmt.Errorf("storage: scan: %w", err)
	}
	n.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	return n, nil
}

// validFilename rejects names the recorder should never send: empty
// names, path traversal, separators. The announced name is used as the
// on-disk name unchanged, so anything unsafe is refused rather than
// rewritten.
func validFilename(filename string) error {
	if filename == "" {
		return errors.New("storage: empty filename")
	}
	if filename == "." || filename == ".." ||
		strings.ContainsAny(filename, "/\\") ||
		strings.ContainsRune(filename, 0) {
		return fmt.Errorf("storage: unsafe filename %q", filename)
	}
	return nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ramble-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

const ddlNotes = `
CREATE TABLE IF NOT EXISTS notes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    filename    TEXT    NOT NULL UNIQUE,
    path        TEXT    NOT NULL,
    size_bytes  INTEGER NOT NULL DEFAULT 0,
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_received_at ON notes (received_at DESC);
`

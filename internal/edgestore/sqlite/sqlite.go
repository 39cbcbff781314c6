// Package sqlite is the default edge store backend: a single SQLite file
// holding records, links, and one append log per peer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CanopyHQ/tendril/internal/config"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

func init() {
	edgestore.Register(edgestore.Plugin{
		Name:   "sqlite",
		Loader: load,
	})
}

func load(ctx context.Context, peer edgestore.Address) (edgestore.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.StorePath == "" {
		return nil, fmt.Errorf("sqlite store: TENDRIL_STORE_PATH is required")
	}
	return Open(ctx, cfg.StorePath, peer)
}

// Store is an edgestore.Store backed by SQLite. Several peers may share one
// database file; each handle appends only to its own peer's log.
type Store struct {
	db     *sql.DB
	path   string
	peer   edgestore.Address
	shared bool
}

var _ edgestore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path for peer.
func Open(ctx context.Context, path string, peer edgestore.Address) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path, peer: peer}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// ForPeer returns a handle on the same database bound to another peer.
// Closing it leaves the underlying database open.
func (s *Store) ForPeer(peer edgestore.Address) *Store {
	return &Store{db: s.db, path: s.path, peer: peer, shared: true}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		address TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS links (
		id TEXT PRIMARY KEY,
		base TEXT NOT NULL,
		target TEXT NOT NULL,
		link_type TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(base, target, link_type, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_links_base ON links(base, link_type, tag);

	CREATE TABLE IF NOT EXISTS local_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		peer TEXT NOT NULL,
		address TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_local_log_peer ON local_log(peer, kind, seq);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Peer() edgestore.Address {
	return s.peer
}

// Put commits a record and appends it to this peer's log in one transaction.
func (s *Store) Put(ctx context.Context, kind string, content []byte) (edgestore.Address, error) {
	addr := edgestore.ComputeAddress(kind, content)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin put: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO entries (address, kind, content, created_at)
		VALUES (?, ?, ?, ?)
	`, addr, kind, content, now); err != nil {
		return "", fmt.Errorf("failed to insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_log (peer, address, kind, created_at)
		VALUES (?, ?, ?, ?)
	`, s.peer, addr, kind, now); err != nil {
		return "", fmt.Errorf("failed to append local log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit put: %w", err)
	}
	return addr, nil
}

func (s *Store) Get(ctx context.Context, addr edgestore.Address) (*edgestore.Entry, error) {
	var e edgestore.Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT address, kind, content, created_at FROM entries WHERE address = ?
	`, addr).Scan(&e.Address, &e.Kind, &e.Content, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return &e, nil
}

func (s *Store) Link(ctx context.Context, base, target edgestore.Address, linkType, tag string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO links (id, base, target, link_type, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ulid.Make().String(), base, target, linkType, tag, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	return nil
}

// GetLinks returns targets in link creation order.
func (s *Store) GetLinks(ctx context.Context, base edgestore.Address, linkType, tag string) ([]edgestore.Address, error) {
	sqlQuery := `SELECT target FROM links WHERE base = ?`
	args := []interface{}{base}
	if linkType != "" {
		sqlQuery += ` AND link_type = ?`
		args = append(args, linkType)
	}
	if tag != "" {
		sqlQuery += ` AND tag = ?`
		args = append(args, tag)
	}
	sqlQuery += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var targets []edgestore.Address
	for rows.Next() {
		var t edgestore.Address
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) QueryLocalLog(ctx context.Context, kind string) ([]edgestore.LocalEntry, error) {
	sqlQuery := `
		SELECT l.seq, l.address, l.kind, e.content, l.created_at
		FROM local_log l JOIN entries e ON e.address = l.address
		WHERE l.peer = ?`
	args := []interface{}{s.peer}
	if kind != "" {
		sqlQuery += ` AND l.kind = ?`
		args = append(args, kind)
	}
	sqlQuery += ` ORDER BY l.seq`

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query local log: %w", err)
	}
	defer rows.Close()

	var log []edgestore.LocalEntry
	for rows.Next() {
		var le edgestore.LocalEntry
		if err := rows.Scan(&le.Seq, &le.Address, &le.Kind, &le.Content, &le.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan local log: %w", err)
		}
		log = append(log, le)
	}
	return log, rows.Err()
}

func (s *Store) Entries(ctx context.Context) ([]edgestore.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, kind, content, created_at FROM entries ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []edgestore.Entry
	for rows.Next() {
		var e edgestore.Entry
		if err := rows.Scan(&e.Address, &e.Kind, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Links(ctx context.Context) ([]edgestore.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, base, target, link_type, tag, created_at FROM links ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []edgestore.Link
	for rows.Next() {
		var l edgestore.Link
		if err := rows.Scan(&l.ID, &l.Base, &l.Target, &l.Type, &l.Tag, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) Ingest(ctx context.Context, e edgestore.Entry) error {
	if err := edgestore.Verify(e); err != nil {
		return err
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entries (address, kind, content, created_at)
		VALUES (?, ?, ?, ?)
	`, e.Address, e.Kind, e.Content, created)
	if err != nil {
		return fmt.Errorf("failed to ingest entry: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (edgestore.Stats, error) {
	var st edgestore.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&st.Entries); err != nil {
		return st, fmt.Errorf("failed to count entries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links`).Scan(&st.Links); err != nil {
		return st, fmt.Errorf("failed to count links: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_log WHERE peer = ?`, s.peer).Scan(&st.LocalLog); err != nil {
		return st, fmt.Errorf("failed to count local log: %w", err)
	}
	return st, nil
}

func (s *Store) Close() error {
	if s.shared {
		return nil
	}
	return s.db.Close()
}

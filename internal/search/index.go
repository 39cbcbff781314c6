package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/metrics"
)

func init() {
	sqlite_vec.Auto()
}

// Doc is one indexed message.
type Doc struct {
	Address      edgestore.Address `json:"address"`
	Conversation edgestore.Address `json:"conversation"`
	Author       edgestore.Address `json:"author"`
	Payload      string            `json:"payload"`
	Timestamp    int64             `json:"timestamp"`
}

// Hit is a search result.
type Hit struct {
	Doc
	Similarity float64 `json:"similarity"`
}

// Index stores message embeddings in its own SQLite file.
type Index struct {
	db           *sql.DB
	embedder     Embedder
	vecAvailable bool
}

// Open opens (creating if needed) the index database at path.
func Open(ctx context.Context, path string, embedder Embedder) (*Index, error) {
	if embedder == nil {
		embedder = NewLocalEmbedder()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	idx := &Index{db: db, embedder: embedder}
	if err := idx.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init index schema: %w", err)
	}
	if err := idx.ensureVecSchema(ctx); err != nil {
		log.Warn("sqlite-vec not available, using linear scan", "err", err)
	} else {
		idx.vecAvailable = true
	}
	return idx, nil
}

func (idx *Index) initSchema(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS messages (
		address TEXT PRIMARY KEY,
		conversation TEXT NOT NULL,
		author TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		embedding TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation);

	CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT);

	CREATE TABLE IF NOT EXISTS message_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT UNIQUE NOT NULL
	);
	`)
	return err
}

func (idx *Index) ensureVecSchema(ctx context.Context) error {
	var version string
	if err := idx.db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	dims := fmt.Sprintf("%d", idx.embedder.Dimensions())
	var stored string
	err := idx.db.QueryRowContext(ctx, `SELECT value FROM vec_metadata WHERE key = 'dimensions'`).Scan(&stored)
	if err == nil && stored != dims {
		log.Warn("Embedding dimensions changed, rebuilding vec index", "from", stored, "to", dims)
		idx.db.ExecContext(ctx, `DROP TABLE IF EXISTS message_embeddings`)
		idx.db.ExecContext(ctx, `DELETE FROM message_vec_ids`)
	}

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS message_embeddings USING vec0(embedding float[%s] distance_metric=cosine)`,
		dims,
	)
	if _, err := idx.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}
	_, err = idx.db.ExecContext(ctx, `INSERT OR REPLACE INTO vec_metadata (key, value) VALUES ('dimensions', ?)`, dims)
	return err
}

// VecAvailable reports whether KNN queries go through sqlite-vec.
func (idx *Index) VecAvailable() bool {
	return idx.vecAvailable
}

// Add indexes a message. Adding an address twice is a no-op, except that
// a message whose vec0 row is missing gets it back.
func (idx *Index) Add(ctx context.Context, d Doc) error {
	embedding := idx.embedder.Embed(d.Payload)
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (address, conversation, author, payload, timestamp, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.Address, d.Conversation, d.Author, d.Payload, d.Timestamp, string(embJSON)); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	if idx.vecAvailable {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_vec_ids WHERE address = ?`, d.Address).Scan(&n); err != nil {
			return fmt.Errorf("failed to check vec ID mapping: %w", err)
		}
		if n == 0 {
			if err := insertVec(ctx, tx, d.Address, embedding); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index transaction: %w", err)
	}
	return nil
}

func insertVec(ctx context.Context, tx *sql.Tx, addr edgestore.Address, embedding []float32) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO message_vec_ids (address) VALUES (?)`, addr)
	if err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}
	vecID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read vec ID: %w", err)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO message_embeddings (rowid, embedding) VALUES (?, ?)`, vecID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// Search returns up to limit messages of conversation most similar to query.
func (idx *Index) Search(ctx context.Context, conversation edgestore.Address, query string, limit int) ([]Hit, error) {
	metrics.SearchQueries.Inc()
	if limit <= 0 {
		limit = 10
	}
	q := idx.embedder.Embed(query)

	if idx.vecAvailable {
		hits, err := idx.searchVec(ctx, conversation, q, limit)
		if err == nil && len(hits) >= limit {
			return hits, nil
		}
		if err != nil {
			log.Debug("vec search failed, falling back to linear scan", "err", err)
		}
	}
	return idx.searchLinear(ctx, conversation, q, limit)
}

// searchVec over-fetches from the global KNN table and keeps hits in the
// requested conversation.
func (idx *Index) searchVec(ctx context.Context, conversation edgestore.Address, q []float32, limit int) ([]Hit, error) {
	blob, err := sqlite_vec.SerializeFloat32(q)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}
	rows, err := idx.db.QueryContext(ctx, `
		SELECT m.address, m.conversation, m.author, m.payload, m.timestamp, k.distance
		FROM (
			SELECT rowid, distance FROM message_embeddings
			WHERE embedding MATCH ? AND k = ?
		) k
		JOIN message_vec_ids v ON v.vec_id = k.rowid
		JOIN messages m ON m.address = v.address
		WHERE m.conversation = ?
		ORDER BY k.distance
		LIMIT ?
	`, blob, limit*5, conversation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var distance float64
		if err := rows.Scan(&h.Address, &h.Conversation, &h.Author, &h.Payload, &h.Timestamp, &distance); err != nil {
			return nil, err
		}
		h.Similarity = 1 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (idx *Index) searchLinear(ctx context.Context, conversation edgestore.Address, q []float32, limit int) ([]Hit, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT address, conversation, author, payload, timestamp, embedding
		FROM messages WHERE conversation = ?
	`, conversation)
	if err != nil {
		return nil, fmt.Errorf("failed to scan index: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var embJSON string
		if err := rows.Scan(&h.Address, &h.Conversation, &h.Author, &h.Payload, &h.Timestamp, &embJSON); err != nil {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		h.Similarity = cosineSimilarity(q, emb)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of indexed messages, optionally for one conversation.
func (idx *Index) Count(ctx context.Context, conversation edgestore.Address) (int, error) {
	query := `SELECT COUNT(*) FROM messages`
	var args []interface{}
	if conversation != "" {
		query += ` WHERE conversation = ?`
		args = append(args, conversation)
	}
	var n int
	if err := idx.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count index: %w", err)
	}
	return n, nil
}

// Snippet shortens a payload for single-line display.
func Snippet(payload string, max int) string {
	payload = strings.Join(strings.Fields(payload), " ")
	if r := []rune(payload); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return payload
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

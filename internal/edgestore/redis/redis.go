// Package redis is an edge store backend for peers that share a Redis
// server instead of a SQLite file.
//
// Key layout (all under a configurable prefix):
//
//	entry:<address>     JSON record, written with SETNX
//	entries             list of addresses in first-write order
//	linkset             set of "base|target|type|tag" for link dedup
//	links:<base>        list of JSON links leaving base, creation order
//	links               list of every JSON link
//	log:<peer>          list of JSON local-log rows for one peer
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CanopyHQ/tendril/internal/config"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	edgestore.Register(edgestore.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context, peer edgestore.Address) (edgestore.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis store: TENDRIL_REDIS_URL is required")
	}
	return OpenURL(ctx, cfg.RedisURL, cfg.RedisPrefix, peer)
}

// The dedup marker and the list writes run in one script so a failed
// write never leaves a marker behind without its record.
var (
	// KEYS: entry, entries. ARGV: record, address.
	storeScript = goredis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0`)

	// KEYS: linkset, links:<base>, links. ARGV: member, link.
	linkScript = goredis.NewScript(`
if redis.call("SADD", KEYS[1], ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
	redis.call("RPUSH", KEYS[3], ARGV[2])
	return 1
end
return 0`)
)

// Store is an edgestore.Store backed by Redis.
type Store struct {
	client *goredis.Client
	prefix string
	peer   edgestore.Address
}

var _ edgestore.Store = (*Store)(nil)

// OpenURL connects to a Redis-compatible URL.
func OpenURL(ctx context.Context, redisURL, prefix string, peer edgestore.Address) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping failed: %w", err)
	}
	return &Store{client: client, prefix: prefix, peer: peer}, nil
}

type logRow struct {
	Address   edgestore.Address `json:"address"`
	Kind      string            `json:"kind"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) Peer() edgestore.Address {
	return s.peer
}

func (s *Store) Put(ctx context.Context, kind string, content []byte) (edgestore.Address, error) {
	e := edgestore.Entry{
		Address:   edgestore.ComputeAddress(kind, content),
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store(ctx, e); err != nil {
		return "", err
	}

	row, err := json.Marshal(logRow{Address: e.Address, Kind: kind, CreatedAt: e.CreatedAt})
	if err != nil {
		return "", fmt.Errorf("failed to encode log row: %w", err)
	}
	if err := s.client.RPush(ctx, s.key("log", string(s.peer)), row).Err(); err != nil {
		return "", fmt.Errorf("failed to append local log: %w", err)
	}
	return e.Address, nil
}

func (s *Store) store(ctx context.Context, e edgestore.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	keys := []string{s.key("entry", string(e.Address)), s.key("entries")}
	if err := storeScript.Run(ctx, s.client, keys, data, string(e.Address)).Err(); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, addr edgestore.Address) (*edgestore.Entry, error) {
	data, err := s.client.Get(ctx, s.key("entry", string(addr))).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	var e edgestore.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

func (s *Store) Link(ctx context.Context, base, target edgestore.Address, linkType, tag string) error {
	member := strings.Join([]string{string(base), string(target), linkType, tag}, "|")
	data, err := json.Marshal(edgestore.Link{
		ID:        ulid.Make().String(),
		Base:      base,
		Target:    target,
		Type:      linkType,
		Tag:       tag,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode link: %w", err)
	}
	keys := []string{s.key("linkset"), s.key("links", string(base)), s.key("links")}
	if err := linkScript.Run(ctx, s.client, keys, member, data).Err(); err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	return nil
}

func (s *Store) GetLinks(ctx context.Context, base edgestore.Address, linkType, tag string) ([]edgestore.Address, error) {
	links, err := s.readLinks(ctx, s.key("links", string(base)))
	if err != nil {
		return nil, err
	}
	var targets []edgestore.Address
	for _, l := range links {
		if linkType != "" && l.Type != linkType {
			continue
		}
		if tag != "" && l.Tag != tag {
			continue
		}
		targets = append(targets, l.Target)
	}
	return targets, nil
}

func (s *Store) readLinks(ctx context.Context, key string) ([]edgestore.Link, error) {
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	links := make([]edgestore.Link, 0, len(raw))
	for _, r := range raw {
		var l edgestore.Link
		if err := json.Unmarshal([]byte(r), &l); err != nil {
			return nil, fmt.Errorf("failed to decode link: %w", err)
		}
		links = append(links, l)
	}
	return links, nil
}

func (s *Store) QueryLocalLog(ctx context.Context, kind string) ([]edgestore.LocalEntry, error) {
	raw, err := s.client.LRange(ctx, s.key("log", string(s.peer)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query local log: %w", err)
	}
	var out []edgestore.LocalEntry
	for i, r := range raw {
		var row logRow
		if err := json.Unmarshal([]byte(r), &row); err != nil {
			return nil, fmt.Errorf("failed to decode local log: %w", err)
		}
		if kind != "" && row.Kind != kind {
			continue
		}
		e, err := s.Get(ctx, row.Address)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		out = append(out, edgestore.LocalEntry{
			Seq:       int64(i + 1),
			Address:   row.Address,
			Kind:      row.Kind,
			Content:   e.Content,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) Entries(ctx context.Context) ([]edgestore.Entry, error) {
	addrs, err := s.client.LRange(ctx, s.key("entries"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	entries := make([]edgestore.Entry, 0, len(addrs))
	for _, a := range addrs {
		e, err := s.Get(ctx, edgestore.Address(a))
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

func (s *Store) Links(ctx context.Context) ([]edgestore.Link, error) {
	return s.readLinks(ctx, s.key("links"))
}

func (s *Store) Ingest(ctx context.Context, e edgestore.Entry) error {
	if err := edgestore.Verify(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.store(ctx, e)
}

func (s *Store) Stats(ctx context.Context) (edgestore.Stats, error) {
	var st edgestore.Stats
	n, err := s.client.LLen(ctx, s.key("entries")).Result()
	if err != nil {
		return st, fmt.Errorf("failed to count entries: %w", err)
	}
	st.Entries = int(n)
	if n, err = s.client.LLen(ctx, s.key("links")).Result(); err != nil {
		return st, fmt.Errorf("failed to count links: %w", err)
	}
	st.Links = int(n)
	if n, err = s.client.LLen(ctx, s.key("log", string(s.peer))).Result(); err != nil {
		return st, fmt.Errorf("failed to count local log: %w", err)
	}
	st.LocalLog = int(n)
	return st, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

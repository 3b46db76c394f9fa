package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store persists generated responses across runs. Entries expire after their
// TTL; an expired entry reads as a miss.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	ttl  time.Duration
	now  func() time.Time
}

type StoreStats struct {
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Bytes   int64 `json:"bytes"`
}

func Open(path, lockPath string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// One connection keeps the pragmas below in force for every statement.
	db.SetMaxOpenConns(1)

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS responses (
			prompt_hash TEXT PRIMARY KEY,
			response_text TEXT NOT NULL,
			latency_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, lock: flock.New(lockPath), ttl: ttl, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HashPrompt keys entries by the exact prompt text.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func (s *Store) Get(prompt string) (Entry, bool, error) {
	var entry Entry
	var createdUnix, ttlSeconds int64
	err := s.db.QueryRow(
		"SELECT response_text, latency_ms, created_at, ttl_seconds FROM responses WHERE prompt_hash = ?",
		HashPrompt(prompt),
	).Scan(&entry.Text, &entry.LatencyMS, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache read: %w", err)
	}
	if s.now().UTC().Unix() > createdUnix+ttlSeconds {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put stores entry unless a live entry already exists for prompt.
func (s *Store) Put(prompt string, entry Entry) error {
	return s.withLock(func() error {
		nowUnix := s.now().UTC().Unix()
		ttlSeconds := int64(s.ttl.Seconds())
		if ttlSeconds <= 0 {
			ttlSeconds = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO responses (prompt_hash, response_text, latency_ms, created_at, ttl_seconds)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(prompt_hash) DO UPDATE SET
				response_text=excluded.response_text,
				latency_ms=excluded.latency_ms,
				created_at=excluded.created_at,
				ttl_seconds=excluded.ttl_seconds
			WHERE responses.created_at + responses.ttl_seconds < ?
		`, HashPrompt(prompt), entry.Text, entry.LatencyMS, nowUnix, ttlSeconds, nowUnix)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

func (s *Store) Stats() (StoreStats, error) {
	var stats StoreStats
	nowUnix := s.now().UTC().Unix()
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN created_at + ttl_seconds < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(LENGTH(response_text)), 0)
		FROM responses`, nowUnix).Scan(&stats.Entries, &stats.Expired, &stats.Bytes)
	if err != nil {
		return StoreStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// Clear deletes entries and returns how many were removed. With expiredOnly
// only entries past their TTL go.
func (s *Store) Clear(expiredOnly bool) (int64, error) {
	var removed int64
	err := s.withLock(func() error {
		var (
			res sql.Result
			err error
		)
		if expiredOnly {
			res, err = s.db.Exec("DELETE FROM responses WHERE created_at + ttl_seconds < ?", s.now().UTC().Unix())
		} else {
			res, err = s.db.Exec("DELETE FROM responses")
		}
		if err != nil {
			return fmt.Errorf("cache clear: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

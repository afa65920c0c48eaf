// Package dedupe remembers which (account, repo, commit) triples have
// already been handed to the pipeline, so GitHub redeliveries of the same
// push do not start a second attempt. Entries live in a bbolt file and
// survive restarts; they expire after a fixed window.
package dedupe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const bucketSeen = "seen" // key: account|repo|sha -> first-seen unix nanos (big endian)

// Ledger is safe for concurrent use; bbolt serialises write transactions.
type Ledger struct {
	db     *bbolt.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (or creates) the ledger file at path.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Ledger, error) {
	if ttl <= 0 {
		return nil, errors.New("dedupe: ttl must be positive")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("dedupe: creating %s: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("dedupe: opening %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSeen))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dedupe: creating bucket: %w", err)
	}

	return &Ledger{db: db, ttl: ttl, now: time.Now, logger: logger}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Key builds the ledger key for one push.
func Key(accountID, repoFullName, commitSHA string) string {
	return strings.Join([]string{accountID, strings.ToLower(repoFullName), commitSHA}, "|")
}

// MarkSeen records key and reports whether this is its first sighting
// within the window. Check and write happen in one transaction.
func (l *Ledger) MarkSeen(key string) (first bool, err error) {
	now := l.now()

	err = l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSeen))
		if v := b.Get([]byte(key)); v != nil && !l.expired(v, now) {
			first = false
			return nil
		}
		first = true
		return b.Put([]byte(key), encodeTime(now))
	})
	if err != nil {
		return false, fmt.Errorf("dedupe: marking %s: %w", key, err)
	}
	return first, nil
}

// Forget removes key, letting the next delivery of that push through. Used
// when a hand-off fails after MarkSeen.
func (l *Ledger) Forget(key string) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSeen)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("dedupe: forgetting %s: %w", key, err)
	}
	return nil
}

// Prune deletes expired entries and returns how many were removed.
func (l *Ledger) Prune() (int, error) {
	now := l.now()
	removed := 0

	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSeen))
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if l.expired(v, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("dedupe: pruning: %w", err)
	}
	return removed, nil
}

// RunJanitor prunes every interval until ctx is done.
func (l *Ledger) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Prune()
			if err != nil {
				l.logger.Error("dedupe prune failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				l.logger.Debug("dedupe pruned expired entries", slog.Int("removed", n))
			}
		}
	}
}

func (l *Ledger) expired(v []byte, now time.Time) bool {
	if len(v) != 8 {
		return true
	}
	seen := time.Unix(0, int64(binary.BigEndian.Uint64(v)))
	return now.Sub(seen) >= l.ttl
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/storage"
)

// slowRead is when reads get logged as slow.
const slowRead = 5 * time.Second

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

var (
	_ storage.Store            = (*Storage)(nil)
	_ storage.GarbageCollector = (*Storage)(nil)
)

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Chart series are tiny compared to metrics: a few thousand points per chart.
	// 16 MB memtable is the floor below which badger flushes constantly.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// BadgerDB has several unbounded memory consumers; cap the caches explicitly
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1). // Overwritten buckets are garbage

		WithMemTableSize(memTableSize).
		WithNumMemtables(3).

		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).

		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // Values are short decimal strings, keep them in the LSM
		WithNumCompactors(2).

		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of the 2 GB default

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Get returns the points of a chart inside r
func (s *Storage) Get(ctx context.Context, name string, r chart.Range) (chart.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := chartPrefix(name)
	start := prefix
	if !r.From.IsZero() {
		start = makeKey(prefix, r.From)
	}
	var end []byte
	if !r.To.IsZero() {
		end = makeKey(prefix, r.To)
	}

	began := time.Now()
	series := chart.Series{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		var n int
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			n++
			// Check for cancellation every 1000 iterations
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			if end != nil && bytes.Compare(item.Key(), end) >= 0 {
				break
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read point: %w", err)
			}
			series = append(series, chart.Point{Bucket: parseKey(item.Key()), Value: string(value)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if elapsed := time.Since(began); elapsed > slowRead {
		log.Get(ctx).Warn().Str("chart", name).Dur("took", elapsed).Int("points", len(series)).Msg("slow chart read")
	}
	return series, nil
}

// Last returns the newest bucket of a chart
func (s *Storage) Last(ctx context.Context, name string) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := chartPrefix(name)
	var last *time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the largest key <= the seek key
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			t := parseKey(it.Item().Key())
			last = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// Upsert writes every point in a single transaction. The transaction commits
// only if the context is still live once all points are staged.
func (s *Storage) Upsert(ctx context.Context, name string, points []chart.Point) error {
	incoming, err := storage.Normalize(points)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := chartPrefix(name)
	err = s.db.Update(func(txn *badger.Txn) error {
		for i, p := range incoming {
			// Check context periodically (every 100 points)
			if i%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := txn.Set(makeKey(prefix, p.Bucket), []byte(p.Value)); err != nil {
				return fmt.Errorf("failed to write point %s: %w", p.Bucket.Format(time.DateOnly), err)
			}
		}
		return ctx.Err()
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("update of %s has too many points for one transaction: %w", name, err)
	}
	return err
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from overwritten buckets
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when there was nothing to collect
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var lastPrefix []byte
		var n int
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			key := it.Item().Key()
			if len(key) != keySize {
				continue
			}
			if !bytes.Equal(lastPrefix, key[:prefixSize]) {
				stats.TotalCharts++
				lastPrefix = append(lastPrefix[:0], key[:prefixSize]...)
			}
			stats.Observe(parseKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

const (
	prefixSize = 8
	keySize    = prefixSize + 8
)

// chartPrefix hashes the chart name into the key prefix.
func chartPrefix(name string) []byte {
	prefix := make([]byte, prefixSize)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(name))
	return prefix
}

// makeKey creates a sortable key: chart hash + bucket
// Format: [chart_hash (8 bytes)][bucket unix seconds, sign bit flipped (8 bytes)]
// Flipping the sign bit keeps buckets before 1970 ordered before later ones.
func makeKey(prefix []byte, bucket time.Time) []byte {
	key := make([]byte, keySize)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[prefixSize:], uint64(bucket.Unix())^(1<<63))
	return key
}

// parseKey extracts the bucket from a storage key
func parseKey(key []byte) time.Time {
	sec := int64(binary.BigEndian.Uint64(key[prefixSize:keySize]) ^ (1 << 63))
	return time.Unix(sec, 0).UTC()
}

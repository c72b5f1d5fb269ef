// Package store provides durable local caching on top of cockroachdb/pebble,
// adapted from the teacher's pkg/storage.PebbleStore. The exchange's source
// of truth is always the ledger; everything kept here is a resumable cache
// that can be rebuilt from a fresh QueryActive + StreamUpdates pass, so a
// corrupt or missing pebble directory is never fatal on its own.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store is a pebble-backed cache of the Event Fan-out's resume offset and
// the Orderbook Repository's pair->contract mapping (§4.C, §4.F).
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// key schema, mirroring the teacher's prefix-per-concern convention:
//
//	off                 -> last fan-out offset successfully delivered
//	pair:<pair>          -> PairCacheEntry (repo's contractId + lastOffset)
const (
	keyOffset     = "off"
	prefixPair    = "pair:"
)

func pairKey(pair string) []byte { return []byte(prefixPair + pair) }

// SaveOffset persists the last fan-out offset that was fully delivered, so
// StreamUpdates can resume from there after a restart instead of from zero.
func (s *Store) SaveOffset(offset int64) error {
	var buf [8]byte
	putUint64(buf[:], uint64(offset))
	if err := s.db.Set([]byte(keyOffset), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save offset: %w", err)
	}
	return nil
}

// LoadOffset returns the last saved offset, or (0, false) if none exists.
func (s *Store) LoadOffset() (int64, bool, error) {
	val, closer, err := s.db.Get([]byte(keyOffset))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load offset: %w", err)
	}
	defer closer.Close()
	return int64(getUint64(val)), true, nil
}

// PairCacheEntry mirrors the Orderbook Repository's in-memory row for a
// trading pair (§4.C): the active orderbook contract and the offset last
// observed for it, so a restart can detect whether the repository's
// in-memory view is still current before trusting it.
type PairCacheEntry struct {
	ContractID string `json:"contractId"`
	LastOffset int64  `json:"lastOffset"`
}

func (s *Store) SavePairEntry(pair string, entry PairCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal pair entry %s: %w", pair, err)
	}
	if err := s.db.Set(pairKey(pair), data, pebble.Sync); err != nil {
		return fmt.Errorf("save pair entry %s: %w", pair, err)
	}
	return nil
}

func (s *Store) LoadPairEntry(pair string) (PairCacheEntry, bool, error) {
	val, closer, err := s.db.Get(pairKey(pair))
	if err == pebble.ErrNotFound {
		return PairCacheEntry{}, false, nil
	}
	if err != nil {
		return PairCacheEntry{}, false, fmt.Errorf("load pair entry %s: %w", pair, err)
	}
	defer closer.Close()
	var entry PairCacheEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return PairCacheEntry{}, false, fmt.Errorf("unmarshal pair entry %s: %w", pair, err)
	}
	return entry, true, nil
}

// LoadAllPairEntries scans every cached pair entry, for warm-start of the
// Orderbook Repository.
func (s *Store) LoadAllPairEntries() (map[string]PairCacheEntry, error) {
	prefix := []byte(prefixPair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan pair entries: %w", err)
	}
	defer iter.Close()

	out := make(map[string]PairCacheEntry)
	for iter.First(); iter.Valid(); iter.Next() {
		pair := string(iter.Key()[len(prefix):])
		var entry PairCacheEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue // skip corrupt entries, rebuilt from QueryActive on demand
		}
		out[pair] = entry
	}
	return out, nil
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Package persistence durably snapshots the bitfield, uploaded_total, and
// PEX last_announced set across restarts, grounded in the teacher's
// lib/persistence.Persistence (load-on-open, explicit Save) but backed by
// rapidloop/skv's embedded key/value store instead of a single hand-rolled
// JSON blob file.
package persistence

import (
	"github.com/rapidloop/skv"

	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/logger"
)

var log = logger.Named("persistence")

const (
	keyBitfield      = "bitfield"
	keyUploadedTotal = "uploaded_total"
	keyPEXAnnounced  = "pex_last_announced"
)

// Store wraps a skv.KVStore scoped to a single torrent's save state.
type Store struct {
	kv *skv.KVStore
}

// Open opens (creating if absent) the skv database at path.
func Open(path string) (*Store, error) {
	kv, err := skv.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{kv: kv}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.kv.Close()
}

// LoadBitfield returns the persisted bitfield, or (nil, false) if never
// saved.
func (s *Store) LoadBitfield() (domain.Bitfield, bool) {
	var raw []byte
	if err := s.kv.Get(keyBitfield, &raw); err != nil {
		return nil, false
	}
	return domain.Bitfield(raw), true
}

// SaveBitfield persists the current bitfield.
func (s *Store) SaveBitfield(bf domain.Bitfield) {
	if err := s.kv.Put(keyBitfield, []byte(bf)); err != nil {
		log.Sugar().Warnw("failed to persist bitfield", "err", err)
	}
}

// LoadUploadedTotal returns the persisted upload counter, defaulting to 0.
func (s *Store) LoadUploadedTotal() int64 {
	var total int64
	if err := s.kv.Get(keyUploadedTotal, &total); err != nil {
		return 0
	}
	return total
}

// SaveUploadedTotal persists the upload counter.
func (s *Store) SaveUploadedTotal(total int64) {
	if err := s.kv.Put(keyUploadedTotal, total); err != nil {
		log.Sugar().Warnw("failed to persist uploaded_total", "err", err)
	}
}

// LoadPEXAnnounced returns the addresses announced as of the last clean
// shutdown, as "host:port" strings.
func (s *Store) LoadPEXAnnounced() []string {
	var addrs []string
	if err := s.kv.Get(keyPEXAnnounced, &addrs); err != nil {
		return nil
	}
	return addrs
}

// SavePEXAnnounced persists the current last_announced set.
func (s *Store) SavePEXAnnounced(addrs []string) {
	if err := s.kv.Put(keyPEXAnnounced, addrs); err != nil {
		log.Sugar().Warnw("failed to persist pex state", "err", err)
	}
}

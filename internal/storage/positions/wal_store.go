// Package positions persists position snapshots of the vault in a WAL so the API can replay
// and stream them.
package positions

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

const (
	defaultSnapshotDir   = "./wal/positions"
	snapshotSegmentLimit = 1000
	snapshotMaxSegments  = 100
	snapshotKey          = "position_snapshot"
)

var errNotInitialized = errors.New("position snapshot store is not initialized")

// WALStore persists position snapshots in a WAL. A snapshot that differs from the latest
// stored one only in its timestamp is dropped.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
	// last is the timestamp-free encoding of the latest stored snapshot
	last []byte
}

// NewWALStore initializes a WAL-backed snapshot store under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultSnapshotDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "snapshot_",
		SegmentThreshold: snapshotSegmentLimit,
		MaxSegments:      snapshotMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init position snapshot WAL")
	}

	store := &WALStore{wal: wal}
	latest, ok, err := store.Latest()
	if err == nil && ok {
		store.last, err = contentKey(latest.Snapshot)
	}
	if err != nil {
		_ = wal.Close()
		return nil, errors.Wrap(err, "restore latest position snapshot")
	}

	return store, nil
}

// contentKey encodes everything but the timestamp.
func contentKey(snapshot domain.PositionSnapshot) ([]byte, error) {
	snapshot.Timestamp = time.Time{}
	key, err := json.Marshal(snapshot)
	return key, errors.Wrap(err, "marshal position snapshot")
}

// Save appends the snapshot unless the position, ledger and parameters it describes are the
// same as in the latest stored one.
func (s *WALStore) Save(snapshot domain.PositionSnapshot) error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}
	if snapshot.Timestamp.IsZero() {
		return errors.New("position snapshot timestamp is required")
	}

	key, err := contentKey(snapshot)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal position snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(key, s.last) {
		return nil
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, snapshotKey, payload); err != nil {
		return err
	}
	s.last = key
	return nil
}

// SnapshotsAfter returns all snapshots written after the provided WAL index.
func (s *WALStore) SnapshotsAfter(index uint64) ([]domain.PositionSnapshotRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.PositionSnapshotRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, ok := s.wal.Get(idx)
		if !ok || !strings.HasPrefix(key, snapshotKey) {
			continue
		}
		var snapshot domain.PositionSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return nil, errors.Wrapf(err, "decode position snapshot %d", idx)
		}
		records = append(records, domain.PositionSnapshotRecord{Index: idx, Snapshot: snapshot})
	}

	return records, nil
}

// Latest returns the most recent snapshot, if any.
func (s *WALStore) Latest() (domain.PositionSnapshotRecord, bool, error) {
	current := s.CurrentIndex()
	if current == 0 {
		return domain.PositionSnapshotRecord{}, false, nil
	}
	records, err := s.SnapshotsAfter(current - 1)
	if err != nil || len(records) == 0 {
		return domain.PositionSnapshotRecord{}, false, err
	}
	return records[len(records)-1], true, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

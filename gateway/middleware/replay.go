package middleware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stablefi/storage"
)

const replayPrefix = "jti/"

// ReplayGuard remembers token ids until they expire. Entries live in a
// storage.Database so a LevelDB-backed guard survives restarts.
type ReplayGuard struct {
	mu     sync.Mutex
	db     storage.Database
	window time.Duration
	nowFn  func() time.Time
}

// NewReplayGuard returns a guard that forgets ids after window.
func NewReplayGuard(db storage.Database, window time.Duration) (*ReplayGuard, error) {
	if db == nil {
		return nil, errors.New("replay guard: database required")
	}
	if window <= 0 {
		return nil, errors.New("replay guard: window must be positive")
	}
	return &ReplayGuard{db: db, window: window, nowFn: time.Now}, nil
}

// Claim records id as used until expiry. It returns false when id was already
// claimed and has not yet expired.
func (g *ReplayGuard) Claim(id string, expiry time.Time) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errors.New("replay guard: empty id")
	}
	key := []byte(replayPrefix + id)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	raw, err := g.db.Get(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("replay guard: load: %w", err)
	case len(raw) == 8 && now.UnixNano() < int64(binary.BigEndian.Uint64(raw)):
		return false, nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(expiry.UnixNano()))
	if err := g.db.Put(key, buf); err != nil {
		return false, fmt.Errorf("replay guard: store: %w", err)
	}
	return true, nil
}

// Prune deletes expired ids and returns how many were removed.
func (g *ReplayGuard) Prune() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys, err := g.db.Keys([]byte(replayPrefix))
	if err != nil {
		return 0, fmt.Errorf("replay guard: scan: %w", err)
	}
	now := g.nowFn().UnixNano()
	removed := 0
	for _, key := range keys {
		raw, err := g.db.Get(key)
		if err != nil {
			continue
		}
		if len(raw) == 8 && int64(binary.BigEndian.Uint64(raw)) > now {
			continue
		}
		if err := g.db.Delete(key); err != nil {
			return removed, fmt.Errorf("replay guard: delete: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Package store owns the HWID to license mapping. All access is serialized by
// one mutex and every mutation is written through to a [Persister] before the
// lock is released, so durable order always matches memory order.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/koltyakov/keygate/internal/domain"
)

// Persister writes and reads the full record set.
type Persister interface {
	// Load returns every stored record. A missing backing file is not an
	// error and yields an empty slice.
	Load(ctx context.Context) ([]domain.License, error)
	// Save replaces the durable record set with records. Implementations
	// keep a single-generation backup of the previous state.
	Save(ctx context.Context, records []domain.License) error
	Close() error
}

// UpdateFunc mutates rec in place. exists reports whether rec was loaded from
// the store. Returning changed=false skips the write and persistence.
type UpdateFunc func(rec *domain.License, exists bool) (changed bool, err error)

// Store is the authoritative in-memory license map.
type Store struct {
	mu        sync.Mutex
	records   map[string]domain.License
	persister Persister
	log       *slog.Logger

	saveFailures atomic.Int64
	lastSaveOK   atomic.Bool
}

// Open loads the durable state through p. Load failures are logged and the
// store starts empty; they never abort startup.
func Open(ctx context.Context, p Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		records:   make(map[string]domain.License),
		persister: p,
		log:       logger,
	}
	s.lastSaveOK.Store(true)
	if p == nil {
		return s
	}

	loaded, err := p.Load(ctx)
	if err != nil {
		logger.Error("failed to load licenses, starting with an empty store", "err", err)
		return s
	}
	for _, rec := range loaded {
		if rec.HWID == "" {
			continue
		}
		s.records[rec.HWID] = normalize(rec)
	}
	logger.Info("licenses loaded", "count", len(s.records))
	return s
}

// Close releases the persister.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// Get returns a copy of the record for hwid.
func (s *Store) Get(hwid string) (domain.License, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hwid]
	return rec, ok
}

// All returns a copy of every record keyed by HWID.
func (s *Store) All() map[string]domain.License {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.License, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Upsert stores rec under rec.HWID and persists the new state.
func (s *Store) Upsert(ctx context.Context, rec domain.License) error {
	if rec.HWID == "" {
		return &domain.LicenseError{Op: "upsert", Err: domain.ErrInvalidInput}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.HWID] = normalize(rec)
	s.persistLocked(ctx)
	return nil
}

// Update runs fn against the current record for hwid while holding the store
// lock. When fn reports a change the result is stored and persisted before
// the lock is released. The returned record is the post-update state, or the
// unchanged/zero record when nothing was written.
func (s *Store) Update(ctx context.Context, hwid string, fn UpdateFunc) (domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[hwid]
	if !exists {
		rec = domain.License{HWID: hwid}
	}
	changed, err := fn(&rec, exists)
	if err != nil {
		return rec, err
	}
	if !changed {
		return rec, nil
	}
	rec.HWID = hwid
	rec = normalize(rec)
	s.records[hwid] = rec
	s.persistLocked(ctx)
	return rec, nil
}

// Healthy reports whether the most recent save succeeded.
func (s *Store) Healthy() bool {
	return s.lastSaveOK.Load()
}

// SaveFailures returns the number of failed saves since start.
func (s *Store) SaveFailures() int64 {
	return s.saveFailures.Load()
}

func (s *Store) persistLocked(ctx context.Context) {
	if s.persister == nil {
		return
	}
	snapshot := make([]domain.License, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].HWID < snapshot[j].HWID })

	// The in-memory state stays authoritative when a save fails.
	if err := s.persister.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		s.saveFailures.Add(1)
		s.lastSaveOK.Store(false)
		if !errors.Is(err, domain.ErrStorage) {
			err = errors.Join(domain.ErrStorage, err)
		}
		s.log.Error("failed to persist licenses", "records", len(snapshot), "err", err)
		return
	}
	s.lastSaveOK.Store(true)
}

// normalize keeps Status consistent with Active.
func normalize(rec domain.License) domain.License {
	if rec.Active {
		rec.Status = domain.StatusActive
	} else {
		rec.Status = domain.StatusRevoked
	}
	return rec
}

package store

import (
	"context"
	"sort"
	"sync"

	"keyward/internal/license"
)

// Memory is an in-process Store. It is the default for tests and for
// deployments that accept losing state on restart. All methods are safe
// for concurrent use; records are cloned on the way in and out so
// callers never share memory with the store.
type Memory struct {
	mu       sync.RWMutex
	licenses map[string]*license.Record
	trials   map[license.Fingerprint]*license.TrialRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		licenses: make(map[string]*license.Record),
		trials:   make(map[license.Fingerprint]*license.TrialRecord),
	}
}

// GetLicense implements Store.
func (m *Memory) GetLicense(_ context.Context, code string) (*license.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.licenses[license.NormalizeCode(code)].Clone(), nil
}

// UpdateLicense implements Store. The write lock spans the read, the
// transform, and the write, which is what makes last-slot races on a
// capacity code resolve to exactly one winner.
func (m *Memory) UpdateLicense(_ context.Context, code string, fn LicenseUpdateFunc) error {
	key := license.NormalizeCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.licenses[key].Clone())
	if err != nil {
		return err
	}
	if next != nil {
		m.licenses[license.NormalizeCode(next.Code)] = next.Clone()
	}
	return nil
}

// ListLicenses implements Store.
func (m *Memory) ListLicenses(_ context.Context) ([]*license.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*license.Record, 0, len(m.licenses))
	for _, rec := range m.licenses {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// GetTrial implements Store.
func (m *Memory) GetTrial(_ context.Context, hardware license.Fingerprint) (*license.TrialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trials[hardware].Clone(), nil
}

// UpdateTrial implements Store.
func (m *Memory) UpdateTrial(_ context.Context, hardware license.Fingerprint, fn TrialUpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.trials[hardware].Clone())
	if err != nil {
		return err
	}
	if next != nil {
		m.trials[hardware] = next.Clone()
	}
	return nil
}

// Health implements Store. An in-memory store is always healthy.
func (m *Memory) Health(_ context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }

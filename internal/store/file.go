package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"keyward/internal/license"
)

// fileSchemaVersion is the on-disk document shape. Version 1 files held
// the payload at the top level with no signature.
const fileSchemaVersion = 2

// defaultFileSecret signs store files when no secret is configured.
// Deployments that care about offline tampering should set their own.
const defaultFileSecret = "keyward-store-signing-key-v2"

// ErrFileTampered is returned when a store file's signature does not
// match its payload.
var ErrFileTampered = errors.New("store file signature mismatch")

// fileDocument is the envelope written to disk. The signature covers
// the exact payload bytes, so verification never depends on JSON
// canonicalization.
type fileDocument struct {
	Version   int             `json:"version"`
	SavedAt   time.Time       `json:"saved_at"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type filePayload struct {
	Licenses map[string]*license.Record      `json:"licenses"`
	Trials   map[string]*license.TrialRecord `json:"trials"`
}

// File is a Store backed by a single signed JSON file. State lives in
// memory; every successful mutation rewrites the file through a
// temp-file rename so a crash never leaves a half-written store.
type File struct {
	path   string
	secret []byte
	logger *slog.Logger

	mu       sync.RWMutex
	licenses map[string]*license.Record
	trials   map[license.Fingerprint]*license.TrialRecord
}

// NewFile opens or creates the store file at path. An empty secret
// falls back to the built-in signing key.
func NewFile(path, secret string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if secret == "" {
		secret = defaultFileSecret
	}
	f := &File{
		path:     path,
		secret:   []byte(secret),
		logger:   logger.With(slog.String("component", "file_store")),
		licenses: make(map[string]*license.Record),
		trials:   make(map[license.Fingerprint]*license.TrialRecord),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.logger.Info("store file not found, starting empty",
			slog.String("path", f.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse store file: %w", err)
	}

	payloadBytes := []byte(doc.Payload)
	if len(payloadBytes) == 0 {
		// Version 1 files are the payload itself, unsigned.
		payloadBytes = data
		f.logger.Warn("loading unsigned legacy store file, will sign on next write",
			slog.String("path", f.path))
	} else if doc.Signature != "" {
		if sign(f.secret, payloadBytes) != doc.Signature {
			return fmt.Errorf("%w: %s", ErrFileTampered, f.path)
		}
	} else {
		f.logger.Warn("store file carries no signature",
			slog.String("path", f.path))
	}

	var payload filePayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("parse store payload: %w", err)
	}

	for code, rec := range payload.Licenses {
		if rec == nil {
			continue
		}
		f.licenses[license.NormalizeCode(code)] = rec
	}
	for hw, tr := range payload.Trials {
		if tr == nil {
			continue
		}
		f.trials[license.Fingerprint(hw)] = tr
	}

	f.logger.Info("store file loaded",
		slog.String("path", f.path),
		slog.Int("licenses", len(f.licenses)),
		slog.Int("trials", len(f.trials)))
	return nil
}

// persist rewrites the store file. Callers hold the write lock.
func (f *File) persist() error {
	payload := filePayload{
		Licenses: f.licenses,
		Trials:   make(map[string]*license.TrialRecord, len(f.trials)),
	}
	for hw, tr := range f.trials {
		payload.Trials[string(hw)] = tr
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal store payload: %w", err)
	}

	doc := fileDocument{
		Version:   fileSchemaVersion,
		SavedAt:   time.Now().UTC(),
		Signature: sign(f.secret, payloadBytes),
		Payload:   payloadBytes,
	}
	// The envelope must stay compact: indenting would reformat the
	// embedded payload bytes and break signature verification on load.
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}

	// Write to a temp file and rename so readers never observe a
	// partial document.
	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// GetLicense implements Store.
func (f *File) GetLicense(_ context.Context, code string) (*license.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.licenses[license.NormalizeCode(code)].Clone(), nil
}

// UpdateLicense implements Store. The in-memory map is only committed
// after the file write succeeds, so memory and disk cannot diverge.
func (f *File) UpdateLicense(_ context.Context, code string, fn LicenseUpdateFunc) error {
	key := license.NormalizeCode(code)
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := fn(f.licenses[key].Clone())
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	key = license.NormalizeCode(next.Code)
	prev, existed := f.licenses[key]
	f.licenses[key] = next.Clone()
	if err := f.persist(); err != nil {
		if existed {
			f.licenses[key] = prev
		} else {
			delete(f.licenses, key)
		}
		return err
	}
	return nil
}

// ListLicenses implements Store.
func (f *File) ListLicenses(_ context.Context) ([]*license.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*license.Record, 0, len(f.licenses))
	for _, rec := range f.licenses {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// GetTrial implements Store.
func (f *File) GetTrial(_ context.Context, hardware license.Fingerprint) (*license.TrialRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.trials[hardware].Clone(), nil
}

// UpdateTrial implements Store.
func (f *File) UpdateTrial(_ context.Context, hardware license.Fingerprint, fn TrialUpdateFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := fn(f.trials[hardware].Clone())
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	prev, existed := f.trials[hardware]
	f.trials[hardware] = next.Clone()
	if err := f.persist(); err != nil {
		if existed {
			f.trials[hardware] = prev
		} else {
			delete(f.trials, hardware)
		}
		return err
	}
	return nil
}

// Health implements Store. The store is healthy while its directory is
// reachable, which is what a failed disk or unmounted volume breaks.
func (f *File) Health(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("store directory: %w", err)
	}
	return nil
}

// Close implements Store. Writes are synchronous so there is nothing
// to flush.
func (f *File) Close() error { return nil }

func sign(secret, payload []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

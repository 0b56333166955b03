// Package keystore owns the durable table of credential records: hashing,
// generation, lookup, status transitions, and persistence. All records are
// guarded by a single mutex so that every mutation observes and persists a
// consistent snapshot of the whole table.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// DefaultSecretLength is the number of random bytes in a generated secret.
const DefaultSecretLength = 64

// Common errors for key lookup.
var (
	// ErrKeyNotFound indicates that no record matches the secret.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRevoked indicates that the matching record is revoked.
	ErrKeyRevoked = errors.New("key has been revoked")

	// ErrKeyExpired indicates that the matching record was deprecated
	// past its grace window and has now been revoked.
	ErrKeyExpired = errors.New("key has expired (past grace period)")
)

// HashSecret returns the hex-encoded SHA-256 digest of the secret.
// Identical input always yields identical output; the digest is used
// both for storage and for lookup.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret returns a URL-safe cryptographically secure random
// token built from length random bytes.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = DefaultSecretLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Store is the durable table of credential records.
type Store struct {
	path    string
	mu      sync.Mutex
	records map[string]*Record
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	stopCh  chan struct{}
	stopped bool
}

// Option is a functional option for the store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger observability.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics for the store.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store persisting to the given path. Call Load before use.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		records: make(map[string]*Record),
		logger:  observability.NopLogger(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("gateway")
	}
	return s
}

// Load reads the persisted table from disk. A missing file starts an
// empty table; a corrupt file is an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no key database found, starting fresh",
				observability.String("path", s.path))
			return nil
		}
		return fmt.Errorf("failed to read key database: %w", err)
	}

	records := make(map[string]*Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse key database: %w", err)
	}
	s.records = records

	s.logger.Info("key database loaded",
		observability.Int("keys", len(records)),
		observability.String("path", s.path))
	return nil
}

// Add hashes the secret, inserts a new active record, persists, and
// returns the record. The returned error is a persistence failure; the
// record has been inserted in memory regardless (best-effort durability).
func (s *Store) Add(secret, name, description string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := HashSecret(secret)
	rec := &Record{
		Hash:        hash,
		Name:        name,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   s.now(),
	}
	s.records[hash] = rec
	s.metrics.RecordTransition(StatusActive)

	err := s.persistLocked()
	s.logger.Info("new API key added",
		observability.String("name", name),
		observability.String("hash", ShortHash(hash)))
	return rec.Clone(), err
}

// Find hashes the secret and looks it up. On an authenticating hit it
// updates the usage telemetry and persists; the read path mutates by
// design. A revoked record returns ErrKeyRevoked. A deprecated record
// past its grace window is revoked on the spot and returns ErrKeyExpired,
// so expiry is enforced at use time rather than only by the sweep.
func (s *Store) Find(secret string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := HashSecret(secret)
	rec, ok := s.records[hash]
	if !ok {
		s.metrics.RecordLookup("miss")
		return nil, ErrKeyNotFound
	}

	if rec.Status == StatusRevoked {
		s.metrics.RecordLookup("revoked")
		return nil, ErrKeyRevoked
	}

	if rec.GraceExpired(s.now()) {
		s.revokeLocked(rec)
		if err := s.persistLocked(); err != nil {
			s.logger.Error("failed to persist auto-revocation", observability.Error(err))
		}
		s.metrics.RecordLookup("expired")
		s.logger.Warn("deprecated key used past grace period, auto-revoked",
			observability.String("name", rec.Name),
			observability.String("hash", rec.ShortHash()))
		return nil, ErrKeyExpired
	}

	now := s.now()
	rec.LastUsed = &now
	rec.UsageCount++
	if err := s.persistLocked(); err != nil {
		s.logger.Error("failed to persist usage update", observability.Error(err))
	}

	s.metrics.RecordLookup("hit")
	return rec.Clone(), nil
}

// Deprecate transitions an active or deprecated record to deprecated
// with a fresh grace window. Calling it again while already deprecated
// refreshes the window. Returns false for an unknown hash and for a
// revoked record (revoked is terminal).
func (s *Store) Deprecate(hash string, graceHours int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok {
		return false
	}

	if rec.Status == StatusRevoked {
		return false
	}

	now := s.now()
	if rec.GraceExpired(now) {
		s.revokeLocked(rec)
		if err := s.persistLocked(); err != nil {
			s.logger.Error("failed to persist auto-revocation", observability.Error(err))
		}
		return false
	}

	until := now.Add(time.Duration(graceHours) * time.Hour)
	rec.Status = StatusDeprecated
	rec.DeprecatedAt = &now
	rec.GraceUntil = &until
	s.metrics.RecordTransition(StatusDeprecated)

	if err := s.persistLocked(); err != nil {
		s.logger.Error("failed to persist deprecation", observability.Error(err))
	}
	s.logger.Warn("API key deprecated",
		observability.String("hash", rec.ShortHash()),
		observability.Int("grace_hours", graceHours))
	return true
}

// Revoke transitions a record to revoked, the terminal status. Returns
// false for an unknown hash. Revoking an already-revoked record has no
// further effect and reports true.
func (s *Store) Revoke(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok {
		return false
	}
	if rec.Status == StatusRevoked {
		return true
	}

	s.revokeLocked(rec)
	if err := s.persistLocked(); err != nil {
		s.logger.Error("failed to persist revocation", observability.Error(err))
	}
	s.logger.Warn("API key revoked", observability.String("hash", rec.ShortHash()))
	return true
}

// revokeLocked transitions a record to revoked. Caller holds the lock.
func (s *Store) revokeLocked(rec *Record) {
	now := s.now()
	rec.Status = StatusRevoked
	rec.RevokedAt = &now
	rec.DeprecatedAt = nil
	rec.GraceUntil = nil
	s.metrics.RecordTransition(StatusRevoked)
}

// SweepExpired revokes every deprecated record whose grace window has
// passed. Returns the number of records revoked.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for _, rec := range s.records {
		if rec.GraceExpired(now) {
			s.revokeLocked(rec)
			revoked++
		}
	}

	if revoked > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("failed to persist sweep", observability.Error(err))
		}
		s.logger.Info("auto-revoked expired keys", observability.Int("count", revoked))
	}
	return revoked
}

// LegacyImport migrates plain pre-hashed secrets into the store. Secrets
// whose hash already exists are skipped, so the import is idempotent.
// Returns the number of keys imported.
func (s *Store) LegacyImport(secrets []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	for i, secret := range secrets {
		hash := HashSecret(secret)
		if _, exists := s.records[hash]; exists {
			continue
		}
		s.records[hash] = &Record{
			Hash:        hash,
			Name:        fmt.Sprintf("Migrated Key %d", i+1),
			Description: "Auto-migrated from legacy config",
			Status:      StatusActive,
			CreatedAt:   s.now(),
		}
		imported++
	}

	if imported > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("failed to persist legacy import", observability.Error(err))
		}
		s.logger.Info("migrated legacy keys", observability.Int("count", imported))
	}
	return imported
}

// Get returns a copy of the record for the given hash.
func (s *Store) Get(hash string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns a snapshot of every record.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// CountByStatus returns the number of records in the given status.
func (s *Store) CountByStatus(status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Len returns the total number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StartSweep runs SweepExpired on the given interval until Stop is called.
func (s *Store) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.SweepExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop stops the background sweep.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// persistLocked writes the whole table to disk. Caller holds the lock.
// On failure the in-memory state is kept; durability is best-effort.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		s.metrics.RecordPersistenceFailure()
		return fmt.Errorf("failed to encode key database: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.metrics.RecordPersistenceFailure()
		return fmt.Errorf("failed to write key database: %w", err)
	}
	return nil
}

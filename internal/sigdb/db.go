// Package sigdb holds the OS and service signature corpus. Readers take an
// immutable Snapshot and never lock; Reload swaps the snapshot atomically and
// keeps the previous one when the new corpus fails to load or validate.
package sigdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/match"
	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/sirupsen/logrus"
)

// Snapshot is one validated, read-only view of the corpus.
type Snapshot struct {
	all      []*domain.Signature
	os       []*domain.Signature
	services []*domain.Signature
	byID     map[string]*domain.Signature
	info     domain.DatabaseInfo
}

// All returns every signature in load order.
func (s *Snapshot) All() []*domain.Signature { return s.all }

// OS returns the OS signatures in load order.
func (s *Snapshot) OS() []*domain.Signature { return s.os }

// Services returns the service signatures in load order.
func (s *Snapshot) Services() []*domain.Signature { return s.services }

// ByID looks a signature up.
func (s *Snapshot) ByID(id string) (*domain.Signature, bool) {
	sig, ok := s.byID[id]
	return sig, ok
}

// Info describes the snapshot.
func (s *Snapshot) Info() domain.DatabaseInfo { return s.info }

// Option configures a DB.
type Option func(*DB)

// WithMetrics records reload outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(db *DB) { db.metrics = m }
}

// DB owns the current snapshot and the loader used to refresh it.
type DB struct {
	Log     *logrus.Entry
	loader  Loader
	metrics *metrics.Metrics

	mu         sync.Mutex
	generation int
	current    atomic.Pointer[Snapshot]
}

// New loads the corpus once. A DB is never returned without a snapshot.
func New(ctx context.Context, log *logrus.Entry, loader Loader, opts ...Option) (*DB, error) {
	if loader == nil {
		return nil, sonarerr.E(sonarerr.Config, "sigdb", "nil loader", nil)
	}
	db := &DB{
		Log:    log.WithField("component", "sigdb"),
		loader: loader,
	}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.Reload(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload reads and validates the corpus and publishes it. On error the
// previous snapshot stays in place.
func (db *DB) Reload(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sigs, err := db.loader.Load(ctx)
	if err != nil {
		db.metrics.RecordReload("error")
		db.Log.WithError(err).Warn("Signature load failed, keeping previous snapshot")
		return err
	}
	snap, err := build(sigs)
	if err != nil {
		db.metrics.RecordReload("invalid")
		db.Log.WithError(err).Warn("Signature validation failed, keeping previous snapshot")
		return err
	}
	db.generation++
	snap.info.Source = db.loader.Source()
	snap.info.Generation = db.generation
	snap.info.LoadedAt = time.Now()
	db.current.Store(snap)
	db.metrics.RecordReload("ok")

	db.Log.WithFields(logrus.Fields{
		"source":     snap.info.Source,
		"generation": snap.info.Generation,
		"os":         snap.info.OSCount,
		"services":   snap.info.ServiceCount,
	}).Info("Signature database loaded")
	return nil
}

// Snapshot returns the current snapshot.
func (db *DB) Snapshot() *Snapshot { return db.current.Load() }

// Info describes the current snapshot.
func (db *DB) Info() domain.DatabaseInfo {
	info := db.Snapshot().info
	fam := make(map[string]int, len(info.Families))
	for k, v := range info.Families {
		fam[k] = v
	}
	info.Families = fam
	return info
}

func build(sigs []domain.Signature) (*Snapshot, error) {
	snap := &Snapshot{
		all:  make([]*domain.Signature, 0, len(sigs)),
		byID: make(map[string]*domain.Signature, len(sigs)),
		info: domain.DatabaseInfo{Families: map[string]int{}},
	}
	var errs []string
	for i := range sigs {
		sig := &sigs[i]
		if err := validate(sig); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, dup := snap.byID[sig.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate signature id %q", sig.ID))
			continue
		}
		snap.byID[sig.ID] = sig
		snap.all = append(snap.all, sig)
		switch sig.Kind {
		case domain.SignatureOS:
			snap.os = append(snap.os, sig)
			if sig.Family != "" {
				snap.info.Families[sig.Family]++
			}
		case domain.SignatureService:
			snap.services = append(snap.services, sig)
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, sonarerr.E(sonarerr.Config, "sigdb", fmt.Sprintf("%d invalid signature(s): %v", len(errs), errs), nil)
	}
	snap.info.SignatureCount = len(snap.all)
	snap.info.OSCount = len(snap.os)
	snap.info.ServiceCount = len(snap.services)
	return snap, nil
}

func validate(sig *domain.Signature) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	for _, p := range sig.Predicates {
		if p.Pattern == "" {
			continue
		}
		if _, err := match.Compile(p.Pattern); err != nil {
			return fmt.Errorf("signature %s: pattern %q: %w", sig.ID, p.Pattern, err)
		}
	}
	if sig.VersionPattern != "" {
		if _, err := match.Compile(sig.VersionPattern); err != nil {
			return fmt.Errorf("signature %s: version_pattern %q: %w", sig.ID, sig.VersionPattern, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store/db"
)

// IntegrityCheckFunc inspects a freshly migrated database.
type IntegrityCheckFunc func(ctx context.Context, d *db.DB) (db.IntegrityReport, error)

// DefaultIntegrityCheck runs PRAGMA integrity_check.
func DefaultIntegrityCheck(ctx context.Context, d *db.DB) (db.IntegrityReport, error) {
	return d.IntegrityCheck(ctx)
}

// errCorrupt marks an attempt that failed in a way a wipe can fix.
var errCorrupt = errors.New("local database is corrupt")

// openVerified opens, migrates and checks the local database. A corrupt
// database is wiped and the sequence retried once; a second corrupt result
// is ErrIntegrity.
func (m *Manager) openVerified(ctx context.Context) (*db.DB, error) {
	d, err := m.openAttempt(ctx)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, errCorrupt) {
		return nil, err
	}

	m.log.WithError(err).Warn("local database failed verification, wiping and retrying")
	if werr := m.tier.Wipe(); werr != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, werr)
	}

	d, err = m.openAttempt(ctx)
	if err != nil {
		if errors.Is(err, errCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
		return nil, err
	}

	m.events.Emit(events.New(events.IntegrityRecovered, "local database was wiped and recreated", map[string]any{
		"path": m.tier.DBPath(),
	}))
	return d, nil
}

// openAttempt runs the open sequence once. Engine corruption codes and a
// failed integrity report both come back wrapping errCorrupt.
func (m *Manager) openAttempt(ctx context.Context) (*db.DB, error) {
	d, err := db.Open(ctx, m.tier.DBPath(), db.Options{
		Driver: m.opts.Driver,
		Logger: m.log.WithField("component", "db"),
		Now:    m.opts.Now,
	})
	if err != nil {
		return nil, classify(err, "open")
	}

	if _, err := d.RunMigrations(ctx); err != nil {
		_ = d.Close()
		return nil, classify(err, "migrate")
	}

	report, err := m.opts.IntegrityCheck(ctx, d)
	if err != nil {
		_ = d.Close()
		return nil, classify(err, "integrity check")
	}
	if !report.OK() {
		_ = d.Close()
		m.log.WithFields(logrus.Fields{"report": report.String()}).Error("integrity check failed")
		return nil, fmt.Errorf("%w: %s", errCorrupt, report)
	}
	return d, nil
}

func classify(err error, step string) error {
	if db.IsCorruption(err) {
		return fmt.Errorf("%w: %s: %w", errCorrupt, step, err)
	}
	if errors.Is(err, db.ErrMigration) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrInitialization, step, err)
}

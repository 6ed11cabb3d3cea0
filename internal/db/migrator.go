package db

import (
	"database/sql"
	"fmt"

	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/migration"
	"go.uber.org/zap"
)

// migrator applies a named, ordered migration list and records progress in a
// per-name table, so several subsystems can migrate the same database
// independently.
type migrator struct {
	db         *Database
	name       string
	table      string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) (*migrator, error) {
	return &migrator{
		db:         db,
		log:        c.Logger(name),
		name:       name,
		table:      fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
		lock:       lock,
	}, nil
}

func (m *migrator) migrate() error {
	var applied int
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INT8 NOT NULL,
				version VARCHAR(255) NOT NULL,
				PRIMARY KEY (id)
			);
		`, m.table)); err != nil {
			return err
		}
		var err error
		applied, err = m.countApplied()
		return err
	}); err != nil {
		return err
	}

	if applied > len(m.migrations) {
		return fmt.Errorf("migrator %s: database has %d applied migrations but only %d are defined", m.name, applied, len(m.migrations))
	}

	// each pending migration commits on its own, a failure leaves the
	// earlier ones applied
	for idx, mig := range m.migrations[applied:] {
		if err := m.apply(applied+idx, mig); err != nil {
			return fmt.Errorf("migrator %s: %w", m.name, err)
		}
	}
	return nil
}

func (m *migrator) countApplied() (int, error) {
	var count int
	if err := m.db.Tx.Get(&count, fmt.Sprintf("SELECT count(*) FROM %s", m.table)); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *migrator) apply(id int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying migration %s", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("running migration %s: %w", mig.Name, err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.table), id, mig.String()); err != nil {
			return fmt.Errorf("recording migration %s: %w", mig.Name, err)
		}
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.runTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}

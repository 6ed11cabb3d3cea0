// Package store is the persistent layer for arbor. It owns the schema for
// conversations, contacts, messages, drafts, attachments and group
// cryptographic material, enforces referential integrity through cascades and
// triggers, and records change notifications which are published only after
// the enclosing transaction commits.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/internal/db"
	"github.com/arbor-im/arbor/migration"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrIntegrityViolation indicates a store constraint was broken. Callers must
// not retry without changing the inputs.
var ErrIntegrityViolation = db.ErrIntegrityViolation

type EntityKind int

const (
	KindConversation EntityKind = iota
	KindContact
	KindMessage
	KindAttachment
	KindGroup
)

type Op int

const (
	OpAdded Op = iota
	OpUpdated
	OpRemoved
)

type EntityChange struct {
	Kind EntityKind
	ID   ids.ID
	Op   Op
}

// A Notification carries the entity changes committed by one transaction. It
// is an invalidation signal; consumers re-query the store for state.
type Notification struct {
	Changes []EntityChange
}

func (n *Notification) Contains(kind EntityKind, id ids.ID, op Op) bool {
	for _, c := range n.Changes {
		if c.Kind == kind && c.ID == id && c.Op == op {
			return true
		}
	}
	return false
}

type Store struct {
	DB *db.Database

	log     *zap.SugaredLogger
	clock   clock.Clock
	updates chan interface{}
	pending []EntityChange
	txOwner *sqlx.Tx
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	s := &Store{
		DB:      d,
		log:     c.Logger("store"),
		clock:   cl,
		updates: make(chan interface{}, 100),
	}

	if err := d.MigrateNoLock("_store", []*migration.Migration{
		{
			Name: "create initial tables and triggers",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(initialSchema)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}
	return s, nil
}

// Updates carries *Notification values published after each committing
// transaction that touched at least one entity.
func (s *Store) Updates() chan interface{} {
	return s.updates
}

// touch records an entity change for the current transaction. The batch is
// snapshotted before commit and published after durability; a rolled-back
// transaction discards its batch when the next transaction begins.
func (s *Store) touch(kind EntityKind, id ids.ID, op Op) {
	if s.txOwner != s.DB.Tx {
		s.txOwner = s.DB.Tx
		s.pending = nil
		s.DB.BeforeCommit(func() error {
			changes := s.pending
			s.pending = nil
			s.txOwner = nil
			if len(changes) == 0 {
				return nil
			}
			s.DB.AfterCommit(func() {
				s.updates <- &Notification{Changes: changes}
			})
			return nil
		})
	}
	s.pending = append(s.pending, EntityChange{Kind: kind, ID: id, Op: op})
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s: %w", what, ErrNotFound)
	}
	return err
}

package store

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
)

func (s *Store) Cursor(service string) ([]byte, error) {
	var cursor []byte
	if err := s.DB.Tx.Get(&cursor,
		"SELECT cursor FROM queue_cursors WHERE service = $1", service); err != nil {
		return nil, notFound(err, fmt.Sprintf("cursor for %s", service))
	}
	return cursor, nil
}

func (s *Store) SetCursor(service string, cursor []byte) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO queue_cursors (service, cursor) VALUES ($1, $2) ON CONFLICT (service) DO UPDATE SET cursor = $2",
		service, cursor); err != nil {
		return fmt.Errorf("store: error setting cursor: %w", err)
	}
	return nil
}

func (s *Store) MarkEnvelopeProcessed(envelopeID ids.ID) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO processed_envelopes (envelope_id, processed_at) VALUES ($1, $2) ON CONFLICT (envelope_id) DO NOTHING",
		envelopeID[:], s.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("store: error marking envelope processed: %w", err)
	}
	return nil
}

func (s *Store) EnvelopeProcessed(envelopeID ids.ID) (bool, error) {
	var count int
	if err := s.DB.Tx.Get(&count,
		"SELECT COUNT(*) FROM processed_envelopes WHERE envelope_id = $1", envelopeID[:]); err != nil {
		return false, fmt.Errorf("store: error checking envelope: %w", err)
	}
	return count != 0, nil
}

func (s *Store) EnqueueOutbox(e *OutboxEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = s.clock.CurrentTimeMs()
	}
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO outbox (envelope_id, group_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)",
		e.EnvelopeID, e.GroupID, e.Kind, e.Payload, e.CreatedAt); err != nil {
		return fmt.Errorf("store: error enqueueing outbox: %w", err)
	}
	return nil
}

// NextOutbox returns the oldest queued entries in send order.
func (s *Store) NextOutbox(limit int) ([]*OutboxEntry, error) {
	entries := []*OutboxEntry{}
	if err := s.DB.Tx.Select(&entries,
		"SELECT * FROM outbox ORDER BY seq LIMIT $1", limit); err != nil {
		return nil, fmt.Errorf("store: error selecting outbox: %w", err)
	}
	return entries, nil
}

func (s *Store) DeleteOutbox(seq uint64) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM outbox WHERE seq = $1", seq); err != nil {
		return fmt.Errorf("store: error deleting outbox entry: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EntityType tags the object collections that carry a state token.
type EntityType string

const (
	EntityMailbox  EntityType = "Mailbox"
	EntityThread   EntityType = "Thread"
	EntityEmail    EntityType = "Email"
	EntityIdentity EntityType = "Identity"
)

// EntityTypes lists every entity type.
var EntityTypes = []EntityType{EntityMailbox, EntityThread, EntityEmail, EntityIdentity}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityMailbox, EntityThread, EntityEmail, EntityIdentity:
		return true
	}
	return false
}

// ObjectsState is the state snapshot a diff is validated against. An empty
// field means the entity type was never synced.
type ObjectsState struct {
	MailboxState string
	ThreadState  string
	EmailState   string
}

// ObjectsState reads the mailbox, thread and email tokens in one statement.
func (tx *Tx) ObjectsState() (ObjectsState, error) {
	rows, err := tx.tx.Query(`
		SELECT entity_type, state FROM entity_states
		WHERE entity_type IN (?, ?, ?)
	`, EntityMailbox, EntityThread, EntityEmail)
	if err != nil {
		return ObjectsState{}, fmt.Errorf("read objects state: %w", err)
	}
	defer rows.Close()

	var snap ObjectsState
	for rows.Next() {
		var typ EntityType
		var state string
		if err := rows.Scan(&typ, &state); err != nil {
			return ObjectsState{}, fmt.Errorf("scan objects state: %w", err)
		}
		switch typ {
		case EntityMailbox:
			snap.MailboxState = state
		case EntityThread:
			snap.ThreadState = state
		case EntityEmail:
			snap.EmailState = state
		}
	}
	if err := rows.Err(); err != nil {
		return ObjectsState{}, fmt.Errorf("iterate objects state: %w", err)
	}
	return snap, nil
}

// State returns the token for t. ok is false when t was never synced.
func (tx *Tx) State(t EntityType) (state string, ok bool, err error) {
	err = tx.tx.QueryRow(`SELECT state FROM entity_states WHERE entity_type = ?`, t).Scan(&state)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s state: %w", t, err)
	}
	return state, true, nil
}

// SetState records the token for t.
func (tx *Tx) SetState(t EntityType, state string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	if state == "" {
		return fmt.Errorf("empty %s state", t)
	}
	_, err := tx.tx.Exec(`
		INSERT INTO entity_states (entity_type, state) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET state = excluded.state
	`, t, state)
	if err != nil {
		return fmt.Errorf("write %s state: %w", t, err)
	}
	return nil
}

// DeleteState forgets the token for t.
func (tx *Tx) DeleteState(t EntityType) error {
	if _, err := tx.tx.Exec(`DELETE FROM entity_states WHERE entity_type = ?`, t); err != nil {
		return fmt.Errorf("delete %s state: %w", t, err)
	}
	return nil
}

// GetObjectsState reads the objects state in its own read transaction.
func (s *Store) GetObjectsState(ctx context.Context) (ObjectsState, error) {
	var out ObjectsState
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ObjectsState()
		return err
	})
	return out, err
}

// GetState reads the token for t. ok is false when t was never synced.
func (s *Store) GetState(ctx context.Context, t EntityType) (state string, ok bool, err error) {
	err = s.View(ctx, func(tx *Tx) error {
		state, ok, err = tx.State(t)
		return err
	})
	return state, ok, err
}

// SetState records the token for t.
func (s *Store) SetState(ctx context.Context, t EntityType, state string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.SetState(t, state)
	})
}

// DeleteState forgets the token for t.
func (s *Store) DeleteState(ctx context.Context, t EntityType) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.DeleteState(t)
	})
}

package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Room maps a Matrix room id to the owning appservice. Deletion is soft so
// stale traffic for a removed bridge is dropped silently instead of
// re-registering the room.
type Room struct {
	ID      string
	Owner   uuid.UUID
	Deleted bool
}

// GetRoom fetches a room by id, including soft-deleted rows, or nil when the
// room was never registered.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner, deleted FROM room WHERE id = $1", id).
		Scan(&room.ID, &room.Owner, &room.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &room, nil
}

// InsertRoom registers a room as owned by an appservice.
func (s *Store) InsertRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO room (id, owner) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		room.ID, room.Owner)
	return err
}

// SoftDeleteRoom marks a room deleted without removing the row.
func (s *Store) SoftDeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE room SET deleted = true WHERE id = $1", id)
	return err
}

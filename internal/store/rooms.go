package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Room is the relational row backing a chatroom: who owns it and the search
// metadata a research feed can hang context on.
type Room struct {
	ID       int64
	UserID   string
	Title    string
	SearchID sql.NullInt64
	Name     sql.NullString
}

// RoomStore answers room membership questions from Postgres. Redis holds the
// conversation state; Postgres is the source of truth for which rooms exist.
type RoomStore struct {
	db *sql.DB
}

// OpenDB opens a pgx-backed pool with sane limits for a chat gateway.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func NewRoomStore(db *sql.DB) *RoomStore {
	return &RoomStore{db: db}
}

// ListRooms returns the ids of every room the user owns, oldest first. The
// per-room recency ordering happens after the Redis contexts are loaded.
func (s *RoomStore) ListRooms(ctx context.Context, userID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chatrooms WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, &ConnectivityError{Service: "postgres", Err: err}
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chatroom id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &ConnectivityError{Service: "postgres", Err: err}
	}
	return ids, nil
}

// GetRoom fetches one room row. Returns ErrRoomNotFound for unknown ids.
func (s *RoomStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, search_id, name FROM chatrooms WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.Title, &r.SearchID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, &ConnectivityError{Service: "postgres", Err: err}
	}
	return &r, nil
}

// DeleteRoom removes the relational row. The caller clears the Redis state.
func (s *RoomStore) DeleteRoom(ctx context.Context, id int64, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chatrooms WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return &ConnectivityError{Service: "postgres", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

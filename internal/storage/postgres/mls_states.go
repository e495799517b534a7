package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalandra/kalandra/wire"
)

// MlsStateStore implements storage.MlsStateStore for PostgreSQL.
type MlsStateStore struct{ db *pgxpool.Pool }

func (m *MlsStateStore) StoreMlsState(ctx context.Context, roomId wire.RoomId, state []byte) error {
	_, err := m.db.Exec(ctx, `
		INSERT INTO mls_states (room_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, roomId[:], state)
	return err
}

func (m *MlsStateStore) LoadMlsState(ctx context.Context, roomId wire.RoomId) ([]byte, bool, error) {
	var state []byte
	row := m.db.QueryRow(ctx, `SELECT state FROM mls_states WHERE room_id = $1`, roomId[:])
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return state, true, nil
}

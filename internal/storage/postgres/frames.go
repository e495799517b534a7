package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalandra/kalandra/internal/storage"
	"github.com/kalandra/kalandra/wire"
)

// FrameStore implements storage.FrameStore for PostgreSQL.
type FrameStore struct{ db *pgxpool.Pool }

func (f *FrameStore) AppendFrame(ctx context.Context, roomId wire.RoomId, logIndex uint64, frame []byte) error {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var latest int64 = -1
	row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(log_index), -1) FROM frames WHERE room_id = $1`, roomId[:])
	if err := row.Scan(&latest); err != nil {
		return err
	}
	if latest+1 != int64(logIndex) {
		return storage.ErrLogIndexConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO frames (room_id, log_index, payload) VALUES ($1, $2, $3)`,
		roomId[:], int64(logIndex), frame,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (f *FrameStore) LoadFrames(ctx context.Context, roomId wire.RoomId, fromLogIndex uint64, limit int) ([][]byte, error) {
	rows, err := f.db.Query(ctx,
		`SELECT payload FROM frames WHERE room_id = $1 AND log_index >= $2 ORDER BY log_index ASC LIMIT $3`,
		roomId[:], int64(fromLogIndex), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

func (f *FrameStore) LatestLogIndex(ctx context.Context, roomId wire.RoomId) (uint64, bool, error) {
	var latest int64
	row := f.db.QueryRow(ctx, `SELECT COALESCE(MAX(log_index), -1) FROM frames WHERE room_id = $1`, roomId[:])
	if err := row.Scan(&latest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if latest < 0 {
		return 0, false, nil
	}
	return uint64(latest), true, nil
}

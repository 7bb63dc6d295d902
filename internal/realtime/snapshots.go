package realtime

import (
	"context"
	"database/sql"
	"time"
)

// SQLSnapshotStore records connection lifecycle facts in Postgres.
type SQLSnapshotStore struct {
	db *sql.DB
}

func NewSQLSnapshotStore(db *sql.DB) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db}
}

func (s *SQLSnapshotStore) RecordConnect(ctx context.Context, connID, userID, role string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_snapshots (connection_id, user_id, role, connected_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (connection_id) DO NOTHING`,
		connID, userID, role, at,
	)
	return err
}

func (s *SQLSnapshotStore) RecordDisconnect(ctx context.Context, connID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connection_snapshots SET disconnected_at = $1 WHERE connection_id = $2`,
		at, connID,
	)
	return err
}

// OpenConnections lists snapshot rows without a disconnect, used on startup to
// reconcile the presence mirror after an unclean shutdown.
func (s *SQLSnapshotStore) OpenConnections(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, user_id FROM connection_snapshots WHERE disconnected_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var connID, userID string
		if err := rows.Scan(&connID, &userID); err != nil {
			return nil, err
		}
		out[connID] = userID
	}
	return out, rows.Err()
}

// CloseStale marks every open snapshot disconnected. Called on startup before
// this instance begins accepting connections.
func (s *SQLSnapshotStore) CloseStale(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connection_snapshots SET disconnected_at = $1 WHERE disconnected_at IS NULL`, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

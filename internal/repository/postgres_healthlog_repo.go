package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/doctorplus/internal/model"
)

// PostgresHealthLogRepo はPostgreSQLを使用したヘルスログリポジトリ。
type PostgresHealthLogRepo struct {
	db *sql.DB
}

// NewPostgresHealthLogRepo はPostgresHealthLogRepoを生成する。
func NewPostgresHealthLogRepo(db *sql.DB) *PostgresHealthLogRepo {
	return &PostgresHealthLogRepo{db: db}
}

// Create はログを1件保存する。
// created_atはDB側のclock_timestamp()で付与し、RETURNINGで受け取る。
func (r *PostgresHealthLogRepo) Create(ctx context.Context, userID string, logType model.LogType, value string) (*model.HealthLogEntry, error) {
	entry := &model.HealthLogEntry{
		ID:     uuid.New().String(),
		UserID: userID,
		Type:   logType,
		Value:  value,
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO health_logs (id, user_id, type, value)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		entry.ID, entry.UserID, string(entry.Type), entry.Value,
	).Scan(&entry.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert health log: %w", err)
	}

	entry.Timestamp = entry.Timestamp.UTC()
	return entry, nil
}

// ListRecentByUser は指定ユーザーのログを新しい順に最大limit件取得する。
// 同一時刻のエントリは挿入順（seq）の降順で並べる。
func (r *PostgresHealthLogRepo) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*model.HealthLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, type, value, created_at
		 FROM health_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC, seq DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list health logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*model.HealthLogEntry, 0, limit)
	for rows.Next() {
		e := &model.HealthLogEntry{}
		var logType string
		if err := rows.Scan(&e.ID, &e.UserID, &logType, &e.Value, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan health log: %w", err)
		}
		e.Type = model.LogType(logType)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate health logs: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ HealthLogRepository = (*PostgresHealthLogRepo)(nil)

// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/doctorplus/internal/model"
)

// HealthLogRepository はヘルスログの永続化インターフェース。
// ログは追記のみで、更新・削除は行わない。
type HealthLogRepository interface {
	// Create はログを1件保存し、採番されたIDとサーバー時刻を設定したエントリを返す。
	Create(ctx context.Context, userID string, logType model.LogType, value string) (*model.HealthLogEntry, error)

	// ListRecentByUser は指定ユーザーのログを新しい順に最大limit件取得する。
	// 該当がない場合は空スライスを返す。
	ListRecentByUser(ctx context.Context, userID string, limit int) ([]*model.HealthLogEntry, error)
}

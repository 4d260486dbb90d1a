// Package model はドメインモデルを定義する。
package model

import "time"

// HealthLogEntry はユーザーが記録した食事・活動ログ1件を表す。
// 作成後は変更されない。Timestampはサーバー側で書き込み時に付与する。
type HealthLogEntry struct {
	ID        string
	UserID    string
	Type      LogType
	Value     string
	Timestamp time.Time
}

// TimestampLayout はログのタイムスタンプをクライアントへ返す際の書式（UTC、ミリ秒精度）。
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ISOTimestamp はTimestampをUTCのISO 8601文字列で返す。
func (e *HealthLogEntry) ISOTimestamp() string {
	return e.Timestamp.UTC().Format(TimestampLayout)
}

// LogType はヘルスログの種別を表す。
// サービス境界では未知の種別も受け付ける。
type LogType string

const (
	// LogTypeFood は食事の記録。
	LogTypeFood LogType = "food"
	// LogTypeActivity は運動・活動の記録。
	LogTypeActivity LogType = "activity"
)

// IsKnown はクライアントが送信する既知の種別かどうかを返す。
func (t LogType) IsKnown() bool {
	return t == LogTypeFood || t == LogTypeActivity
}

// InlineImage は画像解析リクエストに含まれるデコード済みの画像データ。
// 1回のリレー呼び出しの間だけ存在し、永続化しない。
type InlineImage struct {
	Data     []byte
	MIMEType string
}

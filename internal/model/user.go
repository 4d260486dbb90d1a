package model

// User はIDトークンの検証によって得られたユーザー情報を表す。
// ユーザーの実体は外部IdPが所有し、本サービスでは保存しない。
type User struct {
	ID        string
	Name      string
	Email     string
	Anonymous bool
}

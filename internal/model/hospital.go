package model

// HospitalRecord は地図データから導出した医療施設を表す。
// リクエストごとに生成し、キャッシュや永続化は行わない。
type HospitalRecord struct {
	ID      int64
	Name    string
	Lat     float64
	Lon     float64
	Address string
}

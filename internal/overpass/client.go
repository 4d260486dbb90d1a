// Package overpass はOpenStreetMapのOverpass APIを用いた医療施設検索を提供する。
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/doctorplus/internal/model"
)

const (
	// DefaultEndpoint はOverpass APIの公開インタプリタ。
	DefaultEndpoint = "https://overpass-api.de/api/interpreter"
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 8 << 20

	unknownName        = "Hospital/Clinic (Name Unknown)"
	unavailableAddress = "Address details unavailable"
)

// Client はOverpass APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewClient はClientの新しいインスタンスを生成する。
// endpointが空の場合はDefaultEndpointを使用する。
func NewClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
	}
}

type response struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *center           `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type center struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FindHealthcare は指定座標の周辺radiusメートル以内の病院・診療所を取得する。
// 座標を持たない要素は結果から除外する。該当がない場合は空スライスを返す。
func (c *Client) FindHealthcare(ctx context.Context, lat, lon float64, radius int) ([]model.HospitalRecord, error) {
	query := BuildQuery(lat, lon, radius)
	form := url.Values{"data": {query}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "DoctorPlus/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Overpass APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Overpass APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("Overpass APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("Overpass APIのレスポンスが上限 %d バイトを超えました", maxResponseBytes)
	}

	var result response
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("Overpass APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	hospitals := make([]model.HospitalRecord, 0, len(result.Elements))
	for _, el := range result.Elements {
		rec, ok := toHospitalRecord(el)
		if !ok {
			continue
		}
		hospitals = append(hospitals, rec)
	}

	return hospitals, nil
}

// toHospitalRecord は要素をHospitalRecordに変換する。
// nodeは自身の座標、way/relationは中心座標を使う。どちらも無ければfalseを返す。
func toHospitalRecord(el element) (model.HospitalRecord, bool) {
	var lat, lon float64
	switch {
	case el.Type == "node" && el.Lat != nil && el.Lon != nil:
		lat, lon = *el.Lat, *el.Lon
	case el.Type != "node" && el.Center != nil:
		lat, lon = el.Center.Lat, el.Center.Lon
	default:
		return model.HospitalRecord{}, false
	}

	return model.HospitalRecord{
		ID:      el.ID,
		Name:    nameOf(el.Tags),
		Lat:     lat,
		Lon:     lon,
		Address: addressOf(el.Tags),
	}, true
}

func nameOf(tags map[string]string) string {
	if name := tags["name"]; name != "" {
		return name
	}
	return unknownName
}

// addressOf はaddr:streetとaddr:cityのうち存在するものをカンマ区切りで連結する。
func addressOf(tags map[string]string) string {
	var parts []string
	for _, key := range []string{"addr:street", "addr:city"} {
		if v := tags[key]; v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return unavailableAddress
	}
	return strings.Join(parts, ", ")
}

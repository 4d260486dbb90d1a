package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/doctorplus/internal/model"
	"github.com/hitoshi/doctorplus/internal/relay"
)

// LocationServiceInterface は病院検索ハンドラーが必要とするサービスインターフェース。
type LocationServiceInterface interface {
	FindHospitals(ctx context.Context, req relay.FindHospitalsRequest) ([]model.HospitalRecord, error)
}

// LocationHandler は位置情報関連のHTTPハンドラー。
type LocationHandler struct {
	service LocationServiceInterface
}

// NewLocationHandler はLocationHandlerを生成する。
func NewLocationHandler(service LocationServiceInterface) *LocationHandler {
	return &LocationHandler{service: service}
}

// findHospitalsRequest は病院検索リクエストのボディ。
// 0度は有効な座標のため、欠落はnilで判定する。
type findHospitalsRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type hospitalResponse struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

type hospitalListResponse struct {
	Hospitals []hospitalResponse `json:"hospitals"`
}

// FindHospitals は周辺の病院・診療所を返す。
// POST /api/hospitals
func (h *LocationHandler) FindHospitals(w http.ResponseWriter, r *http.Request) {
	var req findHospitalsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	records, err := h.service.FindHospitals(r.Context(), relay.FindHospitalsRequest{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	hospitals := make([]hospitalResponse, 0, len(records))
	for _, rec := range records {
		hospitals = append(hospitals, hospitalResponse{
			ID:      rec.ID,
			Name:    rec.Name,
			Lat:     rec.Lat,
			Lon:     rec.Lon,
			Address: rec.Address,
		})
	}
	writeJSON(w, http.StatusOK, hospitalListResponse{Hospitals: hospitals})
}

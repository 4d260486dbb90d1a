package overpass

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q, want application/x-www-form-urlencoded", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("フォームのパースに失敗: %v", err)
		}
		if !strings.Contains(r.PostForm.Get("data"), "out center;") {
			t.Errorf("data パラメータにクエリが含まれていません: %q", r.PostForm.Get("data"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewClient_DefaultEndpoint(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, "", newTestLogger(&buf))
	if c.endpoint != DefaultEndpoint {
		t.Errorf("endpoint = %q, want %q", c.endpoint, DefaultEndpoint)
	}
}

func TestClient_FindHealthcare_MapsNodesAndCenters(t *testing.T) {
	body := `{"elements":[
		{"type":"node","id":1,"lat":28.61,"lon":77.20,"tags":{"name":"City Hospital","addr:street":"Main Rd","addr:city":"Delhi"}},
		{"type":"way","id":2,"center":{"lat":10,"lon":20},"tags":{"amenity":"clinic"}},
		{"type":"relation","id":3,"center":{"lat":11,"lon":21},"tags":{"name":"General","addr:city":"Delhi"}},
		{"type":"way","id":4,"tags":{"name":"No geometry"}}
	]}`
	server := newTestServer(t, http.StatusOK, body)

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	got, err := c.FindHealthcare(context.Background(), 28.6, 77.2, 5000)
	if err != nil {
		t.Fatalf("FindHealthcare がエラーを返した: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("件数 = %d, want 3 (座標の無い要素は除外)", len(got))
	}

	if got[0].ID != 1 || got[0].Name != "City Hospital" || got[0].Lat != 28.61 || got[0].Lon != 77.20 {
		t.Errorf("node の変換が不正: %+v", got[0])
	}
	if got[0].Address != "Main Rd, Delhi" {
		t.Errorf("address = %q, want %q", got[0].Address, "Main Rd, Delhi")
	}

	if got[1].Lat != 10 || got[1].Lon != 20 {
		t.Errorf("way は中心座標を使うべき: %+v", got[1])
	}
	if got[1].Name != "Hospital/Clinic (Name Unknown)" {
		t.Errorf("name = %q, want default name", got[1].Name)
	}
	if got[1].Address != "Address details unavailable" {
		t.Errorf("address = %q, want default address", got[1].Address)
	}

	if got[2].Address != "Delhi" {
		t.Errorf("address = %q, want %q", got[2].Address, "Delhi")
	}
}

func TestClient_FindHealthcare_NoElements_ReturnsEmptySlice(t *testing.T) {
	server := newTestServer(t, http.StatusOK, `{"elements":[]}`)

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	got, err := c.FindHealthcare(context.Background(), 0, 0, 5000)
	if err != nil {
		t.Fatalf("FindHealthcare がエラーを返した: %v", err)
	}
	if got == nil {
		t.Fatal("expected empty non-nil slice, got nil")
	}
	if len(got) != 0 {
		t.Errorf("件数 = %d, want 0", len(got))
	}
}

func TestClient_FindHealthcare_NodeWithoutCoordinates_Dropped(t *testing.T) {
	server := newTestServer(t, http.StatusOK, `{"elements":[{"type":"node","id":9,"tags":{"name":"Ghost"}}]}`)

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	got, err := c.FindHealthcare(context.Background(), 1, 1, 5000)
	if err != nil {
		t.Fatalf("FindHealthcare がエラーを返した: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("件数 = %d, want 0", len(got))
	}
}

func TestClient_FindHealthcare_ServerError_ReturnsError(t *testing.T) {
	server := newTestServer(t, http.StatusGatewayTimeout, `<html>timeout</html>`)

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	_, err := c.FindHealthcare(context.Background(), 1, 1, 5000)
	if err == nil {
		t.Fatal("expected error for non-200 status, got nil")
	}
	if !strings.Contains(buf.String(), "Overpass APIがエラーステータスを返しました") {
		t.Errorf("expected error log, got: %s", buf.String())
	}
}

func TestClient_FindHealthcare_InvalidJSON_ReturnsError(t *testing.T) {
	server := newTestServer(t, http.StatusOK, `not json`)

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf))

	if _, err := c.FindHealthcare(context.Background(), 1, 1, 5000); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestClient_FindHealthcare_Unreachable_ReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, url, newTestLogger(&buf))

	if _, err := c.FindHealthcare(context.Background(), 1, 1, 5000); err == nil {
		t.Fatal("expected error for unreachable server, got nil")
	}
}

func TestAddressOf(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"both", map[string]string{"addr:street": "A St", "addr:city": "B"}, "A St, B"},
		{"street only", map[string]string{"addr:street": "A St"}, "A St"},
		{"city only", map[string]string{"addr:city": "B"}, "B"},
		{"none", map[string]string{}, "Address details unavailable"},
		{"nil tags", nil, "Address details unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := addressOf(tt.tags); got != tt.want {
				t.Errorf("addressOf = %q, want %q", got, tt.want)
			}
		})
	}
}

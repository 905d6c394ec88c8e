package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestBindListUploadsParams(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantStatus string
		wantErr    bool
	}{
		{name: "по умолчанию", query: "", wantLimit: 100},
		{name: "все параметры", query: "?status=complete&limit=20&offset=40", wantLimit: 20, wantOffset: 40, wantStatus: "complete"},
		{name: "ограничения", query: "?limit=5000&offset=-3", wantLimit: 1000},
		{name: "limit не ниже 1", query: "?limit=0", wantLimit: 1},
		{name: "limit не число", query: "?limit=abc", wantErr: true},
		{name: "offset не число", query: "?offset=1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := bindListUploadsParams(httptest.NewRequest(http.MethodGet, "/api/v1/uploads"+tt.query, nil))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ожидалась ошибка")
				}
				return
			}
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			limit, offset := params.page()
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("limit/offset = %d/%d, ожидалось %d/%d", limit, offset, tt.wantLimit, tt.wantOffset)
			}
			status := ""
			if params.Status != nil {
				status = *params.Status
			}
			if status != tt.wantStatus {
				t.Errorf("status = %q, ожидался %q", status, tt.wantStatus)
			}
		})
	}
}

func TestBindPathID(t *testing.T) {
	var got string
	router := chi.NewRouter()
	router.Get("/uploads/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := bindPathID(w, r)
		if !ok {
			return
		}
		got = id
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/uploads/0a1b2c", nil))
	if rr.Code != http.StatusNoContent || got != "0a1b2c" {
		t.Errorf("статус %d, id %q", rr.Code, got)
	}
}

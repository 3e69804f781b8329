package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func upstream(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", name)
		w.Header().Set("X-Path", r.URL.Path)
	})
}

func TestRoutes(t *testing.T) {
	h := routes(upstream("wager"), upstream("wallet"), upstream("realtime"))

	tests := []struct {
		method, path   string
		upstream, want string
	}{
		{http.MethodPost, "/api/wagers", "wager", "/wagers"},
		{http.MethodPost, "/api/wagers/async", "wager", "/wagers/async"},
		{http.MethodGet, "/api/wagers/w1", "wager", "/wagers/w1"},
		{http.MethodGet, "/api/sessions/202603101200", "wager", "/sessions/202603101200"},
		{http.MethodGet, "/api/wallet?userId=u1", "wallet", "/wallet"},
		{http.MethodGet, "/api/wallet/entries?userId=u1", "wallet", "/wallet/entries"},
		{http.MethodGet, "/ws?userId=u1", "realtime", "/ws"},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.upstream, rec.Header().Get("X-Upstream"), tc.path)
		assert.Equal(t, tc.want, rec.Header().Get("X-Path"), tc.path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/odds/1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/testutil"
	"github.com/radieske/updown-settlement/internal/wallet-service/dto"
	wallethttp "github.com/radieske/updown-settlement/internal/wallet-service/http"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

func newServer(t *testing.T) (*httptest.Server, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(testutil.NewMemStore(), decimal.Decimal{}, zap.NewNop())
	srv := httptest.NewServer(wallethttp.NewServer(zap.NewNop(), l).Router())
	t.Cleanup(srv.Close)
	return srv, l
}

func TestOpenAndSnapshot(t *testing.T) {
	srv, _ := newServer(t)

	body := `{"userId":"u1","available":1000000}`
	res, err := http.Post(srv.URL+"/wallet/open", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	var opened dto.OpenLedgerResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&opened))
	assert.True(t, opened.Created)
	assert.Equal(t, int64(1_000_000), opened.Available)

	// repetir não duplica o depósito
	res2, err := http.Post(srv.URL+"/wallet/open", "application/json", strings.NewReader(`{"userId":"u1","available":5}`))
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)

	res3, err := http.Get(srv.URL + "/wallet?userId=u1")
	require.NoError(t, err)
	defer res3.Body.Close()
	require.Equal(t, http.StatusOK, res3.StatusCode)

	var bal dto.BalanceResponse
	require.NoError(t, json.NewDecoder(res3.Body).Decode(&bal))
	assert.Equal(t, "u1", bal.UserID)
	assert.Equal(t, int64(1_000_000), bal.Available)
	assert.Equal(t, int64(0), bal.Escrowed)
}

func TestSnapshot_Errors(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/wallet", http.StatusBadRequest},
		{"/wallet?userId=ghost", http.StatusNotFound},
		{"/wallet/entries", http.StatusBadRequest},
		{"/wallet/entries?userId=u1&limit=abc", http.StatusBadRequest},
	}
	for _, tc := range tests {
		res, err := http.Get(srv.URL + tc.path)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, tc.want, res.StatusCode, tc.path)
	}
}

func TestOpen_InvalidPayload(t *testing.T) {
	srv, _ := newServer(t)

	for _, body := range []string{`{`, `{"userId":"","available":10}`, `{"userId":"u1","available":-1}`, `{"userId":"u1","amount":1}`} {
		res, err := http.Post(srv.URL+"/wallet/open", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, body)
	}
}

func TestEntries_Journal(t *testing.T) {
	srv, l := newServer(t)
	ctx := context.Background()
	_, err := l.Open(ctx, "u1", 1000)
	require.NoError(t, err)
	require.NoError(t, l.Escrow(ctx, "u1", "w1", 100))

	res, err := http.Get(srv.URL + "/wallet/entries?userId=u1")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out dto.EntriesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "ESCROW", out.Entries[0].Kind)
	assert.Equal(t, "w1", out.Entries[0].WagerID)
	assert.Equal(t, int64(-100), out.Entries[0].AvailableDelta)
	assert.Equal(t, int64(100), out.Entries[0].EscrowedDelta)
	assert.Equal(t, "OPEN", out.Entries[1].Kind)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newServer(t)
	res, err := http.Post(srv.URL+"/wallet", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

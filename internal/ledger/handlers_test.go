package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := newTestLedger()
	h := NewHandler(l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := gin.New()
	g := r.Group("/gateway")
	h.RegisterRoutes(g)
	h.RegisterAdminRoutes(g)
	return r, l
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_TopUp(t *testing.T) {
	r, _ := setupHandlerRouter(t)

	w := doJSON(r, http.MethodPost, "/gateway/topup", `{"wallet":"alice","amount":500}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(r, http.MethodPost, "/gateway/topup", `{"wallet":"alice","amount":"500"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success    bool    `json:"success"`
		Wallet     string  `json:"wallet"`
		NewBalance float64 `json:"newBalance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "alice", resp.Wallet)
	assert.Equal(t, 1000.0, resp.NewBalance)
}

func TestHandler_TopUpValidation(t *testing.T) {
	r, _ := setupHandlerRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing wallet", `{"amount":5}`},
		{"zero amount", `{"wallet":"a","amount":0}`},
		{"negative amount", `{"wallet":"a","amount":-1}`},
		{"missing amount", `{"wallet":"a"}`},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/gateway/topup", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandler_GetBalance(t *testing.T) {
	r, l := setupHandlerRouter(t)
	_, _ = l.TopUp(t.Context(), "bob", d("12.5"), "")

	w := doJSON(r, http.MethodGet, "/gateway/balance/bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"wallet":"bob","balance":12.5,"held":0}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/gateway/balance/stranger", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"wallet":"stranger","balance":0,"held":0}`, w.Body.String())
}

func TestHandler_GetHistory(t *testing.T) {
	r, l := setupHandlerRouter(t)
	_, _ = l.TopUp(t.Context(), "bob", d("1"), "r1")

	w := doJSON(r, http.MethodGet, "/gateway/ledger/bob?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []Entry `json:"entries"`
		Count   int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, EntryTopUp, resp.Entries[0].Type)
	assert.Equal(t, "r1", resp.Entries[0].Reference)

	w = doJSON(r, http.MethodGet, "/gateway/ledger/nobody", "")
	assert.JSONEq(t, `{"wallet":"nobody","entries":[],"count":0}`, w.Body.String())
}

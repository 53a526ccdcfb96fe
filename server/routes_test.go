// MODUL: routes_test
// ZWECK: Tests fuer die Rendezvous-Routen
// INPUT: httptest-Recorder gegen GenerateRoutes
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, httptest, testify/require
// HINWEISE: gin laeuft im TestMode

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/7blacky7/ringattention/api"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
	return w
}

func register(t *testing.T, h http.Handler, addr string, rank *int) (*httptest.ResponseRecorder, api.RegisterResponse) {
	t.Helper()

	w := call(t, h, http.MethodPost, "/api/register", api.RegisterRequest{Addr: addr, Rank: rank})
	var resp api.RegisterResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestRoot(t *testing.T) {
	h := NewServer(1).GenerateRoutes()

	w := call(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Ring rendezvous is running", w.Body.String())
}

func TestRegisterAssignsRanks(t *testing.T) {
	s := NewServer(3)
	h := s.GenerateRoutes()

	fixed := 2
	w, resp := register(t, h, "10.0.0.3:7000", &fixed)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, resp.Rank)
	require.Equal(t, 3, resp.World)
	require.Equal(t, s.rendezvous.Job(), resp.Job)

	_, resp = register(t, h, "10.0.0.1:7000", nil)
	require.Equal(t, 0, resp.Rank)

	// erneute Registrierung behaelt den Rank
	_, resp = register(t, h, "10.0.0.1:7000", nil)
	require.Equal(t, 0, resp.Rank)

	w = call(t, h, http.MethodGet, "/api/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var peers api.PeersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &peers))
	require.False(t, peers.Ready)
	require.Equal(t, []string{"10.0.0.1:7000", "", "10.0.0.3:7000"}, peers.Peers)

	_, resp = register(t, h, "10.0.0.2:7000", nil)
	require.Equal(t, 1, resp.Rank)

	w = call(t, h, http.MethodGet, "/api/status", nil)
	var status api.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.True(t, status.Ready)
	require.Equal(t, 3, status.Registered)
}

func TestRegisterErrors(t *testing.T) {
	h := NewServer(2).GenerateRoutes()

	w, _ := register(t, h, "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	bad := 5
	w, _ = register(t, h, "a:1", &bad)
	require.Equal(t, http.StatusBadRequest, w.Code)

	zero := 0
	w, _ = register(t, h, "a:1", &zero)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = register(t, h, "b:1", &zero)
	require.Equal(t, http.StatusConflict, w.Code)

	w, _ = register(t, h, "b:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = register(t, h, "c:1", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "ring is full")

	w = call(t, h, http.MethodPost, "/api/register", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, h, http.MethodPost, "/api/peers", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

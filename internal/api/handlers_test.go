package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetctl/matchfleet/internal/cloud"
	"github.com/fleetctl/matchfleet/internal/domain"
	"github.com/fleetctl/matchfleet/internal/fleet"
	"github.com/fleetctl/matchfleet/internal/workerclient"
	"github.com/stretchr/testify/require"
)

// nopProvider is a cloud.Provider that never launches anything, used by
// handler tests that exercise the 400/404 paths and never reach the
// allocator's launch-on-empty branch.
type nopProvider struct{}

func (nopProvider) DescribeAll(ctx context.Context) ([]cloud.Instance, error) { return nil, nil }
func (nopProvider) RunOne(ctx context.Context, tmpl cloud.Template) (string, error) {
	return "", context.DeadlineExceeded
}
func (nopProvider) Describe(ctx context.Context, instanceIDs []string) ([]cloud.Instance, error) {
	return nil, nil
}
func (nopProvider) Terminate(ctx context.Context, instanceIDs []string) error { return nil }

func newTestMux(t *testing.T, workerPort int) *http.ServeMux {
	t.Helper()
	registry := fleet.NewRegistry()
	registry.UpsertFromCloud("i-1", "127.0.0.20", time.Now())

	worker := workerclient.New(workerPort, time.Second, time.Second)
	launcher := fleet.NewLauncher(registry, nopProvider{}, cloud.Template{}, 10, 1, time.Millisecond, time.Millisecond)
	allocator := fleet.NewAllocator(registry, worker, launcher, 5, 10)

	h := &Handler{
		Registry:          registry,
		Allocator:         allocator,
		Worker:            worker,
		Launcher:          launcher,
		StartMatchTimeout: 2 * time.Second,
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func TestRequestPublicMatchRejectsUnknownGameMode(t *testing.T) {
	mux := newTestMux(t, 0)
	body, _ := json.Marshal(map[string]string{"matchId": "m2", "gameMode": "Bogus"})
	req := httptest.NewRequest(http.MethodPost, "/api/request-public-match", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMatchDetailsNotFound(t *testing.T) {
	mux := newTestMux(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/match-details/missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDebugVMsReportsPool(t *testing.T) {
	mux := newTestMux(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/debug/vms", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp debugResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.VMPool, 1)
}

func TestRequestMatchMissingFieldsRejected(t *testing.T) {
	mux := newTestMux(t, 0)
	body, _ := json.Marshal(map[string]string{"gameMode": "VersusMen_Online"})
	req := httptest.NewRequest(http.MethodPost, "/api/request-private-match", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

var _ = domain.PrivacyPublic

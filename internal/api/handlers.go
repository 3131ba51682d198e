// Package api exposes the match-allocation HTTP surface: request-match,
// match-details and the debug endpoint (spec.md §6). Handler style —
// json.NewDecoder/Encoder, a JSON writeError helper for failures, no web
// framework — is
// grounded on the teacher's internal/api/controlplane/handlers.go.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fleetctl/matchfleet/internal/domain"
	"github.com/fleetctl/matchfleet/internal/fleet"
	"github.com/fleetctl/matchfleet/internal/logging"
	"github.com/fleetctl/matchfleet/internal/metrics"
	"github.com/fleetctl/matchfleet/internal/workerclient"
)

// Handler holds the collaborators every route needs.
type Handler struct {
	Registry         *fleet.Registry
	Allocator        *fleet.Allocator
	Worker           *workerclient.Client
	Launcher         *fleet.Launcher
	Reconciler       *fleet.Reconciler
	PlayfabSecretKey string
	StartMatchTimeout time.Duration
}

// RegisterRoutes registers every route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/request-public-match", h.requestMatch(domain.PrivacyPublic))
	mux.HandleFunc("POST /api/request-private-match", h.requestMatch(domain.PrivacyPrivate))
	mux.HandleFunc("GET /api/match-details/{matchId}", h.matchDetails)
	mux.HandleFunc("GET /api/debug/vms", h.debugVMs)
}

type requestMatchBody struct {
	MatchID   string `json:"matchId"`
	GameMode  string `json:"gameMode"`
	TickRate  int    `json:"tickRate"`
	MatchType string `json:"matchType"`
}

type matchDescriptor struct {
	ServerIP    string `json:"serverIP"`
	ServerPort  int    `json:"serverPort"`
	MatchID     string `json:"matchId"`
	GameMode    string `json:"gameMode"`
	TickRate    int    `json:"tickRate"`
	ContainerID string `json:"containerId"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// requestMatch builds the handler for one of the two privacy-fixed
// endpoints (spec.md §4.7).
func (h *Handler) requestMatch(privacy domain.MatchPrivacy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body requestMatchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest")
			return
		}
		if body.MatchID == "" || body.GameMode == "" {
			writeError(w, http.StatusBadRequest, "InvalidRequest")
			return
		}
		scene, ok := domain.SceneFor(body.GameMode)
		if !ok {
			writeError(w, http.StatusBadRequest, "InvalidRequest")
			return
		}

		matchType := domain.MatchType(body.MatchType)
		if matchType == "" {
			matchType = domain.DefaultMatchType(privacy)
		}
		tickRate := body.TickRate

		ctx, cancel := context.WithTimeout(r.Context(), h.StartMatchTimeout)
		defer cancel()

		vm, err := h.Allocator.GetAvailableVM(ctx)
		if err != nil {
			if errors.Is(err, fleet.ErrNoCapacity) {
				metrics.RecordAllocation(string(privacy), "no_capacity")
				writeError(w, http.StatusServiceUnavailable, "NoVmAvailable")
				return
			}
			metrics.RecordAllocation(string(privacy), "internal_error")
			writeError(w, http.StatusInternalServerError, "Internal")
			return
		}

		resp, err := h.Worker.StartMatch(ctx, vm.InstanceID, vm.IP, workerclient.StartMatchRequest{
			MatchID:          body.MatchID,
			GameMode:         body.GameMode,
			Scene:            scene,
			MatchPrivacy:     string(privacy),
			TickRate:         tickRate,
			MatchType:        string(matchType),
			PlayfabSecretKey: h.PlayfabSecretKey,
		})
		if err != nil {
			logging.Op().Warn("start-match failed", "instance_id", vm.InstanceID, "error", err)
			metrics.RecordAllocation(string(privacy), "start_match_failed")
			writeError(w, http.StatusInternalServerError, "Internal")
			return
		}

		metrics.RecordAllocation(string(privacy), "placed")
		h.Registry.IncrementMatchCount(vm.InstanceID)
		h.Registry.RecordMatch(domain.Match{
			MatchID:      body.MatchID,
			GameMode:     body.GameMode,
			MatchPrivacy: privacy,
			TickRate:     tickRate,
			MatchType:    matchType,
			ServerIP:     vm.IP,
			ServerPort:   resp.ServerPort,
			ContainerID:  resp.ContainerID,
			VMInstanceID: vm.InstanceID,
			StartedAt:    time.Now(),
		})

		writeJSON(w, http.StatusOK, matchDescriptor{
			ServerIP:    vm.IP,
			ServerPort:  resp.ServerPort,
			MatchID:     body.MatchID,
			GameMode:    body.GameMode,
			TickRate:    tickRate,
			ContainerID: resp.ContainerID,
		})
	}
}

func (h *Handler) matchDetails(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("matchId")
	if matchID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	m, ok := h.Registry.GetMatch(matchID)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, matchDescriptor{
		ServerIP:    m.ServerIP,
		ServerPort:  m.ServerPort,
		MatchID:     m.MatchID,
		GameMode:    m.GameMode,
		TickRate:    m.TickRate,
		ContainerID: m.ContainerID,
	})
}

type debugResponse struct {
	ProtectedVM     string        `json:"protectedVM"`
	VMPool          []domain.VM   `json:"vmPool"`
	Matches         []domain.Match `json:"matches"`
	LaunchInFlight  bool          `json:"launchInFlight"`
	LastReconcileAt *time.Time    `json:"lastReconcileAt,omitempty"`
}

// debugVMs enriches spec.md's {protectedVM, vmPool, matches} response with
// launchInFlight and lastReconcileAt (SPEC_FULL §4.8).
func (h *Handler) debugVMs(w http.ResponseWriter, r *http.Request) {
	view := h.Registry.Debug()
	resp := debugResponse{
		ProtectedVM:    view.ProtectedVM,
		VMPool:         view.VMPool,
		Matches:        view.Matches,
		LaunchInFlight: h.Launcher.InFlight(),
	}
	if h.Reconciler != nil {
		if last := h.Reconciler.LastReconcileAt(); !last.IsZero() {
			resp.LastReconcileAt = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

const snapshotTimeout = 5 * time.Second

// Snapshotter reads a room's current state.
type Snapshotter interface {
	Snapshot(ctx context.Context, roomID string) (domain.RoomSnapshot, error)
}

// RoomsHandler serves read-only room views over REST.
type RoomsHandler struct {
	rooms   Snapshotter
	results app.ResultRepository
	logger  *slog.Logger
	group   singleflight.Group
}

// NewRoomsHandler builds the REST handler. results may be nil when no result store is configured.
func NewRoomsHandler(rooms Snapshotter, results app.ResultRepository, logger *slog.Logger) *RoomsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomsHandler{rooms: rooms, results: results, logger: logger}
}

// GetRoom returns the live snapshot. Concurrent requests for one room share a single room-worker round trip.
func (h *RoomsHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	v, err, _ := h.group.Do("snapshot:"+roomID, func() (any, error) {
		// Shared by every waiter, so one caller going away must not cancel it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), snapshotTimeout)
		defer cancel()
		return h.rooms.Snapshot(ctx, roomID)
	})
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case err != nil:
		h.logger.Warn("room snapshot failed", "room", roomID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "room unavailable")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

// GetResults returns durable quiz results for a room, best score first.
func (h *RoomsHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusNotImplemented, "results store not configured")
		return
	}
	roomID := mux.Vars(r)["roomId"]
	results, err := h.results.GetResults(r.Context(), roomID)
	if err != nil {
		h.logger.Warn("load results failed", "room", roomID, "err", err)
		writeError(w, http.StatusBadGateway, "results unavailable")
		return
	}
	if results == nil {
		results = []domain.RoomResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

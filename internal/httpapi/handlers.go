package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PandaDev0069/tuiz-liveview/internal/phase"
	"github.com/PandaDev0069/tuiz-liveview/internal/reconcile"
	"github.com/PandaDev0069/tuiz-liveview/internal/screen"
	"github.com/PandaDev0069/tuiz-liveview/internal/session"
)

// Room is the per-room surface the handlers render and control.
type Room interface {
	Screen(ctx context.Context) (screen.Screen, error)
	JoinURL() string
	Control(ctx context.Context, action string, to phase.Phase) error
}

// Rooms resolves a room code to a live room, creating the session on
// first use.
type Rooms interface {
	Room(ctx context.Context, code string) (Room, error)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// RoomScreen serves the fully resolved screen for a room as JSON.
func RoomScreen(rooms Rooms, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		room, err := rooms.Room(r.Context(), code)
		if err != nil {
			log.Warn("room resolve failed", zap.String("room", code), zap.Error(err))
			http.Error(w, "room unavailable", http.StatusBadGateway)
			return
		}

		s, err := room.Screen(r.Context())
		if err != nil {
			log.Warn("screen render failed", zap.String("room", code), zap.Error(err))
			http.Error(w, "room unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	}
}

// RoomQR serves the room's join link as a PNG. An optional size query
// overrides the default pixel size.
func RoomQR(rooms Rooms, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		room, err := rooms.Room(r.Context(), code)
		if err != nil {
			log.Warn("room resolve failed", zap.String("room", code), zap.Error(err))
			http.Error(w, "room unavailable", http.StatusBadGateway)
			return
		}

		size := 0
		if raw := r.URL.Query().Get("size"); raw != "" {
			size, err = strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid size", http.StatusBadRequest)
				return
			}
		}

		png, err := screen.JoinQR(room.JoinURL(), size)
		if err != nil {
			log.Warn("qr render failed", zap.String("room", code), zap.Error(err))
			http.Error(w, "qr render failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

type controlRequest struct {
	Action string `json:"action"`
	Phase  string `json:"phase,omitempty"`
}

// RoomControl publishes a host action into the room. The state change
// lands asynchronously when the event comes back through the gateway.
func RoomControl(rooms Rooms, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")

		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		room, err := rooms.Room(r.Context(), code)
		if err != nil {
			log.Warn("room resolve failed", zap.String("room", code), zap.Error(err))
			http.Error(w, "room unavailable", http.StatusBadGateway)
			return
		}

		err = room.Control(r.Context(), req.Action, phase.Phase(req.Phase))
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(struct {
				Status string `json:"status"`
			}{Status: "accepted"})
		case errors.Is(err, reconcile.ErrNotHost):
			http.Error(w, "host role required", http.StatusForbidden)
		case errors.Is(err, session.ErrUnknownAction), errors.Is(err, phase.ErrUnknownPhase):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			log.Warn("control publish failed",
				zap.String("room", code), zap.String("action", req.Action), zap.Error(err))
			http.Error(w, "control publish failed", http.StatusBadGateway)
		}
	}
}

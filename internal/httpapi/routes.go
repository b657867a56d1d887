package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PandaDev0069/tuiz-liveview/internal/session"
)

// RegistryRooms adapts the session registry to the Rooms interface.
type RegistryRooms struct {
	Registry *session.Registry
}

func (rr RegistryRooms) Room(ctx context.Context, code string) (Room, error) {
	s, err := rr.Registry.Ensure(ctx, code)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func SetupRoutes(rooms Rooms, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/rooms/{code}/screen", RoomScreen(rooms, log))
	r.Get("/rooms/{code}/qr", RoomQR(rooms, log))
	r.Post("/rooms/{code}/control", RoomControl(rooms, log))
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

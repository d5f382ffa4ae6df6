package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/portal-sync/internal/config"
	"github.com/portal-sync/internal/pkg/log"
	"github.com/portal-sync/internal/transport/http/handler"
	appmiddleware "github.com/portal-sync/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds the local state API router. Background work started for
// the router stops when ctx is done.
func NewRouter(ctx context.Context, cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(log.HTTPMiddleware(log.Component("http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var authMw func(http.Handler) http.Handler
	if deps.TokenParser != nil {
		authMw = appmiddleware.Auth(deps.TokenParser, deps.UserID)
	} else {
		authMw = func(next http.Handler) http.Handler { return next }
	}

	limiter := appmiddleware.NewRateLimiter(rate.Limit(cfg.LocalRateLimit), cfg.LocalRateBurst)
	go func() {
		<-ctx.Done()
		limiter.Stop()
	}()

	healthH := handler.NewHealthHandler(deps.Connection)
	notifH := handler.NewNotificationHandler(deps.Notifications)
	roomH := handler.NewRoomHandler(deps.Chat, deps.Session)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", healthH.Health)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit)
			r.Use(authMw)

			r.Get("/connection", healthH.Connection)

			r.Get("/notifications", notifH.List)
			r.Post("/notifications/refresh", notifH.Refresh)
			r.Post("/notifications/read-all", notifH.MarkAllAsRead)
			r.Post("/notifications/{id}/read", notifH.MarkAsRead)
			r.Delete("/notifications/{id}", notifH.Delete)

			r.Get("/rooms", roomH.List)
			r.Post("/rooms", roomH.Create)
			r.Post("/rooms/refresh", roomH.Refresh)
			r.Get("/rooms/{id}/messages", roomH.Messages)
			r.Post("/rooms/{id}/messages", roomH.Send)
			r.Post("/rooms/{id}/messages/read", roomH.MarkRead)
			r.Post("/rooms/{id}/open", roomH.Open)
			r.Post("/rooms/{id}/close", roomH.Close)
		})
	})

	return r
}

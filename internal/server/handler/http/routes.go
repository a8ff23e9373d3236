package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/metrics"
	"github.com/kirill-eremin-production/my-passwords/internal/middleware"
)

// Limiters throttles the endpoints that accept guesses. A nil limiter
// leaves its routes unthrottled.
type Limiters struct {
	Code      *middleware.RateLimiter
	Auth      *middleware.RateLimiter
	Biometric *middleware.RateLimiter
}

// Handlers groups the handlers mounted by NewRouter.
type Handlers struct {
	Session   *SessionHandler
	Biometric *BiometricHandler
	Vault     *VaultHandler
}

// NewRouter builds the API router.
//
// Routes:
//
//	GET    /api/session                     → Session.Session
//	POST   /api/code                        → Session.Code        (any session, throttled)
//	POST   /api/auth                        → Session.Auth        (throttled)
//	POST   /api/logout                      → Session.Logout
//	GET    /api/biometric/challenge         → Biometric.Challenge (any session)
//	POST   /api/biometric/authenticate      → Biometric.Authenticate (any session, throttled)
//	POST   /api/biometric/register          → Biometric.Register  (authorized)
//	GET    /api/biometric/credentials       → Biometric.Credentials (authorized)
//	DELETE /api/biometric/credentials/{id}  → Biometric.RemoveCredential (authorized)
//	GET    /api/passwords                   → Vault.Get           (authorized)
//	POST   /api/passwords                   → Vault.Save          (authorized)
//	GET    /metrics                         → Prometheus
func NewRouter(h Handlers, sessions *middleware.Sessions, limits Limiters, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(metrics.HTTPMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Only allow requests with Content-Type: application/json
		r.Use(chiMiddleware.AllowContentType("application/json"))

		r.Get("/session", h.Session.Session)
		r.With(throttle(limits.Auth)).Post("/auth", h.Session.Auth)
		r.Post("/logout", h.Session.Logout)

		// Any live session, pending or authenticated.
		r.Group(func(r chi.Router) {
			r.Use(sessions.RequireSession)
			r.With(throttle(limits.Code)).Post("/code", h.Session.Code)
			r.Get("/biometric/challenge", h.Biometric.Challenge)
			r.With(throttle(limits.Biometric)).Post("/biometric/authenticate", h.Biometric.Authenticate)
		})

		// Authenticated sessions only.
		r.Group(func(r chi.Router) {
			r.Use(sessions.RequireAuthorized)
			r.Post("/biometric/register", h.Biometric.Register)
			r.Get("/biometric/credentials", h.Biometric.Credentials)
			r.Delete("/biometric/credentials/{id}", h.Biometric.RemoveCredential)
			r.Get("/passwords", h.Vault.Get)
			r.Post("/passwords", h.Vault.Save)
		})
	})

	return r
}

func throttle(l *middleware.RateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}

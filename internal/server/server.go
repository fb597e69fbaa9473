// Package server exposes the license authority over HTTP: the public
// register/verify/validate/download endpoints, the admin API and its live
// event stream, and the health probe.
package server

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/keygate/internal/auth"
	"github.com/koltyakov/keygate/internal/authority"
	"github.com/koltyakov/keygate/internal/config"
	"github.com/koltyakov/keygate/internal/domain"
	"github.com/koltyakov/keygate/internal/netutil"
)

// StorageHealth reports whether the last durable write succeeded.
type StorageHealth interface {
	Healthy() bool
}

type Server struct {
	cfg       config.ServerConfig
	svc       *authority.Service
	storage   StorageHealth
	telemetry *Telemetry
	limiter   *rateLimiter
	validate  *validator.Validate
	admin     auth.SecretVerifier
	serverID  string
	log       *slog.Logger
	now       func() time.Time
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New wires a Server. telemetry may be shared with the authority as its
// event sink; a nil telemetry gets a private one.
func New(cfg config.ServerConfig, svc *authority.Service, storage StorageHealth, telemetry *Telemetry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if telemetry == nil {
		telemetry = NewTelemetry(logger)
	}
	return &Server{
		cfg:       cfg,
		svc:       svc,
		storage:   storage,
		telemetry: telemetry,
		limiter:   newRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitMaxClients),
		validate:  newValidator(),
		admin:     auth.NewSecretVerifier(cfg.AdminSecret, cfg.AdminSecretHash),
		serverID:  uuid.NewString(),
		log:       logger,
		now:       time.Now,
	}
}

// Handler builds the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(s.rateLimitMiddleware)

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Get("/health", s.handleHealth)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/verify", s.handleVerify)
		r.Post("/auth/validate", s.handleValidate)
		r.Post("/mod/download", s.handleDownload)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Get("/licenses", s.handleAdminLicenses)
			r.Get("/stats", s.handleAdminStats)
			r.Post("/revoke", s.handleAdminRevoke)
			r.Post("/reactivate", s.handleAdminReactivate)
		})
		// Long-lived; kept out of the request timeout.
		r.Get("/events", s.handleAdminEvents)
	})
	return r
}

func (s *Server) clientIP(r *http.Request) string {
	return netutil.ClientIP(r, s.cfg.TrustProxyHeaders)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	storage := "ok"
	if s.storage != nil && !s.storage.Healthy() {
		storage = "degraded"
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:    "ok",
		Server:    s.cfg.ServerName,
		ServerID:  s.serverID,
		Storage:   storage,
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Error: "Endpoint not found"})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Error: "Method not allowed"})
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

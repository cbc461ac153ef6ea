package internal

import (
	"context"
	"embed"
	"net/http"
	"time"

	"equipment-loan-api/internal/auth"
	"equipment-loan-api/internal/config"
	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/evidence"
	"equipment-loan-api/internal/handlers"
	"equipment-loan-api/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

//go:embed openapi
var openapiFS embed.FS

// NotificationLogs is the read side of the delivery log.
type NotificationLogs interface {
	ListNotificationLogs(ctx context.Context, status models.NotificationStatus, limit, offset int) ([]models.NotificationLog, int, error)
}

// Deps are the collaborators the HTTP layer serves. Metrics and Health are optional.
type Deps struct {
	Engine   *engine.Engine
	Logs     NotificationLogs
	Evidence evidence.Store
	Metrics  *Metrics
	Health   func(ctx context.Context) error
}

type Server struct {
	Router     *chi.Mux
	Engine     *engine.Engine
	Logs       NotificationLogs
	Evidence   evidence.Store
	JWTManager *auth.JWTManager
	Metrics    *Metrics
	Log        *zap.Logger

	cfg    *config.Config
	health func(ctx context.Context) error
}

func NewServer(cfg *config.Config, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	s := &Server{
		Router:     chi.NewRouter(),
		Engine:     deps.Engine,
		Logs:       deps.Logs,
		Evidence:   deps.Evidence,
		JWTManager: auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTExpiry),
		Metrics:    deps.Metrics,
		Log:        log,
		cfg:        cfg,
		health:     deps.Health,
	}

	s.Router.Use(RequestLogger(log))
	if cfg.EnableMetrics {
		s.Router.Use(s.Metrics.Middleware())
		s.Router.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	}

	s.Router.Get("/health", s.healthCheck)
	s.Router.Post("/auth/login", s.loginUser)
	s.mountDocs(s.Router)

	s.Router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(s.JWTManager))
		s.mountProtectedRoutes(r)
	})

	return s
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.Log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mountDocs serves the OpenAPI document and Swagger UI
func (s *Server) mountDocs(mux *chi.Mux) {
	if !s.cfg.EnableSwagger {
		return
	}

	mux.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		data, err := openapiFS.ReadFile("openapi/openapi.yaml")
		if err != nil {
			http.Error(w, "Failed to read OpenAPI document", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.Write(data)
	})

	mux.HandleFunc("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<!doctype html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>Equipment Loan API - Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css">
    <style>
        body { margin: 0; background: #f7f7f7; }
        .swagger-ui .topbar { background: #0f3d3e; }
        .swagger-ui .topbar .download-url-wrapper { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            window.ui = SwaggerUIBundle({
                url: '/openapi.yaml',
                dom_id: '#swagger-ui',
                deepLinking: true,
                presets: [SwaggerUIBundle.presets.apis],
                tryItOutEnabled: true
            });
        };
    </script>
</body>
</html>`))
	})
}

func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return auth.MustRole(auth.RoleAdmin)(h).ServeHTTP
}

// mountProtectedRoutes mounts all routes that require authentication.
// Lifecycle routes accept operators and admins; catalog edits, user
// management and cancellations are admin only.
func (s *Server) mountProtectedRoutes(r chi.Router) {
	r.Use(auth.MustRole(auth.RoleOperator, auth.RoleAdmin))

	// Units and lifecycle
	r.Get("/units", s.listUnits)
	r.Get("/units/{id}", s.getUnit)
	r.Get("/units/{id}/checklist", s.getChecklist)
	r.Get("/units/{id}/loans", s.listUnitLoans)
	r.Post("/units/{id}/checkout", s.checkout)
	r.Post("/units/{id}/return", s.returnUnit)
	r.Post("/issues/{id}/resolve", s.resolveIssue)
	r.Get("/loans/{id}", s.getLoan)
	r.Post("/evidence", s.uploadEvidence)

	// Cancellation
	r.Post("/loans/{id}/cancel", adminOnly(s.cancelLoan))
	r.Post("/returns/{id}/cancel", adminOnly(s.cancelReturn))

	// Reporting
	r.Get("/utilization", s.getUtilization)
	r.Get("/reports/utilization", s.getUtilizationReport)
	r.Get("/reports/utilization.xlsx", s.getUtilizationXLSX)
	r.Get("/stats/status", s.getStatusCounts)

	// Catalog
	r.Get("/categories", s.listCategories)
	r.Post("/categories", adminOnly(s.createCategory))
	r.Get("/device-types", s.listDeviceTypes)
	r.Post("/device-types", adminOnly(s.createDeviceType))
	r.Put("/device-types/{id}/template/{itemId}", adminOnly(s.putTemplateLine))
	r.Post("/items", adminOnly(s.createItem))
	r.Delete("/items/{id}", adminOnly(s.deleteItem))
	r.Post("/units", adminOnly(s.createUnit))
	r.Put("/units/{id}/overrides/{itemId}", adminOnly(s.putOverride))
	r.Delete("/units/{id}/overrides/{itemId}", adminOnly(s.deleteOverride))

	importsHandler := handlers.NewImportsHandler(s.Engine, s.cfg.ImportMapping, s.Log)
	r.Post("/imports/units", adminOnly(importsHandler.UploadUnits))

	// Notifications
	r.Get("/categories/{id}/members", s.listMembers)
	r.Post("/categories/{id}/members", adminOnly(s.addMember))
	r.Delete("/members/{id}", adminOnly(s.removeMember))
	r.Get("/notifications/logs", adminOnly(s.listNotificationLogs))

	// Accounts
	r.Get("/auth/profile", s.getUserProfile)
	r.Put("/auth/profile", s.updateUserProfile)
	r.Put("/auth/change-password", s.changePassword)
	r.Get("/users", adminOnly(s.listUsers))
	r.Post("/users", adminOnly(s.createUser))
	r.Get("/users/{id}", adminOnly(s.getUser))
	r.Put("/users/{id}", adminOnly(s.updateUser))
	r.Delete("/users/{id}", adminOnly(s.deleteUser))
}

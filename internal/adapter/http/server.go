// Package adapthttp implements the HTTP adapter for the application.
package adapthttp

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"go.uber.org/zap"

	"nutrisync/internal/app"
)

// Services are the application services the adapter drives.
type Services struct {
	Ingest   *app.IngestService
	WeighIns *app.WeighInService
	Sync     *app.SyncService
	Auth     *app.AuthService
	Metrics  *app.Metrics
}

// Server is the driving HTTP adapter that routes requests to application
// services.
type Server struct {
	ingest   *app.IngestService
	weighIns *app.WeighInService
	sync     *app.SyncService
	auth     *app.AuthService
	metrics  *app.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	query    *schema.Decoder
}

// New creates a Server wired to the given application services.
func New(svc Services, logger *zap.Logger) *Server {
	query := schema.NewDecoder()
	query.IgnoreUnknownKeys(true)
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		ingest:   svc.Ingest,
		weighIns: svc.WeighIns,
		sync:     svc.Sync,
		auth:     svc.Auth,
		metrics:  svc.Metrics,
		logger:   logger.Named("http"),
		validate: validate,
		query:    query,
	}
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods(http.MethodGet)

	v1 := api.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	protected := v1.PathPrefix("").Subrouter()
	protected.Use(s.authMiddleware)

	scale := protected.PathPrefix("/balanca").Subrouter()
	scale.HandleFunc("/pesagens", s.handleIngest).Methods(http.MethodPost)
	scale.HandleFunc("/pesagens-pendentes", s.handleListPending).Methods(http.MethodGet)
	scale.HandleFunc("/pesagens-pendentes/{id}/associar", s.handleAssociate).Methods(http.MethodPost)
	scale.HandleFunc("/pesagens-pendentes/{id}", s.handleDiscard).Methods(http.MethodDelete)
	scale.HandleFunc("/metricas", s.handleMetrics).Methods(http.MethodGet)

	syncRoutes := protected.PathPrefix("/sync").Subrouter()
	syncRoutes.HandleFunc("/pull", s.handlePull).Methods(http.MethodGet)
	syncRoutes.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NAO_ENCONTRADO", "rota não encontrada", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METODO_NAO_PERMITIDO", "método não permitido", nil)
	})

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(false),
	)(withNoCache(r))
}

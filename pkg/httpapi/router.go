package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/hierarchy"
	"github.com/tokenreg/quorum/pkg/rules"
	"github.com/tokenreg/quorum/pkg/timeline"
	"github.com/tokenreg/quorum/pkg/workflow"
)

// RouterConfig wires the API surface together.
type RouterConfig struct {
	Engine     *workflow.Engine
	Validators ValidatorAdmin
	Rules      *rules.Resolver
	Timeline   *timeline.Store

	// Retirer enables the retirement pre-check endpoint when set.
	Retirer Retirer

	// Tokens serves the dependents endpoint when set; development mode
	// points it at the local token table.
	Tokens hierarchy.Client

	// DB backs the readiness probe.
	DB *gorm.DB

	// Actor resolves the caller's principal; nil means trusted-proxy
	// headers.
	Actor ActorExtractor

	// CORSOrigins overrides the allowed origins. Empty allows any.
	CORSOrigins []string
}

// NewRouter builds the full HTTP surface: probes at the root, the API
// under /api/quorum/v1.
func NewRouter(cfg RouterConfig) chi.Router {
	actor := cfg.Actor
	if actor == nil {
		actor = HeaderActor
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Principal", "X-User-Role"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	startedAt := time.Now()
	r.Get("/healthz", healthzHandler(startedAt))
	r.Get("/readyz", readyzHandler(cfg.DB))

	r.Route("/api/quorum/v1", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", submitHandler(cfg.Engine, actor))
			r.Get("/", listRequestsHandler(cfg.Engine))
			r.Get("/{id}", getRequestHandler(cfg.Engine, cfg.Timeline))
			r.Post("/{id}/votes", voteHandler(cfg.Engine, actor))
			r.Post("/{id}/execute", executeHandler(cfg.Engine, actor))
			r.Post("/{id}/cancel", cancelHandler(cfg.Engine, actor))
			r.Get("/{id}/timeline", timelineHandler(cfg.Timeline))
		})

		r.Get("/rules", listRulesHandler(cfg.Rules))
		r.Post("/rules/reload", reloadRulesHandler(cfg.Rules))

		r.Route("/validators", func(r chi.Router) {
			r.Get("/", listValidatorsHandler(cfg.Validators))
			r.Put("/{id}", putValidatorHandler(cfg.Validators))
			r.Post("/{id}/deactivate", deactivateValidatorHandler(cfg.Validators))
		})

		if cfg.Retirer != nil {
			r.Get("/entities/{id}/can-retire", canRetireHandler(cfg.Retirer))
		}
		if cfg.Tokens != nil {
			r.Get("/entities/{id}/dependents", dependentsHandler(cfg.Tokens))
		}
	})

	return r
}

// healthzHandler reports liveness. Static on purpose: if the process can
// answer, it is alive.
func healthzHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(startedAt).Round(time.Second).String(),
		})
	}
}

// readyzHandler reports readiness by pinging the database.
func readyzHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := map[string]string{"status": "up"}
		ready := true

		if db != nil {
			sqlDB, err := db.DB()
			if err != nil {
				dbStatus["status"] = "down"
				dbStatus["error"] = err.Error()
				ready = false
			} else if err := sqlDB.Ping(); err != nil {
				dbStatus["status"] = "down"
				dbStatus["error"] = err.Error()
				ready = false
			}
		} else {
			dbStatus["status"] = "not_configured"
		}

		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "unready"
		}
		writeJSON(w, status, map[string]any{
			"status":   state,
			"database": dbStatus,
		})
	}
}

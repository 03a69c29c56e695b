// Package www serves the print form, the device status API and the admin
// endpoints.
package www

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"scribe/engine"
	"scribe/metrics"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	sessions *sessionStore
	tmpl     *template.Template
	eventHub *EventHub
	log      zerolog.Logger
	maxBody  int64
}

// NewRouter creates the chi router and returns it along with a stop function.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	cfg := eng.AppConfig()
	log := eng.Logger().With().Str("component", "www").Logger()
	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(cfg.Web.SessionSecret),
		eventHub: NewEventHub(log),
		log:      log,
		maxBody:  int64(cfg.Web.MaxBody),
	}
	if h.maxBody <= 0 {
		h.maxBody = 512
	}
	h.tmpl = template.Must(parseTemplates())

	subID := h.eventHub.SetupEngineListeners(eng)
	h.eventHub.Start()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(StaticFS()))))

	// Print form
	r.Get("/", h.handleIndex)
	r.Post("/", h.handleSubmit)

	// Health and telemetry
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/events", h.eventHub.HandleSSE)

	// Login/logout
	r.Get("/login", h.handleLoginPage)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.adminMiddleware)
		r.Get("/admin", h.handleAdmin)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.apiStatus)

		// Admin API
		r.Group(func(r chi.Router) {
			r.Use(h.adminMiddleware)
			r.Get("/jobs", h.apiListJobs)
			r.Put("/config/credentials", h.apiUpdateCredentials)
			r.Post("/config/password", h.apiChangePassword)
		})
	})

	return r, func() {
		eng.Events.Unsubscribe(subID)
		h.eventHub.Stop()
	}
}

func (h *Handlers) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, ok := h.sessions.getUser(r)
		if !ok || username == "" {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				writeError(w, http.StatusUnauthorized, "login required")
				return
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	if err := h.tmpl.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

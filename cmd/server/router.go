package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarkmedia/provisiond/internal/api"
	apiMiddleware "github.com/quarkmedia/provisiond/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	provisionHandler := api.NewProvisionHandler(app.provisionSvc, app.logger)
	sessionHandler := api.NewSessionHandler(app.sessionGuard, app.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/media/provision", provisionHandler.Provision)
		r.Post("/media/links", provisionHandler.RegisterShare)

		r.Get("/tasks/stats", provisionHandler.Stats)
		r.Get("/tasks/dead", provisionHandler.ListDead)
		r.Delete("/tasks/dead", provisionHandler.ClearDead)
		r.Post("/tasks/dead/retry/{id}", provisionHandler.RetryDead)
		r.Get("/tasks/{id}", provisionHandler.GetTask)

		r.Post("/session/update", sessionHandler.UpdateSession)
		r.Get("/session/validate", sessionHandler.ValidateSession)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}

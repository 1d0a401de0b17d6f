// Package server exposes the control API consumed by the user-facing
// layer: account management, quota snapshots, and manual wake-ups.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/quota-sentinel/internal/auth/google"
	"github.com/pysugar/quota-sentinel/internal/db"
	"github.com/pysugar/quota-sentinel/internal/discovery"
	"github.com/pysugar/quota-sentinel/internal/logging"
	"github.com/pysugar/quota-sentinel/internal/quota"
	"github.com/pysugar/quota-sentinel/internal/trigger"
)

// triggerAPI is the trigger-service surface the handlers need.
type triggerAPI interface {
	Trigger(ctx context.Context, modelIDs []string, triggerType trigger.TriggerType, customPrompt string, source trigger.TriggerSource) (*trigger.Record, error)
	AvailableModels(ctx context.Context, filter []string) ([]trigger.Model, error)
	History() ([]trigger.Record, error)
}

// snapshotAPI provides the latest quota snapshot.
type snapshotAPI interface {
	LatestSnapshot() *quota.Snapshot
}

// importerAPI is the credential-import surface.
type importerAPI interface {
	ImportAll(ctx context.Context) *discovery.ImportResult
	ImportRefreshToken(ctx context.Context, refreshToken, fallbackEmail string) (string, error)
}

// Deps carries everything the control API serves from. Constructed once
// in main and passed down; handlers close over it.
type Deps struct {
	Creds    *db.CredentialStore
	Trigger  triggerAPI
	Quota    snapshotAPI
	Importer importerAPI

	OAuthClientID     string
	OAuthClientSecret string
}

// NewRouter builds the control API router.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/auth/google/login", google.HandleLogin(deps.OAuthClientID, deps.OAuthClientSecret))
	r.Get("/auth/google/callback", google.HandleCallback(deps.OAuthClientID, deps.OAuthClientSecret, deps.Creds))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler(deps.Creds))
		r.Get("/quota", quotaHandler(deps.Quota))
		r.Get("/models", modelsHandler(deps.Trigger))
		r.Get("/history", historyHandler(deps.Trigger))
		r.Post("/trigger", triggerHandler(deps.Trigger))

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/import", importHandler(deps.Importer))
			r.Post("/active", setActiveHandler(deps.Creds))
			r.Delete("/{email}", removeAccountHandler(deps.Creds))
			r.Post("/{email}/reauth-clear", reauthClearHandler(deps.Creds))
		})
	})

	return r
}

// requestID tags every request with a short hex id, echoed in the
// response header and carried in the context for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// Serve runs the control API until ctx is done, then shuts down with a
// short drain window.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("✅ Control API listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

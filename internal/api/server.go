// Package api is kilnd's HTTP surface (spec component C5): token mint,
// blob CAS endpoints, and the cargo unit-metadata save/restore/reset
// endpoints, routed with chi the way the teacher's own API server is
// routed.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kiln/internal/auth"
	"kiln/internal/blobstore"
	"kiln/internal/config"
	"kiln/internal/store"
)

type Server struct {
	cfg   config.Config
	auth  *auth.Service
	blobs *blobstore.Store
	store *store.Store
	log   *log.Logger
}

func New(cfg config.Config, authSvc *auth.Service, blobs *blobstore.Store, st *store.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "kilnd ", log.LstdFlags|log.LUTC)
	}
	return &Server{cfg: cfg, auth: authSvc, blobs: blobs, store: st, log: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth", s.handleMintToken)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/auth", s.handleWhoAmI)

			r.Put("/cas/{key}", s.handleCASWrite)
			r.Head("/cas/{key}", s.handleCASHead)
			r.Get("/cas/{key}", s.handleCASRead)
			r.Post("/cas/bulk/write", s.handleBulkWrite)
			r.Post("/cas/bulk/read", s.handleBulkRead)

			r.Post("/cache/cargo/save", s.handleCargoSave)
			r.Post("/cache/cargo/restore", s.handleCargoRestore)
			r.Post("/cache/cargo/reset", s.handleCargoReset)
		})
	})

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		reqID := middleware.GetReqID(r.Context())
		s.log.Printf("req_id=%s method=%s path=%s dur=%s", reqID, r.Method, r.URL.Path, time.Since(start))
	})
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiln/internal/api"
	"kiln/internal/auth"
	"kiln/internal/blobstore"
	"kiln/internal/config"
	"kiln/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "kilnd ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("db: %v", err)
	}
	defer st.Close()

	blobs, err := blobstore.Open(cfg.BlobStoreRoot)
	if err != nil {
		logger.Fatalf("blobstore: %v", err)
	}

	authSvc, err := auth.NewService(st, cfg.StatelessTokenTTL, cfg.KeySetOrgCapacity, cfg.KeySetKeyCapacity)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	srv := api.New(cfg, authSvc, blobs, st, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

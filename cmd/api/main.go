package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yuhak.app/internal/agency"
	"yuhak.app/internal/audit"
	"yuhak.app/internal/config"
	"yuhak.app/internal/httpapi"
	"yuhak.app/internal/identity"
	"yuhak.app/internal/obs"
	"yuhak.app/internal/store/pg"
	"yuhak.app/internal/stream"
	"yuhak.app/internal/student"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.PGDSN == "" {
		log.Fatal("YUHAK_PG_DSN is required for the API server")
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db := store.DB()

	provider := identity.NewProvider(cfg.IdentityURL, cfg.IdentityServiceKey, cfg.IdentityAnonKey, cfg.IdentityTimeout)
	// Fail fast on malformed keys instead of at first request.
	if _, err := provider.Anon(); err != nil {
		log.Fatalf("anon identity key: %v", err)
	}
	if _, err := provider.Privileged(); err != nil {
		log.Fatalf("service identity key: %v", err)
	}

	activity := stream.New()
	recorder := audit.NewRecorder(store.Audit(),
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithActivityStream(activity),
	)
	recorder.Start()

	agencies := agency.NewService(provider, store.Agencies())
	students := student.NewService(store.Students())

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, provider, agencies, students, recorder, activity)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	log.Printf("Starting yuhak-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	recorder.Close()
	_ = store.Close()
	log.Println("Stopped")
}

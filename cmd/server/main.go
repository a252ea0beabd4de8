package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/fintrack"
	"gitea.jw6.us/james/tutortrack/internal/gcal"
	httpserver "gitea.jw6.us/james/tutortrack/internal/http"
	"gitea.jw6.us/james/tutortrack/internal/secrets"
	"gitea.jw6.us/james/tutortrack/internal/store"
	"gitea.jw6.us/james/tutortrack/internal/sync"
	"gitea.jw6.us/james/tutortrack/internal/ui"
)

func main() {
	log.Println("Starting TutorTrack server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("failed to load timezone %q: %v", cfg.Timezone, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)
	sessionManager := auth.NewSessionManager(cfg)
	authService := auth.NewService(cfg, stor, sessionManager)

	var engine *sync.Engine
	var webhook http.Handler
	if cfg.CalendarEnabled() {
		box := secrets.NewBox(cfg.Session.Secret)
		creds := sync.NewCredentials(stor.Credentials, box)
		engine = sync.NewEngine(cfg, gcal.NewClient(cfg), stor, creds, location)
		webhook = sync.NewWebhookHandler(engine, stor.Credentials)
		go sync.NewRenewer(engine).Run(ctx)
	} else {
		log.Println("[WARN] Google Calendar integration disabled: no client credentials configured")
	}

	ft := fintrack.New(cfg)
	if !ft.Enabled() {
		log.Println("[WARN] FinTrack export disabled: not configured")
	}

	uiHandler := ui.NewHandler(cfg, stor, authService, engine, ft, location)
	r := httpserver.NewRouter(cfg, stor, authService, uiHandler, webhook)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

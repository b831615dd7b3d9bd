package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/muxgate/muxgate/internal/capture"
	"github.com/muxgate/muxgate/internal/config"
	"github.com/muxgate/muxgate/internal/database"
	"github.com/muxgate/muxgate/internal/handlers"
	"github.com/muxgate/muxgate/internal/logging"
	"github.com/muxgate/muxgate/internal/middleware"
	"github.com/muxgate/muxgate/internal/vault"
	"github.com/muxgate/muxgate/internal/worker"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, WorkerURL=%s", config.Cfg.AuthDisabled, config.Cfg.WorkerURL)

	// The master key is validated at the point of use; an empty key only
	// fails credential operations, nothing else.
	handlers.Vault = vault.New(config.Cfg.MasterKey)
	if config.Cfg.MasterKey == "" {
		log.Printf("WARNING: MASTER_KEY not set; credential operations will fail")
	}

	// Worker mTLS material is resolved once here. Missing or unreadable
	// files degrade to the plain transport instead of failing startup.
	tlsCfg, err := worker.LoadTLS(config.Cfg.WorkerCertFile, config.Cfg.WorkerKeyFile, config.Cfg.WorkerCAFile)
	if err != nil {
		log.Printf("WARNING: worker TLS disabled: %v", err)
		tlsCfg = nil
	}
	workerClient := worker.NewClient(config.Cfg.WorkerURL, tlsCfg)
	handlers.Worker = workerClient
	defer workerClient.Close()

	sweeper, err := capture.NewSweeper(workerClient, config.Cfg.CaptureSweepSpec)
	if err != nil {
		log.Fatalf("Capture sweeper init: %v", err)
	}
	sweeper.Start()
	log.Printf("Capture sweeper started (spec=%q)", config.Cfg.CaptureSweepSpec)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// The attach endpoint authenticates inside the handler so it can
		// close the WebSocket with its own code space on failure.
		r.Get("/sessions/{id}/attach", handlers.AttachSession)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Get("/connections", handlers.ListConnections)
			r.Post("/connections", handlers.CreateConnection)
			r.Post("/connections/import", handlers.ImportConnections)
			r.Get("/connections/{id}", handlers.GetConnection)
			r.Patch("/connections/{id}", handlers.PatchConnection)
			r.Delete("/connections/{id}", handlers.DeleteConnection)
			r.Post("/connections/{id}/test", handlers.TestConnection)

			r.Get("/credentials", handlers.ListCredentials)
			r.Post("/credentials", handlers.CreateCredential)
			r.Post("/credentials/generate", handlers.GenerateCredential)
			r.Get("/credentials/{id}", handlers.GetCredential)
			r.Patch("/credentials/{id}", handlers.PatchCredential)
			r.Delete("/credentials/{id}", handlers.DeleteCredential)

			r.Get("/sessions", handlers.ListSessions)
			r.Post("/sessions", handlers.CreateSession)
			r.Get("/sessions/{id}", handlers.GetSession)
			r.Patch("/sessions/{id}", handlers.PatchSession)
			r.Delete("/sessions/{id}", handlers.TerminateSession)
			r.Post("/sessions/{id}/resize", handlers.ResizeSession)
			r.Post("/sessions/{id}/annotate", handlers.AnnotateSession)
			r.Get("/sessions/{id}/entries", handlers.ListEntries)

			r.Post("/sessions/{id}/command", handlers.SendCommand)
			r.Post("/sessions/{id}/keys", handlers.SendKeys)
			r.Post("/sessions/{id}/capture", handlers.CapturePane)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

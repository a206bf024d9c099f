package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/stdio-gateway/api/handlers"
	"github.com/remote-agent-terminal/stdio-gateway/internal/config"
	"github.com/remote-agent-terminal/stdio-gateway/internal/db"
	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/process"
	"github.com/remote-agent-terminal/stdio-gateway/internal/reaper"
	"github.com/remote-agent-terminal/stdio-gateway/internal/repository"
	"github.com/remote-agent-terminal/stdio-gateway/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	gin.SetMode(cfg.GinMode)

	// Session history is optional.
	var (
		store   session.Store
		records handlers.RecordStore
	)
	if cfg.DBPath != "" {
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer database.Close()

		repo := repository.NewSessionRepository(database)
		// Nothing survives a restart; close out what the last run left open.
		n, err := repo.MarkAllRunningEnded(context.Background(), model.ReasonShutdown, time.Now())
		if err != nil {
			log.Fatalf("Failed to reconcile sessions: %v", err)
		}
		if n > 0 {
			log.Printf("Marked %d stale sessions ended", n)
		}
		store, records = repo, repo
	}

	launcher := &process.Launcher{
		Command:    cfg.Command,
		Args:       cfg.Args,
		Dir:        cfg.Workdir,
		Env:        cfg.Env,
		KillGrace:  cfg.KillGrace,
		StderrTail: cfg.StderrTail,
	}

	gateway := session.NewGateway(session.Config{
		Spawner:       launcher,
		Store:         store,
		Command:       cfg.CommandLine(),
		MaxSessions:   cfg.MaxSessions,
		TranscriptDir: cfg.TranscriptDir,
		UserEnv:       cfg.UserEnv,
	})

	idle := reaper.New(gateway, reaper.Config{
		Interval:  cfg.ReapInterval,
		Threshold: cfg.IdleTimeout,
		OnSweep: func(reaped int) {
			if reaped > 0 {
				log.Printf("Reaped %d idle sessions", reaped)
			}
		},
	})

	handler := handlers.NewGatewayHandler(gateway, records, handlers.Options{
		IdentityHeader: cfg.IdentityHeader,
		BodyLimit:      cfg.BodyLimit,
	})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(corsMiddleware(cfg.IdentityHeader))
	handler.RegisterRoutes(&r.RouterGroup)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idle.Start(sigCtx)

	go func() {
		log.Printf("Gateway starting on %s (command: %s)", cfg.ListenAddr, cfg.CommandLine())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	idle.Stop()
	// Streams only return once their sessions end, so sessions go first.
	if err := gateway.Close(shutdownCtx); err != nil {
		log.Printf("Gateway close: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Gateway stopped")
}

// corsMiddleware returns a permissive CORS middleware.
func corsMiddleware(identityHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+identityHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

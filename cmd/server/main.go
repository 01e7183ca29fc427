// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/bchamberlain/muster/internal/auth"
	"github.com/bchamberlain/muster/internal/broadcast"
	"github.com/bchamberlain/muster/internal/coordinator"
	"github.com/bchamberlain/muster/internal/handlers"
	"github.com/bchamberlain/muster/internal/journal"
	"github.com/bchamberlain/muster/internal/middleware"
	"github.com/bchamberlain/muster/internal/registry"
	"github.com/bchamberlain/muster/internal/roster"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	if err := auth.Init(); err != nil {
		logger.Fatalf("auth init: %v", err)
	}

	ctx := context.Background()

	store, err := roster.NewPostgres(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}
	// Membership rows are authoritative; rebuild user pointers and prune
	// empty lobbies left behind by a previous crash before serving.
	if err := store.Reconcile(ctx); err != nil {
		logger.Fatalf("reconcile roster: %v", err)
	}

	var j *journal.Journal
	if os.Getenv("REDIS_ADDR") != "" {
		j, err = journal.Connect(ctx)
		if err != nil {
			logger.Fatalf("connect journal: %v", err)
		}
		defer j.Close()
	} else {
		logger.Warn("REDIS_ADDR not set, membership journal disabled")
	}

	ws := handlers.NewWSServer(logger)
	groups := broadcast.NewManager(ws)
	reg := registry.New()
	coord := coordinator.New(store, reg, groups, j, logger)

	mux := http.NewServeMux()

	mux.Handle("/api/signup", middleware.LogMiddleware(logger)(handlers.SignupHandler(store)))
	mux.Handle("/api/login", middleware.LogMiddleware(logger)(handlers.LoginHandler(store)))
	mux.Handle("/api/refreshlogin", middleware.LogMiddleware(logger)(handlers.RefreshLoginHandler(store)))

	mux.Handle("/ws", middleware.LogMiddleware(logger)(ws.Handler(coord)))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/shelfmark/shelfmark/internal/config"
	"github.com/shelfmark/shelfmark/internal/db"
	"github.com/shelfmark/shelfmark/internal/handler"
	"github.com/shelfmark/shelfmark/internal/mailer"
	"github.com/shelfmark/shelfmark/internal/repository"
	"github.com/shelfmark/shelfmark/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	conn, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer conn.Close()

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelMigrate()
	if err := db.Migrate(migrateCtx, conn); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	slog.Info("database ready")

	userRepo := repository.NewUserRepository(conn)
	linkRepo := repository.NewLinkRepository(conn)
	auditRepo := repository.NewAuditRepository(conn)
	codeRepo := repository.NewVerificationCodeRepository(conn)

	mail, err := mailer.NewMailer()
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}

	tokens := service.NewTokenService([]byte(cfg.JWTSecret))
	resolver := service.NewResolver(linkRepo, userRepo)
	verification := service.NewVerificationService(codeRepo, []byte(cfg.CodeHashSecret))

	authSvc := service.NewAuthService(userRepo, linkRepo, auditRepo, resolver, tokens, verification, mail)

	oauthClient := service.NewOAuthClient(service.OAuthConfig{
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		GitHubClientID:     cfg.GitHubClientID,
		GitHubClientSecret: cfg.GitHubClientSecret,
		FrontendURL:        cfg.FrontendURL,
	})

	authHandler := handler.NewAuthHandler(authSvc, oauthClient)
	linkHandler := handler.NewLinkHandler(authSvc)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go verification.RunSweeper(sweepCtx, cfg.CodeSweepInterval)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(handler.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.FrontendURL},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		r.Get("/google", authHandler.GoogleRedirect)
		r.Get("/google/callback", authHandler.GoogleCallback)
		r.Get("/github", authHandler.GitHubRedirect)
		r.Get("/github/callback", authHandler.GitHubCallback)

		r.Post("/link/complete", linkHandler.Complete)
		r.Post("/link/verify", linkHandler.Verify)
		r.Post("/link/resend", linkHandler.Resend)

		r.Group(func(r chi.Router) {
			r.Use(handler.Auth(tokens, resolver))

			r.Get("/me", linkHandler.Me)
			r.Get("/links", linkHandler.List)
			r.Delete("/links/{linkedID}", linkHandler.Unlink)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

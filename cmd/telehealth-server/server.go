package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/config"
	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/domain/scheduling"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
	"github.com/ehr/telehealth/internal/platform/middleware"
)

// auditorRole may read the audit history of any resource.
const auditorRole = "auditor"

// deps are the process-wide collaborators shared by the server and the
// maintenance commands.
type deps struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	remote *fhir.Client
	codec  *hipaa.FieldCodec
	audit  *hipaa.AuditLogger
	logger zerolog.Logger
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	codec, err := hipaa.NewFieldCodec(cfg.EncryptionKey, cfg.EncryptionIV, hipaa.Mode(cfg.EncryptionMode), logger)
	if err != nil {
		return nil, fmt.Errorf("field codec: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &deps{
		cfg:    cfg,
		pool:   pool,
		remote: fhir.NewClient(cfg.FHIRServerURL, cfg.FHIRTimeout, logger),
		codec:  codec,
		audit:  hipaa.NewAuditLogger(pool),
		logger: logger,
	}, nil
}

func (d *deps) close() {
	d.pool.Close()
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// newServer builds the echo instance with every route mounted. It performs
// no I/O.
func newServer(d *deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderXRequestID},
	}))

	e.GET("/health", db.HealthHandler(d.pool, db.DependencyCheck{
		Name:  "fhir",
		Check: d.remote.Ping,
	}))

	patients := identity.NewPatientRepo(d.pool)
	patientSvc := identity.NewService(patients, d.remote, d.codec, d.audit, d.logger)
	appointmentSvc := scheduling.NewService(scheduling.NewAppointmentRepo(d.pool), patients, d.remote, d.codec, d.audit, d.logger)

	api := apiGroup(e, authMiddleware(d.cfg), db.SessionMiddleware(d.pool))
	identity.NewHandler(patientSvc).RegisterRoutes(api)
	scheduling.NewHandler(appointmentSvc).RegisterRoutes(api)
	hipaa.NewAuditHandler(d.audit).RegisterRoutes(api, auth.RequireRole(auditorRole))

	return e
}

// apiGroup authenticates before taking a pooled session, so rejected
// requests never hold a connection.
func apiGroup(e *echo.Echo, authn, session echo.MiddlewareFunc) *echo.Group {
	return e.Group("/api", authn, session)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	logger.Info().Str("encryption_mode", string(d.codec.Mode())).Msg("connected to database")

	e := newServer(d)

	if cfg.ReconcileInterval > 0 {
		go d.reconciler().Loop(ctx, cfg.ReconcileInterval)
		logger.Info().Dur("interval", cfg.ReconcileInterval).Msg("reconcile loop started")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

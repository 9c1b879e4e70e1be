// Package runtime wires configuration, storage and the HTTP server into a
// runnable process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/contract_ledger/internal/app"
	"github.com/R3E-Network/contract_ledger/internal/app/httpapi"
	"github.com/R3E-Network/contract_ledger/internal/app/storage"
	"github.com/R3E-Network/contract_ledger/internal/app/storage/postgres"
	"github.com/R3E-Network/contract_ledger/internal/config"
	"github.com/R3E-Network/contract_ledger/internal/crypto"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/internal/middleware"
	"github.com/R3E-Network/contract_ledger/internal/platform/migrations"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sqlx.DB
}

// NewApplication validates cfg and constructs the process. An empty
// database DSN selects the in-memory store.
func NewApplication(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New(cfg.Logging).Component("ledger")
	}

	cipher, err := crypto.NewAmountCipherFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, svcerrors.Configuration("initialise amount cipher", err)
	}

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	application, err := app.New(stores, cipher, log)
	if err != nil {
		closeDB(db, log)
		return nil, err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log.Component("ratelimit"))
	if err := application.Attach(limiter); err != nil {
		closeDB(db, log)
		return nil, err
	}

	handler := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		RateLimiter:    limiter,
		AllowedOrigins: cfg.CORS.Origins(),
		Log:            log.Component("http"),
	})

	log.WithField("key_fingerprint", cipher.Fingerprint()).Info("amount cipher ready")
	return &Application{
		cfg: cfg,
		log: log,
		app: application,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
		db: db,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts background services and the HTTP server, blocking until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, background services and the
// database pool.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	closeDB(a.db, a.log)
	return errors.Join(errs...)
}

func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sqlx.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_URL not set; contracts are kept in memory only")
		return app.Stores{}, nil, nil
	}

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if cfg.Database.MigrateOnStart {
		version, err := migrations.Up(db.DB)
		if err != nil {
			db.Close()
			return app.Stores{}, nil, fmt.Errorf("migrate: %w", err)
		}
		log.WithField("version", version).Info("schema migrated")
	}

	var store storage.ContractStore = postgres.New(db)
	return app.Stores{Contracts: store}, db, nil
}

// OpenDatabase opens and pings a Postgres pool.
func OpenDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func closeDB(db *sqlx.DB, log *logger.Logger) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("error closing database connection")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vitbank: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting Bank of VIT API", zap.String("ledger", cfg.LedgerDriver))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	sessions, err := NewSessionManager(rdb, cfg.Session, logger)
	if err != nil {
		return err
	}

	rates := NewRatePolicy(cfg.LoanBaseRate)
	logger.Info("loan rate policy", zap.String("base_rate", rates.BaseRate().StringFixed(2)))

	engine, err := NewEngine(store, EngineConfig{
		TxTimeout: cfg.TxTimeout,
		Rates:     rates,
		Hasher:    BcryptHasher{},
	}, logger)
	if err != nil {
		return err
	}

	if cfg.Admin.Email != "" {
		if err := engine.SeedAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password, cfg.Admin.Name); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		logger.Info("admin account ready", zap.String("email", cfg.Admin.Email))
	}

	notifier := NewNotifier(cfg.SMTP, logger)
	app := NewApp(engine, sessions, notifier, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	notifier.Wait()
	return nil
}

func openStore(ctx context.Context, cfg *Config, logger *zap.Logger) (LedgerStore, error) {
	if cfg.LedgerDriver == driverMemory {
		logger.Warn("using in-memory ledger, data is lost on restart")
		return NewMemoryStore(), nil
	}
	store, err := OpenPostgres(ctx, PostgresConfig{
		PrimaryDSN:   cfg.DB.URL,
		ReplicaDSN:   cfg.DB.ReplicaURL,
		DBName:       cfg.DB.Name,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		LockTimeout:  cfg.DB.LockTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return store, nil
}

// Routes builds the full handler chain.
func (a *App) Routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(a.notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)

	r.HandleFunc("/health", a.HealthHandler).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", a.LoginUserHandler).Methods("POST")
	api.HandleFunc("/admin-login", a.LoginAdminHandler).Methods("POST")
	api.HandleFunc("/register", a.RegisterUserHandler).Methods("POST")
	api.HandleFunc("/logout", a.LogoutHandler).Methods("POST")

	user := api.PathPrefix("/user").Subrouter()
	user.HandleFunc("/accounts", a.requireRole(RoleCustomer, a.GetUserAccountsHandler)).Methods("GET")
	user.HandleFunc("/create-account", a.requireRole(RoleCustomer, a.CreateAccountHandler)).Methods("POST")
	user.HandleFunc("/transactions/{account_id}", a.requireRole(RoleCustomer, a.GetTransactionsHandler)).Methods("GET")
	user.HandleFunc("/transfer", a.requireRole(RoleCustomer, a.TransferHandler)).Methods("POST")
	user.HandleFunc("/deposit", a.requireRole(RoleCustomer, a.DepositHandler)).Methods("POST")
	user.HandleFunc("/apply-loan", a.requireRole(RoleCustomer, a.ApplyLoanHandler)).Methods("POST")
	user.HandleFunc("/loans", a.requireRole(RoleCustomer, a.GetUserLoansHandler)).Methods("GET")
	user.HandleFunc("/loans/{loan_id}/schedule", a.requireRole(RoleCustomer, a.GetLoanScheduleHandler)).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/pending-accounts", a.requireRole(RoleAdmin, a.PendingAccountsHandler)).Methods("GET")
	admin.HandleFunc("/pending-loans", a.requireRole(RoleAdmin, a.PendingLoansHandler)).Methods("GET")
	admin.HandleFunc("/all-accounts", a.requireRole(RoleAdmin, a.AllAccountsHandler)).Methods("GET")
	admin.HandleFunc("/all-loans", a.requireRole(RoleAdmin, a.AllLoansHandler)).Methods("GET")
	admin.HandleFunc("/stats", a.requireRole(RoleAdmin, a.StatsHandler)).Methods("GET")
	admin.HandleFunc("/approve-account", a.requireRole(RoleAdmin, a.ApproveAccountHandler)).Methods("POST")
	admin.HandleFunc("/close-account", a.requireRole(RoleAdmin, a.CloseAccountHandler)).Methods("POST")
	admin.HandleFunc("/approve-loan", a.requireRole(RoleAdmin, a.ApproveLoanHandler)).Methods("POST")

	var h http.Handler = r
	h = loggingMiddleware(a.logger)(h)
	h = recoverMiddleware(a.logger)(h)
	h = requestIDMiddleware(h)
	return h
}

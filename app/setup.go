package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sahilchouksey/go-exam-grader/api"
	"github.com/sahilchouksey/go-exam-grader/config"
	"github.com/sahilchouksey/go-exam-grader/database"
	"github.com/sahilchouksey/go-exam-grader/handlers"
	"github.com/sahilchouksey/go-exam-grader/router"
	"github.com/sahilchouksey/go-exam-grader/services/cron"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/sahilchouksey/go-exam-grader/utils/middleware"
)

const shutdownTimeout = 20 * time.Second

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	log, err := logger.New(getEnv.GO_ENV)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		log.Error("database connection failed; check DB_DRIVER and the DB_* settings", "error", err.Error())
		return err
	}
	defer store.Close()

	if err := store.Init(); err != nil {
		log.Error("failed to initialize database tables", "error", err.Error())
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := Build(ctx, getEnv, store, Overrides{}, log)
	if err != nil {
		return err
	}
	defer components.Close()

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cron.CronManager
	if getEnv.CRON_ENABLED {
		cronCfg := cron.DefaultConfig()
		cronCfg.StaleJobAfter = getEnv.STALE_JOB_AFTER
		cronManager = cron.NewCronManager(store.GetDB(), components.Tracker, components.Memory, cronCfg, log)
		if err := cronManager.Start(); err != nil {
			// Don't fail the app, just log the warning
			log.Warn("failed to start cron jobs", "error", err.Error())
			cronManager = nil
		}
	}
	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
	}()

	server := NewServer(getEnv, store, components, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// NewServer builds the API server with every route attached.
func NewServer(env *config.EnviornmentVariable, store *database.GORMStore, components *Components, log *logger.Logger) *api.APIServer {
	maxUpload := env.MAX_UPLOAD_MB << 20
	server := api.NewAPIServer(fmt.Sprintf(":%d", env.PORT), maxUpload+(1<<20), log)

	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return store.HealthCheck() },
	}
	for name, check := range components.Checks {
		checks[name] = check
	}

	router.SetupRoutes(server.GetEngine(), router.Deps{
		Documents: components.Documents,
		Pipeline:  components.Pipeline,
		Store:     store,
		Checks:    checks,
		Security: middleware.SecurityConfig{
			AllowedOrigins:    env.ALLOWED_ORIGINS,
			RateLimitRequests: env.RATE_LIMIT_REQUESTS,
			RateLimitWindow:   time.Minute,
			AccessLog:         env.GO_ENV != "production",
		},
		MaxUploadBytes: maxUpload,
		KeepAlive:      env.SSE_KEEPALIVE,
		Log:            log,
	})
	return server
}

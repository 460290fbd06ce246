package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	redisstorage "github.com/gofiber/storage/redis"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/apidocs"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
)

// Application is the wired HTTP server plus its background workers.
type Application struct {
	App     *fiber.App
	Billing *billing.Service
	Jobs    *jobqueue.Manager
	Sweeper *billing.Sweeper
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := NewApplication()
	if err != nil {
		log.Fatalf("[PayFox] startup failed: %v", err)
	}
	if err := application.Run(ctx); err != nil {
		log.Fatalf("[PayFox] %v", err)
	}
}

func NewApplication() (*Application, error) {
	env.SetupEnvFile()
	if err := database.SetupDatabase(); err != nil {
		return nil, err
	}
	cache.SetupCache()

	cfg := billing.ConfigFromEnv()
	repo := billing.NewRepository(database.GetDB())
	redisClient := cache.GetClient()

	// The queue calls back into the service it is notified by.
	var service *billing.Service
	jobs := jobqueue.NewManager(redisClient,
		jobqueue.ReconcilerFunc(func(ctx context.Context, paymentID string, tenantID uint, actor billing.Actor) (billing.Outcome, error) {
			return service.ReconcilePayment(ctx, paymentID, tenantID, actor)
		}),
		repo,
		mail.NewSMTPMailerFromEnv(),
		env.GetEnvInt("JOBQUEUE_WORKERS", 3),
	)
	service = billing.NewService(repo, billing.NewProviderClient(cfg), cfg,
		billing.WithSnapshotCache(entitlements.NewRedisSnapshotCache(redisClient, env.GetEnvDuration("ENTITLEMENT_CACHE_TTL", 30*time.Second))),
		billing.WithOrderNotifier(jobs),
	)

	app := fiber.New(fiber.Config{
		AppName:      "PayFox",
		BodyLimit:    1 << 20,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New(), requestid.New(), logger.New())

	deps := router.Dependencies{
		Webhooks:       controllers.NewWebhookController(service),
		Checkout:       controllers.NewCheckoutController(service, jobs),
		Status:         controllers.NewStatusController(service),
		Admin:          controllers.NewAdminBillingController(service),
		AdminQueue:     controllers.NewAdminQueueController(jobs.GetQueue()),
		Tenants:        service,
		AdminTokenHash: env.GetEnv("ADMIN_TOKEN_HASH", ""),
	}
	if env.GetEnvBool("RATE_LIMIT_REDIS", true) {
		host, port, password, _ := cache.Config()
		// Separate database for limiter counters (cache and jobs use DB 0)
		deps.Limiter = redisstorage.New(redisstorage.Config{
			Host:     host,
			Port:     port,
			Password: password,
			Database: env.GetEnvInt("RATE_LIMIT_REDIS_DB", 2),
			Reset:    false,
		})
	}
	router.InstallRouter(app, deps)

	// SWAGGER / OPENAPI
	if env.GetEnvBool("API_DOCS_ENABLED", true) {
		docsPath := env.GetEnv("API_DOCS_PATH", apidocs.DefaultPath)
		doc, err := apidocs.Load(context.Background(), docsPath)
		if err != nil {
			log.Warnf("[PayFox] api docs disabled: %v", err)
		} else {
			for _, route := range apidocs.Undocumented(doc, app.GetRoutes(true), apidocs.DocumentedPrefixes...) {
				log.Warnf("[PayFox] route %s is missing from %s", route, docsPath)
			}
			apidocs.Mount(app, docsPath)
		}
	}

	return &Application{
		App:     app,
		Billing: service,
		Jobs:    jobs,
		Sweeper: billing.NewSweeper(service),
	}, nil
}

// Run serves HTTP and runs the sweeper and job workers until ctx ends,
// then drains in-flight requests and jobs.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	g.Go(func() error {
		log.Infof("[PayFox] listening on %s", addr)
		if err := a.App.Listen(addr); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if env.GetEnvBool("SWEEPER_ENABLED", true) {
		g.Go(func() error {
			a.Sweeper.Run(gctx)
			return nil
		})
	}

	a.Jobs.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("[PayFox] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := a.App.ShutdownWithContext(shutdownCtx)
		a.Jobs.Stop()
		if cerr := cache.Close(); cerr != nil {
			log.Warnf("[PayFox] closing cache: %v", cerr)
		}
		return err
	})

	return g.Wait()
}

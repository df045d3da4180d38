package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service roles selectable through SERVICE_ROLES
const (
	RoleOrder     = "order"
	RoleInventory = "inventory"
	RolePayment   = "payment"
	RoleDispatch  = "dispatch"
	RoleShipping  = "shipping"
)

// App holds every component of the processes' selected roles
type App struct {
	cfg      *config.Config
	repos    store.Repositories
	bus      broker.Bus
	redis    *redisclient.Client
	services api.Services
	workers  []*worker.Worker
	handler  *api.Handler
	router   *gin.Engine
	closers  []func() error
	logger   *zap.Logger
}

// New connects the store, bus and caches and builds the services for cfg's roles
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, logger: util.GetLogger()}

	if err := a.setupStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupBus(); err != nil {
		a.Close()
		return nil, err
	}
	dedup, err := a.setupDedup()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.setupServices(dedup)
	a.setupRouter()
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case config.StoreDriverPostgres:
		db, err := store.NewStore(a.cfg.Database.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		a.repos = db
		a.logger.Info("Database connected")

	case config.StoreDriverMemory:
		a.repos = store.NewMemoryStore()
		a.logger.Info("Using in-memory store")

	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Database.Driver)
	}
	return nil
}

func (a *App) setupBus() error {
	policy := broker.DefaultRetryPolicy(a.cfg.Bus.MaxAttempts)

	switch a.cfg.Bus.Driver {
	case config.BusDriverKafka:
		a.bus = broker.NewKafkaBus(a.cfg.Bus.Brokers, a.cfg.Bus.Topic, a.cfg.Bus.DeadLetter, a.cfg.Bus.ConsumerGroup, policy)
		a.logger.Info("Kafka bus initialized", zap.Strings("brokers", a.cfg.Bus.Brokers), zap.String("topic", a.cfg.Bus.Topic))

	case config.BusDriverRabbitMQ:
		bus, err := broker.NewAMQPBus(a.cfg.Bus.RabbitMQURL, a.cfg.Bus.Topic, a.cfg.Bus.DeadLetter, policy)
		if err != nil {
			return err
		}
		a.bus = bus
		a.logger.Info("RabbitMQ bus initialized", zap.String("exchange", a.cfg.Bus.Topic))

	case config.BusDriverMemory:
		a.bus = broker.NewMemoryBus(policy)
		a.logger.Info("Using in-memory bus")

	default:
		return fmt.Errorf("unknown bus driver %q", a.cfg.Bus.Driver)
	}

	a.closers = append(a.closers, a.bus.Close)
	return nil
}

func (a *App) setupDedup() (broker.Deduplicator, error) {
	if !a.cfg.Redis.Enabled {
		return broker.NewMemoryDeduplicator(), nil
	}

	client, err := redisclient.NewClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Redis connected", zap.String("addr", a.cfg.Redis.Addr))
	return client, nil
}

func (a *App) setupServices(dedup broker.Deduplicator) {
	publisher := broker.NewEventPublisher(a.bus)
	opts := worker.Options{
		Dedup:    dedup,
		DedupTTL: time.Duration(a.cfg.Redis.DedupTTL) * time.Second,
	}
	compensation := a.cfg.Saga.CompensationEnabled

	if a.cfg.HasRole(RoleOrder) {
		orders := service.NewOrderService(a.repos, publisher)
		if a.redis != nil {
			orders.WithIdempotency(a.redis, opts.DedupTTL)
		}
		a.services.Orders = orders
		if compensation {
			a.workers = append(a.workers, worker.NewOrderWorker(a.bus, orders, opts))
		}
	}

	if a.cfg.HasRole(RoleInventory) {
		a.services.Inventory = service.NewInventoryService(a.repos, publisher)
		a.workers = append(a.workers, worker.NewInventoryWorker(a.bus, a.services.Inventory, opts))
	}

	if a.cfg.HasRole(RolePayment) {
		a.services.Payments = service.NewPaymentService(a.repos, service.SimulatedGateway{}, publisher)
		a.workers = append(a.workers, worker.NewPaymentWorker(a.bus, a.services.Payments, opts))
	}

	if a.cfg.HasRole(RoleDispatch) {
		a.services.Dispatch = service.NewDispatchCoordinator(a.repos, publisher)
		a.workers = append(a.workers, worker.NewDispatchWorkers(a.bus, a.services.Dispatch, compensation, opts)...)
	}

	if a.cfg.HasRole(RoleShipping) {
		a.services.Shipping = service.NewShippingService(a.repos)
		a.workers = append(a.workers, worker.NewShippingWorker(a.bus, a.services.Shipping, opts))
	}
}

func (a *App) setupRouter() {
	if a.cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	a.handler = api.NewHandler(a.services)
	if db, ok := a.repos.(*store.Store); ok {
		a.handler.AddReadinessCheck("database", db.Ping)
	}
	if a.redis != nil {
		a.handler.AddReadinessCheck("redis", func(ctx context.Context) error {
			return a.redis.GetClient().Ping(ctx).Err()
		})
	}

	a.router = gin.New()
	a.handler.SetupRoutes(a.router)
}

// Services returns the services built for the selected roles
func (a *App) Services() api.Services { return a.services }

// Workers returns the consumers built for the selected roles
func (a *App) Workers() []*worker.Worker { return a.workers }

// Router returns the HTTP handler
func (a *App) Router() http.Handler { return a.router }

// Repositories returns the store shared by the services
func (a *App) Repositories() store.Repositories { return a.repos }

// Declare creates every worker queue and its bindings
func (a *App) Declare(ctx context.Context) error {
	for _, w := range a.workers {
		if err := w.Declare(ctx); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", w.Queue(), err)
		}
	}
	return nil
}

// Run declares every queue, then serves HTTP and consumes until ctx is done
// or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Declare(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range a.workers {
		w := w
		g.Go(func() error {
			if err := w.Start(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", a.cfg.Server.Port),
		Handler: a.router,
	}

	g.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("port", a.cfg.Server.Port), zap.Strings("roles", a.cfg.Server.Roles))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// Close releases every connection in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run builds the App for cfg and runs it until ctx is done
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(serviceName(cfg), cfg.Observ.JaegerEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				util.GetLogger().Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.Run(ctx)
	a.logger.Info("Server exited")
	return err
}

func serviceName(cfg *config.Config) string {
	if len(cfg.Server.Roles) == 1 && cfg.Server.Roles[0] != "all" {
		return cfg.Server.Roles[0] + "-service"
	}
	return "order-fulfillment"
}

package di

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"payflow-backend/application/orchestrator"
	"payflow-backend/application/ports"
	"payflow-backend/application/services"
	"payflow-backend/infrastructure/charge"
	"payflow-backend/infrastructure/config"
	"payflow-backend/infrastructure/credentials"
	"payflow-backend/infrastructure/locks"
	"payflow-backend/infrastructure/messaging"
	"payflow-backend/infrastructure/statestore"
	"payflow-backend/infrastructure/transport"
	"payflow-backend/interfaces/http/rest"
	"payflow-backend/pkg/auth"
	"payflow-backend/pkg/observability"
)

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		return nil, err
	}

	return logger, nil
}

// ProvideStateStore creates the in-memory flow state store
func ProvideStateStore(logger *zap.Logger) *statestore.Store {
	return statestore.NewStore(logger)
}

// ProvideFlowStateStore exposes the store through its port
func ProvideFlowStateStore(store *statestore.Store) ports.FlowStateStore {
	return store
}

// ProvideLockManager creates the advisory lock manager
func ProvideLockManager(logger *zap.Logger) *locks.Manager {
	return locks.NewManager(logger)
}

// ProvideLocks exposes the lock manager through its port
func ProvideLocks(manager *locks.Manager) ports.LockManager {
	return manager
}

// ProvideChargeAPI creates the charge provider client
func ProvideChargeAPI(cfg *config.Config, logger *zap.Logger) ports.ChargeAPI {
	return charge.NewClient(cfg.ChargeAPIBaseURL, cfg.ChargeAPITimeout, logger)
}

// ProvideCredentialStore opens the Badger-backed credential store
func ProvideCredentialStore(cfg *config.Config, logger *zap.Logger) (*credentials.BadgerStore, error) {
	return credentials.NewBadgerStore(cfg.CredentialDBPath, logger)
}

// ProvideCredentials exposes the credential store through its port
func ProvideCredentials(store *credentials.BadgerStore) ports.CredentialStore {
	return store
}

// ProvideTransport creates the realtime transport client. The connection
// itself is opened from main once the container is up.
func ProvideTransport(
	cfg *config.Config,
	creds ports.CredentialStore,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *transport.Client {
	client := transport.NewClient(transport.DefaultOptions(cfg.RealtimeEndpoint), creds, logger)
	client.OnReconnect = func() { metrics.TransportReconnects.Inc() }
	client.OnHeartbeatMiss = func() { metrics.HeartbeatMisses.Inc() }
	return client
}

// ProvideRealtimeTransport exposes the transport through its port
func ProvideRealtimeTransport(client *transport.Client) ports.RealtimeTransport {
	return client
}

// ProvideBroadcaster creates the in-process flow event broadcaster
func ProvideBroadcaster(logger *zap.Logger) ports.Broadcaster {
	return messaging.NewBroadcaster(logger)
}

// ProvideMetrics registers the engine collectors on the default registerer,
// which backs the /metrics endpoint
func ProvideMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.DefaultRegisterer)
}

// ProvideRateLimiter creates a rate limiter that shares the credential
// database so counters survive restarts
func ProvideRateLimiter(store *credentials.BadgerStore) *auth.PersistentRateLimiter {
	return auth.NewPersistentRateLimiter(store.DB(), 100, 1*time.Minute, "api")
}

// ProvideRegistry creates the payment flow orchestrator
func ProvideRegistry(
	cfg *config.Config,
	store ports.FlowStateStore,
	locks ports.LockManager,
	chargeAPI ports.ChargeAPI,
	realtime ports.RealtimeTransport,
	creds ports.CredentialStore,
	broadcaster ports.Broadcaster,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *orchestrator.Registry {
	registry := orchestrator.NewRegistry(store, locks, chargeAPI, realtime, creds, broadcaster, metrics, logger)
	registry.SetPollInterval(cfg.PollInterval)
	return registry
}

// ProvideFlowService creates the retry and scheduling layer on top of the
// orchestrator
func ProvideFlowService(
	registry *orchestrator.Registry,
	store ports.FlowStateStore,
	logger *zap.Logger,
) *services.FlowService {
	return services.NewFlowService(registry, store, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(
	registry *orchestrator.Registry,
	flowService *services.FlowService,
	rateLimiter *auth.PersistentRateLimiter,
	cfg *config.Config,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(registry, flowService, rateLimiter, cfg, logger)
}

// Close releases every resource the container owns, in dependency order:
// schedulers first, then the orchestrator, then the connections underneath.
func (c *Container) Close() {
	if c.FlowService != nil {
		c.FlowService.Close()
	}
	if c.Registry != nil {
		c.Registry.Close()
	}
	if c.Transport != nil {
		if err := c.Transport.Close(); err != nil {
			c.Logger.Warn("transport close failed", zap.Error(err))
		}
	}
	if c.StateStore != nil {
		c.StateStore.Close()
	}
	if c.Locks != nil {
		c.Locks.Close()
	}
	if c.Credentials != nil {
		if err := c.Credentials.Close(); err != nil {
			c.Logger.Warn("credential store close failed", zap.Error(err))
		}
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
}

package di

import (
	"go.uber.org/zap"

	"payflow-backend/application/orchestrator"
	"payflow-backend/application/ports"
	"payflow-backend/application/services"
	"payflow-backend/infrastructure/config"
	"payflow-backend/infrastructure/credentials"
	"payflow-backend/infrastructure/locks"
	"payflow-backend/infrastructure/statestore"
	"payflow-backend/infrastructure/transport"
	"payflow-backend/interfaces/http/rest"
	"payflow-backend/pkg/auth"
	"payflow-backend/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	StateStore  *statestore.Store
	Locks       *locks.Manager
	ChargeAPI   ports.ChargeAPI
	Credentials *credentials.BadgerStore
	Transport   *transport.Client
	Broadcaster ports.Broadcaster
	Metrics     *observability.Metrics
	RateLimiter *auth.PersistentRateLimiter
	Registry    *orchestrator.Registry
	FlowService *services.FlowService
	Router      *rest.Router
}

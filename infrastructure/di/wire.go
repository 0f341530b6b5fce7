//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"payflow-backend/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideStateStore,
	ProvideFlowStateStore,
	ProvideLockManager,
	ProvideLocks,
	ProvideChargeAPI,
	ProvideCredentialStore,
	ProvideCredentials,
	ProvideTransport,
	ProvideRealtimeTransport,
	ProvideBroadcaster,
	ProvideMetrics,
	ProvideRateLimiter,
	ProvideRegistry,
	ProvideFlowService,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	wire.Build(SuperSet)
	return nil, nil // Wire will replace this
}

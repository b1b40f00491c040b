package costprice

import (
	"go.uber.org/zap"

	"catalog-cost-service/internal/batch"
)

// Config groups the tunables of Service.
type Config struct {
	Resolver ResolverConfig
	Migrator MigratorConfig
}

// Service is the single entry point used by the transports and the worker.
type Service struct {
	*Resolver
	*Migrator
}

// NewService wires a Resolver and a Migrator over the same catalog.
func NewService(catalog Catalog, writer batch.Committer, locker Locker, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Resolver: NewResolver(catalog, catalog, cfg.Resolver, logger.Named("resolver")),
		Migrator: NewMigrator(catalog, writer, locker, cfg.Migrator, logger.Named("migrator")),
	}
}

/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all application
 * dependencies. The Container is the single source of truth for all service
 * instances and is passed to main for job and route registration.
 */
package di

import (
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/clients/feeds"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/database"
	"github.com/bithedge/backend/internal/modules/oracle"
	"github.com/bithedge/backend/internal/modules/policies"
	"github.com/bithedge/backend/internal/modules/pool"
	"github.com/bithedge/backend/internal/modules/quotes"
	"github.com/bithedge/backend/internal/reliability"
)

/**
 * Container holds all dependencies for the application.
 *
 * Architecture:
 * - Databases: 4-database architecture (oracle, pool, policy, chain)
 * - Clients: Stacks node client and external price feeds
 * - Chain: signing, transaction lifecycle, oracle reads, event processing
 * - Modules: oracle pipeline, quote engine, liquidity pool, policies
 * - Reliability: database snapshots to object storage (optional)
 */
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Databases
	OracleDB *database.DB
	PoolDB   *database.DB
	PolicyDB *database.DB
	ChainDB  *database.DB

	// Clients
	StacksClient *stacks.Client
	Feeds        []feeds.Feed
	Stream       *feeds.Stream
	StreamTicks  chan feeds.Tick

	// Chain
	Signer         *chain.Signer
	TxRepo         *chain.TxRepository
	Engine         *chain.Engine
	OracleReader   *chain.OracleReader
	EventRepo      *chain.EventRepository
	EventProcessor *chain.EventProcessor

	// Oracle pipeline
	OracleRepo       *oracle.Repository
	Ingestor         *oracle.Ingestor
	Aggregator       *oracle.Aggregator
	VolatilityEngine *oracle.VolatilityEngine
	Rollup           *oracle.Rollup
	Submitter        *oracle.Submitter

	// Quotes
	RiskParams  *quotes.RiskParamsRepository
	QuoteEngine *quotes.Engine

	// Liquidity pool
	PoolRepo    *pool.Repository
	Allocator   *pool.Allocator
	Distributor *pool.Distributor
	PoolService *pool.Service

	// Policies
	PolicyRepo   *policies.Repository
	Orchestrator *policies.Orchestrator
	Expirer      *policies.Expirer

	// Reliability (nil when backups are disabled)
	S3Client      *reliability.S3Client
	BackupService *reliability.BackupService
}

// Databases returns every database in the container, in a stable order.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.OracleDB, c.PoolDB, c.PolicyDB, c.ChainDB}
}

// Close releases every database connection.
func (c *Container) Close() {
	for _, db := range c.Databases() {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.Log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}

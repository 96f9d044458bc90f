package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/clients/feeds"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/oracle"
	"github.com/bithedge/backend/internal/modules/policies"
	"github.com/bithedge/backend/internal/modules/pool"
	"github.com/bithedge/backend/internal/modules/quotes"
	"github.com/bithedge/backend/internal/reliability"
)

// Wire builds the full dependency graph: databases, clients, chain plumbing,
// the business modules, and their event and confirmation registrations.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Log:    log,
	}

	var err error
	c.OracleDB, c.PoolDB, c.PolicyDB, c.ChainDB, err = openDatabases(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	// Clients
	c.StacksClient = stacks.NewClient(cfg.ChainAPIURL, log)
	c.Feeds = feeds.NewAll(cfg.Feeds, log)
	if cfg.BinanceStreamURL != "" {
		c.StreamTicks = make(chan feeds.Tick, 16)
		c.Stream = feeds.NewStream(cfg.BinanceStreamURL, c.StreamTicks, log)
	}

	// Chain plumbing
	c.Signer, err = chain.NewSigner(cfg.SignerKeyHex, cfg.DeployerAddress)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	c.TxRepo = chain.NewTxRepository(c.ChainDB.Conn())
	c.Engine = chain.NewEngine(c.StacksClient, c.Signer, c.TxRepo, log)
	c.OracleReader = chain.NewOracleReader(c.StacksClient, cfg.OracleContract.ID(), cfg.DeployerAddress)
	c.EventRepo = chain.NewEventRepository(c.ChainDB.Conn())
	c.EventProcessor = chain.NewEventProcessor(
		c.StacksClient,
		c.EventRepo,
		[]string{cfg.PolicyContract.ID(), cfg.PoolContract.ID()},
		cfg.EventPageLimit,
		log,
	)

	// Oracle pipeline
	c.OracleRepo = oracle.NewRepository(c.OracleDB.Conn())
	c.Ingestor = oracle.NewIngestor(c.Feeds, c.OracleRepo, cfg.AggregateDeadline, log)
	c.Aggregator = oracle.NewAggregator(c.OracleRepo, log)
	c.VolatilityEngine = oracle.NewVolatilityEngine(c.OracleRepo, log)
	c.Rollup = oracle.NewRollup(c.OracleRepo, log)
	c.Submitter = oracle.NewSubmitter(c.OracleRepo, c.OracleReader, c.Engine, cfg.OracleContract.ID(), cfg.Thresholds, log)

	// Quotes
	c.RiskParams = quotes.NewRiskParamsRepository(c.PoolDB.Conn())
	c.QuoteEngine = quotes.NewEngine(c.OracleRepo, c.VolatilityEngine, c.RiskParams, cfg.Quotes, log)

	// Liquidity pool
	c.PoolRepo = pool.NewRepository(c.PoolDB.Conn())
	if cfg.TierCapacityLimit > 0 {
		for _, tier := range []domain.Tier{domain.TierConservative, domain.TierBalanced, domain.TierAggressive} {
			for _, token := range []domain.Token{domain.TokenSTX, domain.TokenSBTC} {
				if err := c.PoolRepo.SetCapacityLimit(tier, token, cfg.TierCapacityLimit); err != nil {
					c.Close()
					return nil, fmt.Errorf("failed to set tier capacity: %w", err)
				}
			}
		}
	}
	c.Allocator = pool.NewAllocator(c.PoolRepo, log)
	c.Distributor = pool.NewDistributor(c.PoolRepo, c.Engine, cfg.PoolContract.ID(), log)
	c.PoolService = pool.NewService(c.PoolRepo, c.Engine, c.EventRepo, cfg.PoolContract.ID(), log)

	// Policies
	c.PolicyRepo = policies.NewRepository(c.PolicyDB.Conn())
	c.Orchestrator = policies.NewOrchestrator(
		c.PolicyRepo, c.Allocator, c.Distributor,
		c.QuoteEngine, c.Engine, c.Engine,
		cfg.PolicyContract.ID(), cfg.Quotes, log,
	)
	c.Expirer = policies.NewExpirer(
		c.PolicyRepo, c.Allocator, c.Engine,
		c.OracleReader, c.Engine, c.EventRepo,
		cfg.PolicyContract.ID(), cfg.PoolContract.ID(), cfg.ExpirationBatch, log,
	)

	// Transaction outcome handlers
	c.Submitter.RegisterConfirmationHandlers(c.Engine)
	c.Orchestrator.RegisterConfirmationHandlers(c.Engine)
	c.Expirer.RegisterConfirmationHandlers(c.Engine)

	// Contract event handlers
	c.Orchestrator.RegisterEventHandlers(c.EventProcessor)
	c.PoolService.RegisterEventHandlers(c.EventProcessor)
	c.Distributor.RegisterEventHandlers(c.EventProcessor, c.Orchestrator)
	c.Allocator.RegisterEventHandlers(c.EventProcessor, c.Orchestrator, c.EventRepo)

	// Backups
	if cfg.Backup.Enabled {
		c.S3Client, err = reliability.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create backup client: %w", err)
		}
		c.BackupService = reliability.NewBackupService(
			c.S3Client, c.Databases(), cfg.DataDir, string(cfg.Network), cfg.Backup.Retention, log)
	}

	return c, nil
}

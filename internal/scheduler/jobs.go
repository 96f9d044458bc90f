package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/database"
	"github.com/bithedge/backend/internal/modules/oracle"
	"github.com/bithedge/backend/internal/modules/policies"
	"github.com/bithedge/backend/internal/reliability"
)

// PriceIngestJob polls the external price feeds.
type PriceIngestJob struct {
	ctx      context.Context
	ingestor *oracle.Ingestor
}

// NewPriceIngestJob creates the price ingestion job.
func NewPriceIngestJob(ctx context.Context, ingestor *oracle.Ingestor) *PriceIngestJob {
	return &PriceIngestJob{ctx: ctx, ingestor: ingestor}
}

// Name returns the job name
func (j *PriceIngestJob) Name() string { return "price_ingest" }

// Run executes one ingestion round
func (j *PriceIngestJob) Run() error { return j.ingestor.Run(j.ctx) }

// AggregateJob folds fresh ticks into an aggregated price.
type AggregateJob struct {
	aggregator *oracle.Aggregator
}

// NewAggregateJob creates the aggregation job.
func NewAggregateJob(aggregator *oracle.Aggregator) *AggregateJob {
	return &AggregateJob{aggregator: aggregator}
}

// Name returns the job name
func (j *AggregateJob) Name() string { return "price_aggregate" }

// Run executes one aggregation round
func (j *AggregateJob) Run() error {
	_, err := j.aggregator.Run(time.Now())
	return err
}

// VolatilityJob recomputes historical volatility for the standard windows.
type VolatilityJob struct {
	engine *oracle.VolatilityEngine
}

// NewVolatilityJob creates the volatility job.
func NewVolatilityJob(engine *oracle.VolatilityEngine) *VolatilityJob {
	return &VolatilityJob{engine: engine}
}

// Name returns the job name
func (j *VolatilityJob) Name() string { return "volatility" }

// Run executes one volatility computation round
func (j *VolatilityJob) Run() error { return j.engine.RunScheduled(time.Now()) }

// DailyRollupJob folds the aggregated price into the daily OHLC row.
type DailyRollupJob struct {
	rollup *oracle.Rollup
}

// NewDailyRollupJob creates the daily rollup job.
func NewDailyRollupJob(rollup *oracle.Rollup) *DailyRollupJob {
	return &DailyRollupJob{rollup: rollup}
}

// Name returns the job name
func (j *DailyRollupJob) Name() string { return "daily_rollup" }

// Run executes one rollup round
func (j *DailyRollupJob) Run() error { return j.rollup.Run(time.Now()) }

// OracleSubmitJob evaluates and performs on-chain price submission.
type OracleSubmitJob struct {
	ctx       context.Context
	submitter *oracle.Submitter
}

// NewOracleSubmitJob creates the oracle submission job.
func NewOracleSubmitJob(ctx context.Context, submitter *oracle.Submitter) *OracleSubmitJob {
	return &OracleSubmitJob{ctx: ctx, submitter: submitter}
}

// Name returns the job name
func (j *OracleSubmitJob) Name() string { return "oracle_submit" }

// Run executes one submission decision
func (j *OracleSubmitJob) Run() error { return j.submitter.CheckAndSubmit(j.ctx) }

// ExpirationJob retires policies whose expiration height has passed.
type ExpirationJob struct {
	ctx     context.Context
	expirer *policies.Expirer
}

// NewExpirationJob creates the expiration job.
func NewExpirationJob(ctx context.Context, expirer *policies.Expirer) *ExpirationJob {
	return &ExpirationJob{ctx: ctx, expirer: expirer}
}

// Name returns the job name
func (j *ExpirationJob) Name() string { return "expiration" }

// Run executes one expiration batch
func (j *ExpirationJob) Run() error { return j.expirer.Run(j.ctx) }

// EventPollJob pages contract events and dispatches them to handlers.
type EventPollJob struct {
	ctx       context.Context
	processor *chain.EventProcessor
}

// NewEventPollJob creates the event polling job.
func NewEventPollJob(ctx context.Context, processor *chain.EventProcessor) *EventPollJob {
	return &EventPollJob{ctx: ctx, processor: processor}
}

// Name returns the job name
func (j *EventPollJob) Name() string { return "event_poll" }

// Run executes one polling pass
func (j *EventPollJob) Run() error { return j.processor.Poll(j.ctx) }

// TxReconcileJob polls submitted transactions until they reach a terminal
// status. In-flight transactions are never cancelled; a restart picks them up
// here.
type TxReconcileJob struct {
	ctx    context.Context
	engine *chain.Engine
}

// NewTxReconcileJob creates the transaction reconcile job.
func NewTxReconcileJob(ctx context.Context, engine *chain.Engine) *TxReconcileJob {
	return &TxReconcileJob{ctx: ctx, engine: engine}
}

// Name returns the job name
func (j *TxReconcileJob) Name() string { return "tx_reconcile" }

// Run executes one reconcile pass
func (j *TxReconcileJob) Run() error { return j.engine.ReconcilePending(j.ctx) }

// BackupJob snapshots the databases and uploads the archive to object
// storage.
type BackupJob struct {
	ctx     context.Context
	backups *reliability.BackupService
}

// NewBackupJob creates the backup job.
func NewBackupJob(ctx context.Context, backups *reliability.BackupService) *BackupJob {
	return &BackupJob{ctx: ctx, backups: backups}
}

// Name returns the job name
func (j *BackupJob) Name() string { return "backup" }

// Run executes one backup round
func (j *BackupJob) Run() error { return j.backups.CreateAndUploadBackup(j.ctx) }

// MaintenanceJob checkpoints WALs and verifies database integrity.
type MaintenanceJob struct {
	ctx context.Context
	dbs []*database.DB
	log zerolog.Logger
}

// NewMaintenanceJob creates the database maintenance job.
func NewMaintenanceJob(ctx context.Context, dbs []*database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{ctx: ctx, dbs: dbs, log: log.With().Str("job", "db_maintenance").Logger()}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string { return "db_maintenance" }

// Run checkpoints and integrity-checks every database
func (j *MaintenanceJob) Run() error {
	for _, db := range j.dbs {
		if err := db.HealthCheck(j.ctx); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("Database integrity check failed")
			return err
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}
	return nil
}

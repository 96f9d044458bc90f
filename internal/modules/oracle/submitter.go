package oracle

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/domain"
)

// TxKindSetPrice tags oracle price submissions in the transaction ledger.
const TxKindSetPrice = "set-aggregated-price"

// Submission reasons recorded with each on-chain write.
const (
	ReasonInitialWrite = "initial-write"
	ReasonPriceChange  = "price-change"
	ReasonMaxInterval  = "heartbeat"
)

// TxExecutor submits contract calls. Implemented by *chain.Engine.
type TxExecutor interface {
	Execute(ctx context.Context, call chain.CallConfig) (*chain.Transaction, error)
}

// OnChainReader reads the oracle contract. Implemented by *chain.OracleReader.
type OnChainReader interface {
	LatestPrice(ctx context.Context) (*chain.OraclePrice, error)
}

// Submitter decides when the aggregated price is worth an on-chain write and
// performs the submission.
type Submitter struct {
	repo       *Repository
	reader     OnChainReader
	executor   TxExecutor
	contractID string
	thresholds config.OracleThresholds
	log        zerolog.Logger
}

// NewSubmitter creates the oracle submitter.
func NewSubmitter(repo *Repository, reader OnChainReader, executor TxExecutor, contractID string, thresholds config.OracleThresholds, log zerolog.Logger) *Submitter {
	return &Submitter{
		repo:       repo,
		reader:     reader,
		executor:   executor,
		contractID: contractID,
		thresholds: thresholds,
		log:        log.With().Str("component", "oracle-submitter").Logger(),
	}
}

// CheckAndSubmit runs one submission decision against the latest aggregate
// and the current on-chain state.
func (s *Submitter) CheckAndSubmit(ctx context.Context) error {
	agg, err := s.repo.LatestAggregate()
	if err != nil {
		return err
	}
	if agg == nil {
		s.log.Debug().Msg("No aggregated price yet")
		return nil
	}

	reason, pctChange, submit := s.decide(ctx, agg)
	if !submit {
		return nil
	}
	return s.submit(ctx, agg, reason, pctChange)
}

// decide walks the submission decision tree in order. Each step either
// resolves the decision or falls through to the next.
func (s *Submitter) decide(ctx context.Context, agg *AggregatedPrice) (reason string, pctChange float64, submit bool) {
	if agg.SourceCount < s.thresholds.MinSourceCount {
		s.log.Debug().Int("sources", agg.SourceCount).Msg("Too few sources, skipping submission")
		return "", 0, false
	}

	onChain, err := s.reader.LatestPrice(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoPriceData) {
			return ReasonInitialWrite, 0, true
		}
		// Stale reads and transport failures both mean we cannot decide safely
		s.log.Warn().Err(err).Msg("On-chain price read failed, skipping submission")
		return "", 0, false
	}

	elapsed := time.Since(onChain.UpdatedAt)
	if elapsed < s.thresholds.MinInterval {
		s.log.Debug().Dur("elapsed", elapsed).Msg("Inside minimum interval, skipping submission")
		return "", 0, false
	}

	onChainUSD := float64(onChain.PriceSats) / 1e8
	pctChange = (agg.Price - onChainUSD) / onChainUSD * 100

	if math.Abs(pctChange) >= s.thresholds.MinPctChange {
		return ReasonPriceChange, pctChange, true
	}
	if elapsed >= s.thresholds.MaxInterval {
		return ReasonMaxInterval, pctChange, true
	}

	s.log.Debug().Float64("pct_change", pctChange).Msg("Below change threshold, skipping submission")
	return "", 0, false
}

func (s *Submitter) submit(ctx context.Context, agg *AggregatedPrice, reason string, pctChange float64) error {
	priceSats := uint64(math.Round(agg.Price * 1e8))

	tx, err := s.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindSetPrice,
		ContractID: s.contractID,
		Function:   "set-aggregated-price",
		Args:       []clarity.Value{clarity.MakeUint(priceSats)},
	})
	if err != nil {
		return err
	}

	err = s.repo.RecordSubmission(Submission{
		TxID:           tx.ID,
		SubmittedPrice: priceSats,
		Reason:         reason,
		SourceCount:    agg.SourceCount,
		PercentChange:  pctChange,
	})
	if err != nil {
		return err
	}

	PipelineMetrics().Submissions.WithLabelValues(reason).Inc()
	s.log.Info().
		Uint64("price_sats", priceSats).
		Str("reason", reason).
		Float64("pct_change", pctChange).
		Str("tx_id", tx.ID).
		Msg("Submitted price on-chain")
	return nil
}

// ConfirmationRegistry registers per-kind transaction outcome handlers.
// Implemented by *chain.Engine.
type ConfirmationRegistry interface {
	OnConfirmation(kind string, h chain.ConfirmationHandler)
}

// RegisterConfirmationHandlers mirrors the final transaction outcome onto the
// submission record.
func (s *Submitter) RegisterConfirmationHandlers(engine ConfirmationRegistry) {
	engine.OnConfirmation(TxKindSetPrice, func(ctx context.Context, tx *chain.Transaction) error {
		status := "failed"
		if tx.Status == domain.TxConfirmed {
			status = "confirmed"
		}
		return s.repo.UpdateSubmissionStatus(tx.ID, status)
	})
}

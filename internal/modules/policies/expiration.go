package policies

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/pool"
)

// PriceAtHeightSource reads the historical on-chain price. Implemented by
// *chain.OracleReader.
type PriceAtHeightSource interface {
	PriceAtHeight(ctx context.Context, height uint64) (*chain.OraclePrice, error)
}

// Reconciler records settlement discrepancies for operator follow-up.
// Implemented by *chain.EventRepository.
type Reconciler interface {
	RecordReconciliation(context, policyID, details string) error
}

// Expirer retires policies whose expiration height has passed. Each run
// processes a bounded batch; policies expiring at the same height settle
// against a single oracle lookup.
type Expirer struct {
	repo       *Repository
	allocator  *pool.Allocator
	executor   pool.TxExecutor
	oracle     PriceAtHeightSource
	tips       ChainTipSource
	reconciler Reconciler
	registryID string
	poolID     string
	batchSize  int
	log        zerolog.Logger
}

// NewExpirer creates the expiration scheduler.
func NewExpirer(repo *Repository, allocator *pool.Allocator, executor pool.TxExecutor,
	oracle PriceAtHeightSource, tips ChainTipSource, reconciler Reconciler,
	registryID, poolID string, batchSize int, log zerolog.Logger) *Expirer {

	if batchSize <= 0 {
		batchSize = 50
	}
	return &Expirer{
		repo:       repo,
		allocator:  allocator,
		executor:   executor,
		oracle:     oracle,
		tips:       tips,
		reconciler: reconciler,
		registryID: registryID,
		poolID:     poolID,
		batchSize:  batchSize,
		log:        log.With().Str("component", "expiration-scheduler").Logger(),
	}
}

// Run processes one batch of expired policies.
func (e *Expirer) Run(ctx context.Context) error {
	tip, err := e.tips.ChainTip(ctx)
	if err != nil {
		return err
	}

	expired, err := e.repo.ListExpired(tip, e.batchSize)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	// One oracle lookup per distinct expiration height
	prices := make(map[uint64]*chain.OraclePrice)
	for _, policy := range expired {
		price, ok := prices[policy.ExpirationHeight]
		if !ok {
			price, err = e.oracle.PriceAtHeight(ctx, policy.ExpirationHeight)
			if err != nil {
				e.log.Error().Err(err).
					Uint64("height", policy.ExpirationHeight).
					Msg("No oracle price for expiration height, deferring group")
				prices[policy.ExpirationHeight] = nil
				continue
			}
			prices[policy.ExpirationHeight] = price
		}
		if price == nil {
			continue
		}

		// A sub-cent oracle price truncates to zero and cannot settle
		spotCents := int64(price.PriceSats / 1e6)
		if spotCents <= 0 {
			e.log.Error().
				Uint64("height", policy.ExpirationHeight).
				Uint64("price_sats", price.PriceSats).
				Msg("Oracle price truncates to zero cents, deferring group")
			if err := e.reconciler.RecordReconciliation("oracle-price-invalid", policy.ID,
				fmt.Sprintf("price %d sats at height %d truncates to zero cents",
					price.PriceSats, policy.ExpirationHeight)); err != nil {
				e.log.Error().Err(err).Str("policy_id", policy.ID).Msg("Failed to record reconciliation")
			}
			prices[policy.ExpirationHeight] = nil
			continue
		}

		if err := e.processPolicy(ctx, policy, spotCents); err != nil {
			e.log.Error().Err(err).Str("policy_id", policy.ID).Msg("Expiration processing failed")
		}
	}
	return nil
}

// processPolicy submits the retirement calls for one policy. A PUT is in the
// money iff the expiry spot is below the strike.
func (e *Expirer) processPolicy(ctx context.Context, policy *Policy, spotCents int64) error {
	if policy.OnChainID == nil {
		return fmt.Errorf("policy %s is Active without an on-chain id", policy.ID)
	}

	if spotCents >= policy.StrikeCents {
		return e.expire(ctx, policy)
	}

	settlementCents := (policy.StrikeCents - spotCents) * policy.AmountSats / 1e8
	return e.exercise(ctx, policy, settlementCents, spotCents)
}

func (e *Expirer) expire(ctx context.Context, policy *Policy) error {
	tx, err := e.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindExpirePolicy,
		ContractID: e.registryID,
		Function:   "update-policy-status",
		Args: []clarity.Value{
			clarity.MakeUint(*policy.OnChainID),
			clarity.MakeUint(statusCodeExpired),
		},
	})
	if err != nil {
		return err
	}
	if err := e.repo.SetStatusTx(policy.ID, tx.ID); err != nil {
		return err
	}

	e.log.Info().
		Str("policy_id", policy.ID).
		Str("tx_id", tx.ID).
		Msg("Policy expiration submitted")
	return nil
}

func (e *Expirer) exercise(ctx context.Context, policy *Policy, settlementCents, spotCents int64) error {
	statusTx, err := e.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindExercisePolicy,
		ContractID: e.registryID,
		Function:   "update-policy-status",
		Args: []clarity.Value{
			clarity.MakeUint(*policy.OnChainID),
			clarity.MakeUint(statusCodeExercised),
			clarity.MakeUint(uint64(settlementCents)),
			clarity.MakeUint(uint64(spotCents)),
		},
	})
	if err != nil {
		return err
	}
	if err := e.repo.SetSettlement(policy.ID, settlementCents, spotCents, statusTx.ID); err != nil {
		return err
	}

	// Settlement pays out in the settlement token at the expiry spot
	settleSats := settlementCents * 1e8 / spotCents
	settleTx, err := e.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindPaySettlement,
		ContractID: e.poolID,
		Function:   "pay-settlement",
		Args: []clarity.Value{
			clarity.MakeUint(*policy.OnChainID),
			clarity.StringASCII(string(policy.SettlementToken), 32),
			clarity.MakeUint(uint64(settleSats)),
			clarity.Principal(policy.Owner),
		},
	})
	if err != nil {
		return err
	}
	if err := e.repo.SetSettlementTx(policy.ID, settleTx.ID); err != nil {
		return err
	}

	e.log.Info().
		Str("policy_id", policy.ID).
		Int64("settlement_cents", settlementCents).
		Int64("settlement_sats", settleSats).
		Str("status_tx_id", statusTx.ID).
		Str("settlement_tx_id", settleTx.ID).
		Msg("Policy exercise submitted")
	return nil
}

// RegisterConfirmationHandlers finalizes retirements when the chain confirms
// them: expirations release collateral, settlements apply losses and settle
// the policy.
func (e *Expirer) RegisterConfirmationHandlers(engine ConfirmationRegistry) {
	engine.OnConfirmation(TxKindExpirePolicy, func(ctx context.Context, tx *chain.Transaction) error {
		policy, err := e.repo.GetByStatusTx(tx.ID)
		if err != nil || policy == nil {
			return err
		}
		if tx.Status != domain.TxConfirmed {
			if err := e.reconciler.RecordReconciliation("expire-policy-failed", policy.ID,
				fmt.Sprintf("tx %s finished %s", tx.ID, tx.Status)); err != nil {
				return err
			}
			// update-policy-status moved no funds; the next scheduler
			// pass re-claims the policy and resubmits
			return e.repo.ClearRetirementTx(policy.ID)
		}
		if err := e.repo.MarkExpired(policy.ID); err != nil {
			return err
		}
		return e.allocator.Release(policy.ID)
	})

	engine.OnConfirmation(TxKindExercisePolicy, func(ctx context.Context, tx *chain.Transaction) error {
		policy, err := e.repo.GetByStatusTx(tx.ID)
		if err != nil || policy == nil {
			return err
		}
		if tx.Status != domain.TxConfirmed {
			// The paired pay-settlement may still be in flight, so the
			// policy is not handed back to the scheduler; the entry routes
			// it to an operator instead
			return e.reconciler.RecordReconciliation("exercise-policy-failed", policy.ID,
				fmt.Sprintf("tx %s finished %s", tx.ID, tx.Status))
		}
		if policy.Status != domain.PolicyActive {
			return nil
		}
		return e.repo.MarkExercised(policy.ID)
	})

	engine.OnConfirmation(TxKindPaySettlement, func(ctx context.Context, tx *chain.Transaction) error {
		policy, err := e.repo.GetBySettlementTx(tx.ID)
		if err != nil || policy == nil {
			return err
		}
		if tx.Status != domain.TxConfirmed {
			return e.reconciler.RecordReconciliation("pay-settlement-failed", policy.ID,
				fmt.Sprintf("tx %s finished %s", tx.ID, tx.Status))
		}
		return e.finalizeSettlement(policy)
	})
}

// finalizeSettlement applies the provider loss and closes out the policy.
func (e *Expirer) finalizeSettlement(policy *Policy) error {
	if policy.SettlementAmount == nil || policy.SettlementPrice == nil {
		return fmt.Errorf("policy %s settled without recorded settlement values", policy.ID)
	}
	if *policy.SettlementPrice <= 0 {
		return fmt.Errorf("policy %s settled at non-positive price %d", policy.ID, *policy.SettlementPrice)
	}

	lossSats := *policy.SettlementAmount * 1e8 / *policy.SettlementPrice
	absorbed, err := e.allocator.ApplySettlement(policy.ID, lossSats)
	if err != nil {
		return err
	}
	if absorbed < lossSats {
		if err := e.reconciler.RecordReconciliation("settlement-shortfall", policy.ID,
			fmt.Sprintf("loss %d sats, absorbed %d", lossSats, absorbed)); err != nil {
			return err
		}
	}

	if policy.Status == domain.PolicyActive {
		if err := e.repo.MarkExercised(policy.ID); err != nil {
			return err
		}
	}
	return e.repo.MarkSettled(policy.ID)
}

package pool

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/domain"
)

// TxKindRecordPremium tags premium distribution transactions.
const TxKindRecordPremium = "record-premium"

// TxExecutor submits contract calls. Implemented by *chain.Engine.
type TxExecutor interface {
	Execute(ctx context.Context, call chain.CallConfig) (*chain.Transaction, error)
}

// Distributor splits a policy's premium across its backing providers and
// records it on-chain.
type Distributor struct {
	repo       *Repository
	executor   TxExecutor
	contractID string
	log        zerolog.Logger
}

// NewDistributor creates the premium distributor.
func NewDistributor(repo *Repository, executor TxExecutor, contractID string, log zerolog.Logger) *Distributor {
	return &Distributor{
		repo:       repo,
		executor:   executor,
		contractID: contractID,
		log:        log.With().Str("component", "premium-distributor").Logger(),
	}
}

// PlanDistributions writes Planned distribution rows splitting the premium by
// each allocation's bps. Called during policy creation so the split is fixed
// before anything touches the chain.
func (d *Distributor) PlanDistributions(policyID string, premium int64, allocs []Allocation) ([]Distribution, error) {
	if len(allocs) == 0 {
		return nil, domain.NewError(domain.KindValidation, "cannot distribute premium with no allocations")
	}

	shares := SplitByBps(premium, allocs)

	dists := make([]Distribution, 0, len(allocs))
	for _, alloc := range allocs {
		dists = append(dists, Distribution{
			ID:           uuid.New().String(),
			PolicyID:     policyID,
			AllocationID: alloc.ID,
			Provider:     alloc.Provider,
			PremiumShare: shares[alloc.ID],
			Status:       domain.DistributionPlanned,
		})
	}

	if err := d.repo.InsertDistributions(dists); err != nil {
		return nil, err
	}
	return dists, nil
}

// Distribute records the policy premium on-chain and marks the planned rows
// Recorded. Runs after the policy goes Active.
func (d *Distributor) Distribute(ctx context.Context, policyID string, onChainID uint64, premium int64, token domain.Token) error {
	dists, err := d.repo.DistributionsForPolicy(policyID)
	if err != nil {
		return err
	}
	if len(dists) == 0 {
		return fmt.Errorf("no planned distributions for policy %s", policyID)
	}

	tx, err := d.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindRecordPremium,
		ContractID: d.contractID,
		Function:   "record-premium",
		Args: []clarity.Value{
			clarity.MakeUint(onChainID),
			clarity.MakeUint(uint64(premium)),
			clarity.StringASCII(string(token), 32),
		},
	})
	if err != nil {
		return err
	}

	if err := d.repo.MarkDistributionsRecorded(policyID); err != nil {
		return err
	}

	d.log.Info().
		Str("policy_id", policyID).
		Str("tx_id", tx.ID).
		Int64("premium", premium).
		Int("providers", len(dists)).
		Msg("Premium distribution recorded on-chain")
	return nil
}

// OnDistributionConfirmed finalizes a policy's distributions after the chain
// confirms the record-premium call: rows flip to Paid and providers are
// credited.
func (d *Distributor) OnDistributionConfirmed(policyID string) error {
	return d.repo.MarkDistributionsPaid(policyID)
}

package pool

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/domain"
)

// PlanEntry is one provider's planned share of a policy's collateral.
type PlanEntry struct {
	Provider      string
	Share         int64
	PercentageBps int64
}

// Plan is the full collateral split for one policy.
type Plan struct {
	Tier     domain.Tier
	Token    domain.Token
	Required int64
	Entries  []PlanEntry
}

// Allocator splits collateral requirements across providers and manages the
// lock lifecycle. Capital mutations serialize through a single mutex; the
// underlying multi-row updates are additionally transactional.
type Allocator struct {
	repo *Repository
	log  zerolog.Logger

	mu sync.Mutex
}

// NewAllocator creates the allocator.
func NewAllocator(repo *Repository, log zerolog.Logger) *Allocator {
	return &Allocator{repo: repo, log: log.With().Str("component", "allocator").Logger()}
}

// PlanAllocation computes a collateral split without writing anything.
// Providers with more available capital take proportionally larger shares;
// flooring remainders are walked back over the same order; the bps rounding
// remainder goes to the largest provider.
func (a *Allocator) PlanAllocation(required int64, tier domain.Tier, token domain.Token) (*Plan, error) {
	if required <= 0 {
		return nil, domain.NewError(domain.KindValidation, "required amount must be positive")
	}

	balances, err := a.repo.EligibleBalances(tier, token)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return nil, domain.ErrInsufficientLiquidity
	}

	var totalAvailable int64
	for _, b := range balances {
		totalAvailable += b.Available()
	}
	if totalAvailable < required {
		return nil, domain.ErrInsufficientLiquidity
	}

	// First pass: proportional floor shares
	shares := make([]int64, len(balances))
	remaining := required
	for i, b := range balances {
		share := required * b.Available() / totalAvailable
		if share > b.Available() {
			share = b.Available()
		}
		if share > remaining {
			share = remaining
		}
		shares[i] = share
		remaining -= share
	}

	// Second pass: hand out the flooring remainder in the same order
	for i, b := range balances {
		if remaining == 0 {
			break
		}
		headroom := b.Available() - shares[i]
		if headroom <= 0 {
			continue
		}
		extra := headroom
		if extra > remaining {
			extra = remaining
		}
		shares[i] += extra
		remaining -= extra
	}
	if remaining > 0 {
		return nil, domain.ErrInsufficientLiquidity
	}

	plan := &Plan{Tier: tier, Token: token, Required: required}
	var bpsSum int64
	largest := -1
	for i, b := range balances {
		if shares[i] == 0 {
			continue
		}
		bps := shares[i] * 10000 / required
		plan.Entries = append(plan.Entries, PlanEntry{
			Provider:      b.Provider,
			Share:         shares[i],
			PercentageBps: bps,
		})
		bpsSum += bps
		if largest == -1 || shares[i] > plan.Entries[largest].Share {
			largest = len(plan.Entries) - 1
		}
	}

	// Rounding remainder goes to the largest provider so bps sum to 10000
	if diff := 10000 - bpsSum; diff != 0 && largest >= 0 {
		plan.Entries[largest].PercentageBps += diff
	}

	return plan, nil
}

// Commit locks the planned capital and records the allocations as Pending.
func (a *Allocator) Commit(policyID string, plan *Plan) ([]Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocs := make([]Allocation, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		allocs = append(allocs, Allocation{
			ID:            uuid.New().String(),
			PolicyID:      policyID,
			Provider:      entry.Provider,
			Tier:          plan.Tier,
			Token:         plan.Token,
			AmountLocked:  entry.Share,
			PercentageBps: entry.PercentageBps,
			Status:        domain.AllocationPending,
		})
	}

	if err := a.repo.InsertAllocations(allocs); err != nil {
		return nil, err
	}

	a.log.Info().
		Str("policy_id", policyID).
		Int("providers", len(allocs)).
		Int64("amount", plan.Required).
		Msg("Collateral committed")
	return allocs, nil
}

// Confirm moves a policy's allocations from Pending to Confirmed.
func (a *Allocator) Confirm(policyID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repo.UpdateAllocationStatus(policyID, domain.AllocationConfirmed)
}

// Release unlocks a policy's capital.
func (a *Allocator) Release(policyID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.repo.ReleaseAllocations(policyID); err != nil {
		return err
	}
	a.log.Info().Str("policy_id", policyID).Msg("Collateral released")
	return nil
}

// ApplySettlement distributes a realized loss across a policy's allocations
// proportionally by bps, remainder to the largest, and unlocks the residual
// collateral in the same transaction. Returns the amount actually absorbed;
// a shortfall against totalLoss is the caller's reconciliation problem.
func (a *Allocator) ApplySettlement(policyID string, totalLoss int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocs, err := a.repo.AllocationsForPolicy(policyID)
	if err != nil {
		return 0, err
	}
	if len(allocs) == 0 {
		return 0, nil
	}

	shares := SplitByBps(totalLoss, allocs)

	// Clamp each share to the allocation's locked amount
	var absorbed int64
	for id, share := range shares {
		for _, alloc := range allocs {
			if alloc.ID != id {
				continue
			}
			if share > alloc.AmountLocked {
				shares[id] = alloc.AmountLocked
			}
			absorbed += shares[id]
		}
	}

	if err := a.repo.ApplyLoss(policyID, shares); err != nil {
		return 0, err
	}

	a.log.Info().
		Str("policy_id", policyID).
		Int64("loss", totalLoss).
		Int64("absorbed", absorbed).
		Msg("Settlement applied to allocations")
	return absorbed, nil
}

// SplitByBps divides an amount across allocations proportionally by their
// percentage bps: floor shares first, remainder to the largest allocation.
func SplitByBps(total int64, allocs []Allocation) map[string]int64 {
	shares := make(map[string]int64, len(allocs))

	var assigned int64
	largestID := ""
	var largestBps int64 = -1
	for _, alloc := range allocs {
		share := total * alloc.PercentageBps / 10000
		shares[alloc.ID] = share
		assigned += share
		if alloc.PercentageBps > largestBps {
			largestBps = alloc.PercentageBps
			largestID = alloc.ID
		}
	}

	if remainder := total - assigned; remainder > 0 && largestID != "" {
		shares[largestID] += remainder
	}
	return shares
}

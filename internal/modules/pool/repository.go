// Package pool manages provider capital: balances, tier aggregates,
// allocations, and premium distributions.
package pool

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bithedge/backend/internal/database"
	"github.com/bithedge/backend/internal/domain"
)

// Balance is one provider's capital position in one (tier, token) bucket.
type Balance struct {
	Provider         string
	Tier             domain.Tier
	Token            domain.Token
	Deposited        int64
	Locked           int64
	PremiumEarned    int64
	LastDepositBlock uint64
	DepositCount     int
}

// Available returns the unlocked capital.
func (b Balance) Available() int64 {
	return b.Deposited - b.Locked
}

// TierCapital is the aggregate position of one (tier, token) bucket.
type TierCapital struct {
	Tier           domain.Tier
	Token          domain.Token
	TotalDeposited int64
	TotalLocked    int64
	CapacityLimit  int64
}

// Allocation is one provider's claim against a policy.
type Allocation struct {
	ID            string
	PolicyID      string
	Provider      string
	Tier          domain.Tier
	Token         domain.Token
	AmountLocked  int64
	PercentageBps int64
	Status        domain.AllocationStatus
}

// Distribution is one provider's share of a policy premium.
type Distribution struct {
	ID           string
	PolicyID     string
	AllocationID string
	Provider     string
	PremiumShare int64
	Status       domain.DistributionStatus
}

// Repository persists pool state in pool.db. Multi-row capital updates run
// inside a single transaction; callers serialize through the Allocator.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a pool repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EligibleBalances returns providers with at least one unlocked unit in the
// bucket, sorted by available capital descending.
func (r *Repository) EligibleBalances(tier domain.Tier, token domain.Token) ([]Balance, error) {
	rows, err := r.db.Query(`
		SELECT provider, tier, token, deposited, locked, premium_earned, last_deposit_block, deposit_count
		FROM provider_tier_balances
		WHERE tier = ? AND token = ? AND deposited - locked >= 1
		ORDER BY deposited - locked DESC, provider ASC`, tier, token)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible balances: %w", err)
	}
	defer rows.Close()
	return scanBalances(rows)
}

// BalancesForProvider returns every bucket a provider holds.
func (r *Repository) BalancesForProvider(provider string) ([]Balance, error) {
	rows, err := r.db.Query(`
		SELECT provider, tier, token, deposited, locked, premium_earned, last_deposit_block, deposit_count
		FROM provider_tier_balances
		WHERE provider = ?
		ORDER BY tier, token`, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances for %s: %w", provider, err)
	}
	defer rows.Close()
	return scanBalances(rows)
}

func scanBalances(rows *sql.Rows) ([]Balance, error) {
	var balances []Balance
	for rows.Next() {
		var b Balance
		err := rows.Scan(&b.Provider, &b.Tier, &b.Token, &b.Deposited, &b.Locked,
			&b.PremiumEarned, &b.LastDepositBlock, &b.DepositCount)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// RecordDeposit upserts a deposit into a provider's bucket and the tier
// aggregate, transactionally.
func (r *Repository) RecordDeposit(provider string, tier domain.Tier, token domain.Token, amount int64, block uint64) error {
	if amount <= 0 {
		return domain.NewError(domain.KindValidation, "deposit amount must be positive")
	}
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO provider_tier_balances (provider, tier, token, deposited, locked, premium_earned, last_deposit_block, deposit_count, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, ?, 1, ?)
			ON CONFLICT(provider, tier, token) DO UPDATE SET
			    deposited = deposited + excluded.deposited,
			    last_deposit_block = excluded.last_deposit_block,
			    deposit_count = deposit_count + 1,
			    updated_at = excluded.updated_at`,
			provider, tier, token, amount, block, now)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO tier_capital (tier, token, total_deposited, total_locked, capacity_limit, updated_at)
			VALUES (?, ?, ?, 0, 0, ?)
			ON CONFLICT(tier, token) DO UPDATE SET
			    total_deposited = total_deposited + excluded.total_deposited,
			    updated_at = excluded.updated_at`,
			tier, token, amount, now)
		return err
	})
}

// RecordWithdrawal removes unlocked capital from a provider's bucket.
func (r *Repository) RecordWithdrawal(provider string, tier domain.Tier, token domain.Token, amount int64) error {
	if amount <= 0 {
		return domain.NewError(domain.KindValidation, "withdrawal amount must be positive")
	}
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE provider_tier_balances
			SET deposited = deposited - ?, updated_at = ?
			WHERE provider = ? AND tier = ? AND token = ? AND deposited - locked >= ?`,
			amount, now, provider, tier, token, amount)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrInsufficientLiquidity
		}

		_, err = tx.Exec(`
			UPDATE tier_capital SET total_deposited = total_deposited - ?, updated_at = ?
			WHERE tier = ? AND token = ?`,
			amount, now, tier, token)
		return err
	})
}

// SetCapacityLimit sets the deposit cap for a (tier, token) bucket. Zero
// leaves the bucket uncapped.
func (r *Repository) SetCapacityLimit(tier domain.Tier, token domain.Token, limit int64) error {
	_, err := r.db.Exec(`
		INSERT INTO tier_capital (tier, token, total_deposited, total_locked, capacity_limit, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(tier, token) DO UPDATE SET
		    capacity_limit = excluded.capacity_limit,
		    updated_at = excluded.updated_at`,
		tier, token, limit, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set capacity limit for %s/%s: %w", tier, token, err)
	}
	return nil
}

// TierCapitalFor returns the aggregate for a bucket, zero-valued when absent.
func (r *Repository) TierCapitalFor(tier domain.Tier, token domain.Token) (TierCapital, error) {
	row := r.db.QueryRow(`
		SELECT tier, token, total_deposited, total_locked, capacity_limit
		FROM tier_capital WHERE tier = ? AND token = ?`, tier, token)

	var tc TierCapital
	err := row.Scan(&tc.Tier, &tc.Token, &tc.TotalDeposited, &tc.TotalLocked, &tc.CapacityLimit)
	if err == sql.ErrNoRows {
		return TierCapital{Tier: tier, Token: token}, nil
	}
	if err != nil {
		return TierCapital{}, fmt.Errorf("failed to read tier capital: %w", err)
	}
	return tc, nil
}

// InsertAllocations writes a policy's allocations and locks the backing
// capital in one transaction. Fails atomically when any lock would exceed a
// provider's deposit (a concurrent change race).
func (r *Repository) InsertAllocations(allocs []Allocation) error {
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		totalByBucket := map[[2]string]int64{}

		for _, a := range allocs {
			res, err := tx.Exec(`
				UPDATE provider_tier_balances
				SET locked = locked + ?, updated_at = ?
				WHERE provider = ? AND tier = ? AND token = ? AND locked + ? <= deposited`,
				a.AmountLocked, now, a.Provider, a.Tier, a.Token, a.AmountLocked)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return domain.ErrInsufficientLiquidity
			}

			_, err = tx.Exec(`
				INSERT INTO allocations (id, policy_id, provider, tier, token, amount_locked, percentage_bps, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.PolicyID, a.Provider, a.Tier, a.Token, a.AmountLocked, a.PercentageBps,
				domain.AllocationPending, now, now)
			if err != nil {
				return err
			}

			totalByBucket[[2]string{string(a.Tier), string(a.Token)}] += a.AmountLocked
		}

		for bucket, amount := range totalByBucket {
			_, err := tx.Exec(`
				UPDATE tier_capital SET total_locked = total_locked + ?, updated_at = ?
				WHERE tier = ? AND token = ?`,
				amount, now, bucket[0], bucket[1])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// AllocationsForPolicy returns a policy's allocations.
func (r *Repository) AllocationsForPolicy(policyID string) ([]Allocation, error) {
	rows, err := r.db.Query(`
		SELECT id, policy_id, provider, tier, token, amount_locked, percentage_bps, status
		FROM allocations WHERE policy_id = ? ORDER BY amount_locked DESC, provider ASC`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations for policy %s: %w", policyID, err)
	}
	defer rows.Close()

	var allocs []Allocation
	for rows.Next() {
		var a Allocation
		err := rows.Scan(&a.ID, &a.PolicyID, &a.Provider, &a.Tier, &a.Token,
			&a.AmountLocked, &a.PercentageBps, &a.Status)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// UpdateAllocationStatus moves every allocation of a policy to a new status.
func (r *Repository) UpdateAllocationStatus(policyID string, status domain.AllocationStatus) error {
	_, err := r.db.Exec(`
		UPDATE allocations SET status = ?, updated_at = ? WHERE policy_id = ?`,
		status, time.Now().UnixMilli(), policyID)
	if err != nil {
		return fmt.Errorf("failed to update allocations for policy %s: %w", policyID, err)
	}
	return nil
}

// ReleaseAllocations unlocks a policy's capital and marks the allocations
// Released, in one transaction.
func (r *Repository) ReleaseAllocations(policyID string) error {
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		allocs, err := allocationsForUpdate(tx, policyID)
		if err != nil {
			return err
		}

		for _, a := range allocs {
			if a.Status == domain.AllocationReleased || a.Status == domain.AllocationSettlementImpacted {
				continue
			}

			_, err := tx.Exec(`
				UPDATE provider_tier_balances SET locked = locked - ?, updated_at = ?
				WHERE provider = ? AND tier = ? AND token = ?`,
				a.AmountLocked, now, a.Provider, a.Tier, a.Token)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				UPDATE tier_capital SET total_locked = total_locked - ?, updated_at = ?
				WHERE tier = ? AND token = ?`,
				a.AmountLocked, now, a.Tier, a.Token)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				UPDATE allocations SET status = ?, updated_at = ? WHERE id = ?`,
				domain.AllocationReleased, now, a.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyLoss deducts each allocation's settlement share from deposited,
// unlocks the full locked amount (the loss is paid out, the residual returns
// to the provider), marks the allocation SettlementImpacted, and shrinks the
// tier aggregates, in one transaction.
func (r *Repository) ApplyLoss(policyID string, shares map[string]int64) error {
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		allocs, err := allocationsForUpdate(tx, policyID)
		if err != nil {
			return err
		}

		for _, a := range allocs {
			share, ok := shares[a.ID]
			if !ok {
				continue
			}

			_, err := tx.Exec(`
				UPDATE provider_tier_balances
				SET deposited = deposited - ?, locked = locked - ?, updated_at = ?
				WHERE provider = ? AND tier = ? AND token = ?`,
				share, a.AmountLocked, now, a.Provider, a.Tier, a.Token)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				UPDATE tier_capital
				SET total_deposited = total_deposited - ?, total_locked = total_locked - ?, updated_at = ?
				WHERE tier = ? AND token = ?`,
				share, a.AmountLocked, now, a.Tier, a.Token)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				UPDATE allocations SET status = ?, updated_at = ? WHERE id = ?`,
				domain.AllocationSettlementImpacted, now, a.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func allocationsForUpdate(tx *sql.Tx, policyID string) ([]Allocation, error) {
	rows, err := tx.Query(`
		SELECT id, policy_id, provider, tier, token, amount_locked, percentage_bps, status
		FROM allocations WHERE policy_id = ?`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []Allocation
	for rows.Next() {
		var a Allocation
		err := rows.Scan(&a.ID, &a.PolicyID, &a.Provider, &a.Tier, &a.Token,
			&a.AmountLocked, &a.PercentageBps, &a.Status)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// InsertDistributions writes a policy's premium distributions.
func (r *Repository) InsertDistributions(dists []Distribution) error {
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, d := range dists {
			_, err := tx.Exec(`
				INSERT INTO premium_distributions (id, policy_id, allocation_id, provider, premium_share, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				d.ID, d.PolicyID, d.AllocationID, d.Provider, d.PremiumShare,
				domain.DistributionPlanned, now, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// DistributionsForPolicy returns a policy's premium distributions.
func (r *Repository) DistributionsForPolicy(policyID string) ([]Distribution, error) {
	rows, err := r.db.Query(`
		SELECT id, policy_id, allocation_id, provider, premium_share, status
		FROM premium_distributions WHERE policy_id = ?`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions for policy %s: %w", policyID, err)
	}
	defer rows.Close()

	var dists []Distribution
	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.ID, &d.PolicyID, &d.AllocationID, &d.Provider, &d.PremiumShare, &d.Status); err != nil {
			return nil, err
		}
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

// MarkDistributionsPaid flips a policy's distributions to Paid and credits
// each provider's premiumEarned, in one transaction.
func (r *Repository) MarkDistributionsPaid(policyID string) error {
	now := time.Now().UnixMilli()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT d.provider, d.premium_share, a.tier, a.token
			FROM premium_distributions d
			JOIN allocations a ON a.id = d.allocation_id
			WHERE d.policy_id = ? AND d.status != ?`, policyID, domain.DistributionPaid)
		if err != nil {
			return err
		}

		type credit struct {
			provider string
			tier     string
			token    string
			amount   int64
		}
		var credits []credit
		for rows.Next() {
			var c credit
			if err := rows.Scan(&c.provider, &c.amount, &c.tier, &c.token); err != nil {
				rows.Close()
				return err
			}
			credits = append(credits, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range credits {
			_, err := tx.Exec(`
				UPDATE provider_tier_balances SET premium_earned = premium_earned + ?, updated_at = ?
				WHERE provider = ? AND tier = ? AND token = ?`,
				c.amount, now, c.provider, c.tier, c.token)
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(`
			UPDATE premium_distributions SET status = ?, updated_at = ? WHERE policy_id = ?`,
			domain.DistributionPaid, now, policyID)
		return err
	})
}

// MarkDistributionsRecorded flips Planned distributions to Recorded once the
// on-chain call is submitted.
func (r *Repository) MarkDistributionsRecorded(policyID string) error {
	_, err := r.db.Exec(`
		UPDATE premium_distributions SET status = ?, updated_at = ?
		WHERE policy_id = ? AND status = ?`,
		domain.DistributionRecorded, time.Now().UnixMilli(), policyID, domain.DistributionPlanned)
	if err != nil {
		return fmt.Errorf("failed to mark distributions recorded for policy %s: %w", policyID, err)
	}
	return nil
}

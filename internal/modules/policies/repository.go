// Package policies manages protection policy lifecycle: creation, activation,
// expiration, and settlement.
package policies

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bithedge/backend/internal/database"
	"github.com/bithedge/backend/internal/domain"
)

// Policy is one protection policy. The off-chain id is assigned at creation;
// the on-chain id arrives with the policy-created event.
type Policy struct {
	ID               string
	OnChainID        *uint64
	Owner            string
	PolicyType       domain.PolicyType
	RiskTier         domain.Tier
	StrikeCents      int64
	AmountSats       int64
	PremiumMicro     int64
	CreationHeight   uint64
	ExpirationHeight uint64
	Status           domain.PolicyStatus
	CollateralToken  domain.Token
	SettlementToken  domain.Token
	SettlementAmount *int64 // cents, set when exercised
	SettlementPrice  *int64 // spot at expiry in cents
	CreateTxID       string
	StatusTxID       *string
	SettlementTxID   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Repository persists policies in policy.db.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a policy repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const policyColumns = `id, on_chain_id, owner, policy_type, risk_tier, strike_cents, amount_sats,
	premium_micro, creation_height, expiration_height, status, collateral_token, settlement_token,
	settlement_amount, settlement_price, create_tx_id, status_tx_id, settlement_tx_id, created_at, updated_at`

// Create inserts a new policy in PendingTx.
func (r *Repository) Create(p *Policy) error {
	now := time.Now()
	p.Status = domain.PolicyPendingTx
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO policies (id, owner, policy_type, risk_tier, strike_cents, amount_sats,
			premium_micro, creation_height, expiration_height, status, collateral_token,
			settlement_token, create_tx_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Owner, p.PolicyType, p.RiskTier, p.StrikeCents, p.AmountSats,
		p.PremiumMicro, p.CreationHeight, p.ExpirationHeight, p.Status, p.CollateralToken,
		p.SettlementToken, p.CreateTxID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

// Get returns a policy by its off-chain id.
func (r *Repository) Get(id string) (*Policy, error) {
	row := r.db.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	return scanPolicy(row)
}

// GetByOnChainID returns a policy by its registry-assigned id.
func (r *Repository) GetByOnChainID(onChainID uint64) (*Policy, error) {
	row := r.db.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE on_chain_id = ?`, onChainID)
	return scanPolicy(row)
}

// GetByCreateTx returns the policy created by a given transaction.
func (r *Repository) GetByCreateTx(txID string) (*Policy, error) {
	row := r.db.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE create_tx_id = ?`, txID)
	return scanPolicy(row)
}

// GetByStatusTx returns the policy whose latest status update is a given
// transaction.
func (r *Repository) GetByStatusTx(txID string) (*Policy, error) {
	row := r.db.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE status_tx_id = ?`, txID)
	return scanPolicy(row)
}

// GetBySettlementTx returns the policy settled by a given transaction.
func (r *Repository) GetBySettlementTx(txID string) (*Policy, error) {
	row := r.db.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE settlement_tx_id = ?`, txID)
	return scanPolicy(row)
}

// FindByCorrelation matches a pending policy against the fields the chain
// echoes back in the policy-created event. The on-chain id is assigned by the
// registry, so this tuple is the only way to pair event and row.
func (r *Repository) FindByCorrelation(owner string, expirationHeight uint64, strikeCents, amountSats int64) (*Policy, error) {
	row := r.db.QueryRow(`
		SELECT `+policyColumns+` FROM policies
		WHERE owner = ? AND expiration_height = ? AND strike_cents = ? AND amount_sats = ?
		  AND status = ?
		ORDER BY created_at ASC LIMIT 1`,
		owner, expirationHeight, strikeCents, amountSats, domain.PolicyPendingTx)
	return scanPolicy(row)
}

// ListExpired returns Active policies whose expiration height has passed,
// oldest expiration first, bounded by limit. Policies with a retirement
// transaction already submitted are excluded so a pass never re-broadcasts
// while the confirmation is pending; ClearRetirementTx hands them back.
func (r *Repository) ListExpired(currentHeight uint64, limit int) ([]*Policy, error) {
	rows, err := r.db.Query(`
		SELECT `+policyColumns+` FROM policies
		WHERE status = ? AND expiration_height <= ? AND status_tx_id IS NULL
		ORDER BY expiration_height ASC, created_at ASC
		LIMIT ?`, domain.PolicyActive, currentHeight, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// MarkActive flips a PendingTx policy to Active and records the on-chain id.
func (r *Repository) MarkActive(id string, onChainID uint64) error {
	return r.transition(id, domain.PolicyPendingTx, domain.PolicyActive,
		"on_chain_id = ?", onChainID)
}

// MarkFailed flips a PendingTx policy to Failed after its create transaction
// fails.
func (r *Repository) MarkFailed(id string) error {
	return r.transition(id, domain.PolicyPendingTx, domain.PolicyFailed, "")
}

// MarkExpired retires an Active policy out of the money.
func (r *Repository) MarkExpired(id string) error {
	return r.transition(id, domain.PolicyActive, domain.PolicyExpired, "")
}

// MarkExercised flips an Active policy to Exercised.
func (r *Repository) MarkExercised(id string) error {
	return r.transition(id, domain.PolicyActive, domain.PolicyExercised, "")
}

// MarkSettled finalizes an Exercised policy after the settlement pays out.
func (r *Repository) MarkSettled(id string) error {
	return r.transition(id, domain.PolicyExercised, domain.PolicySettled, "")
}

// transition performs a guarded status update. The WHERE clause enforces the
// state machine at the SQL layer; a zero-row update is classified against the
// current status.
func (r *Repository) transition(id string, from, to domain.PolicyStatus, extraSet string, extraArgs ...interface{}) error {
	query := `UPDATE policies SET status = ?, updated_at = ?`
	args := []interface{}{to, time.Now().UnixMilli()}
	if extraSet != "" {
		query += ", " + extraSet
		args = append(args, extraArgs...)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition policy %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current, getErr := r.Get(id)
		if getErr != nil {
			return getErr
		}
		if current.Status == to {
			return nil // duplicate event, already applied
		}
		return domain.NewError(domain.KindValidation,
			fmt.Sprintf("illegal policy transition %s -> %s for %s", current.Status, to, id))
	}
	return nil
}

// SetSettlement records the computed settlement and the status-update
// transaction on an Active policy, before the chain calls go out.
func (r *Repository) SetSettlement(id string, amountCents, priceCents int64, statusTxID string) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE policies
			SET settlement_amount = ?, settlement_price = ?, status_tx_id = ?, updated_at = ?
			WHERE id = ?`,
			amountCents, priceCents, statusTxID, time.Now().UnixMilli(), id)
		return err
	})
}

// SetCreateTx records the create-protection-policy transaction for a policy.
func (r *Repository) SetCreateTx(id, txID string) error {
	_, err := r.db.Exec(`UPDATE policies SET create_tx_id = ?, updated_at = ? WHERE id = ?`,
		txID, time.Now().UnixMilli(), id)
	return err
}

// SetStatusTx records the update-policy-status transaction for a policy.
func (r *Repository) SetStatusTx(id, txID string) error {
	_, err := r.db.Exec(`UPDATE policies SET status_tx_id = ?, updated_at = ? WHERE id = ?`,
		txID, time.Now().UnixMilli(), id)
	return err
}

// ClearRetirementTx re-claims an Active policy for the expiration scheduler
// after its status-update transaction terminated without confirming. The
// settlement fields reset with it so the next pass recomputes them against
// the oracle.
func (r *Repository) ClearRetirementTx(id string) error {
	_, err := r.db.Exec(`
		UPDATE policies
		SET status_tx_id = NULL, settlement_tx_id = NULL,
		    settlement_amount = NULL, settlement_price = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		time.Now().UnixMilli(), id, domain.PolicyActive)
	if err != nil {
		return fmt.Errorf("failed to clear retirement tx for policy %s: %w", id, err)
	}
	return nil
}

// SetSettlementTx records the pay-settlement transaction for a policy.
func (r *Repository) SetSettlementTx(id, txID string) error {
	_, err := r.db.Exec(`UPDATE policies SET settlement_tx_id = ?, updated_at = ? WHERE id = ?`,
		txID, time.Now().UnixMilli(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var onChainID sql.NullInt64
	var settlementAmount, settlementPrice sql.NullInt64
	var statusTxID, settlementTxID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &onChainID, &p.Owner, &p.PolicyType, &p.RiskTier,
		&p.StrikeCents, &p.AmountSats, &p.PremiumMicro, &p.CreationHeight,
		&p.ExpirationHeight, &p.Status, &p.CollateralToken, &p.SettlementToken,
		&settlementAmount, &settlementPrice, &p.CreateTxID, &statusTxID,
		&settlementTxID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}

	if onChainID.Valid {
		v := uint64(onChainID.Int64)
		p.OnChainID = &v
	}
	if settlementAmount.Valid {
		p.SettlementAmount = &settlementAmount.Int64
	}
	if settlementPrice.Valid {
		p.SettlementPrice = &settlementPrice.Int64
	}
	if statusTxID.Valid {
		p.StatusTxID = &statusTxID.String
	}
	if settlementTxID.Valid {
		p.SettlementTxID = &settlementTxID.String
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

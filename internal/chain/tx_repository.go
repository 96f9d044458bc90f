package chain

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bithedge/backend/internal/domain"
)

// Transaction is one outbound contract call tracked in chain.db. The row is
// created before broadcast, so every on-chain action has exactly one record
// regardless of how the broadcast goes.
type Transaction struct {
	ID           string // uuid, the off-chain correlator
	ChainTxID    string // assigned after broadcast
	Kind         string // e.g. "set-aggregated-price"
	Payload      string // json summary of the contract call
	Status       domain.TxStatus
	ErrorDetails string
	Nonce        *uint64
	RetryCount   int
	BlockHeight  uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TxRepository persists outbound transactions.
type TxRepository struct {
	db *sql.DB
}

// NewTxRepository creates a transaction repository on chain.db.
func NewTxRepository(db *sql.DB) *TxRepository {
	return &TxRepository{db: db}
}

// Create inserts a new Pending transaction row.
func (r *TxRepository) Create(tx *Transaction) error {
	now := time.Now().Unix()
	tx.Status = domain.TxPending
	tx.CreatedAt = time.Unix(now, 0)
	tx.UpdatedAt = tx.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO transactions (id, kind, payload, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		tx.ID, tx.Kind, tx.Payload, tx.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Get fetches one transaction by its off-chain ID.
func (r *TxRepository) Get(id string) (*Transaction, error) {
	row := r.db.QueryRow(`
		SELECT id, COALESCE(chain_tx_id, ''), kind, payload, status,
		       COALESCE(error_details, ''), nonce, retry_count,
		       COALESCE(block_height, 0), created_at, updated_at
		FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

// GetByChainTxID fetches one transaction by its broadcast tx ID.
func (r *TxRepository) GetByChainTxID(chainTxID string) (*Transaction, error) {
	row := r.db.QueryRow(`
		SELECT id, COALESCE(chain_tx_id, ''), kind, payload, status,
		       COALESCE(error_details, ''), nonce, retry_count,
		       COALESCE(block_height, 0), created_at, updated_at
		FROM transactions WHERE chain_tx_id = ?`, chainTxID)
	return scanTransaction(row)
}

// ListByStatus returns transactions in a given status, oldest first.
func (r *TxRepository) ListByStatus(status domain.TxStatus) ([]*Transaction, error) {
	rows, err := r.db.Query(`
		SELECT id, COALESCE(chain_tx_id, ''), kind, payload, status,
		       COALESCE(error_details, ''), nonce, retry_count,
		       COALESCE(block_height, 0), created_at, updated_at
		FROM transactions WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions by status %s: %w", status, err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// MarkSubmitted records a successful broadcast: the chain tx ID, the nonce
// used, and the retry count consumed getting there.
func (r *TxRepository) MarkSubmitted(id, chainTxID string, nonce uint64, retryCount int) error {
	return r.advance(id, domain.TxSubmitted, func() (sql.Result, error) {
		return r.db.Exec(`
			UPDATE transactions
			SET status = ?, chain_tx_id = ?, nonce = ?, retry_count = ?, updated_at = ?
			WHERE id = ? AND status = 'Pending'`,
			domain.TxSubmitted, chainTxID, nonce, retryCount, time.Now().Unix(), id)
	})
}

// MarkTerminal moves a transaction to a terminal status with optional error
// details and block height. The monotone lattice is enforced in SQL: only
// non-terminal rows are updated.
func (r *TxRepository) MarkTerminal(id string, status domain.TxStatus, errDetails string, blockHeight uint64) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	return r.advance(id, status, func() (sql.Result, error) {
		return r.db.Exec(`
			UPDATE transactions
			SET status = ?, error_details = NULLIF(?, ''), block_height = NULLIF(?, 0), updated_at = ?
			WHERE id = ? AND status IN ('Pending', 'Submitted')`,
			status, errDetails, blockHeight, time.Now().Unix(), id)
	})
}

func (r *TxRepository) advance(id string, next domain.TxStatus, exec func() (sql.Result, error)) error {
	res, err := exec()
	if err != nil {
		return fmt.Errorf("failed to advance transaction %s to %s: %w", id, next, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		cur, getErr := r.Get(id)
		if getErr != nil {
			return fmt.Errorf("transaction %s not found: %w", id, getErr)
		}
		if !cur.Status.CanAdvanceTo(next) {
			return domain.NewError(domain.KindValidation,
				fmt.Sprintf("transaction %s cannot move %s -> %s", id, cur.Status, next))
		}
		return fmt.Errorf("transaction %s update to %s affected no rows", id, next)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var nonce sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&tx.ID, &tx.ChainTxID, &tx.Kind, &tx.Payload, &tx.Status,
		&tx.ErrorDetails, &nonce, &tx.RetryCount, &tx.BlockHeight, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if nonce.Valid {
		n := uint64(nonce.Int64)
		tx.Nonce = &n
	}
	tx.CreatedAt = time.Unix(createdAt, 0)
	tx.UpdatedAt = time.Unix(updatedAt, 0)
	return &tx, nil
}

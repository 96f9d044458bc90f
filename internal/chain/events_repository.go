package chain

import (
	"database/sql"
	"fmt"
	"time"
)

// EventRepository persists event cursors, processed-event markers, and
// reconciliation records in chain.db.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates an event repository on chain.db.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Cursor returns the next event offset for a contract, zero when the contract
// has never been polled.
func (r *EventRepository) Cursor(contractID string) (int, error) {
	var offset int
	err := r.db.QueryRow(`SELECT next_offset FROM event_cursors WHERE contract_id = ?`, contractID).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read event cursor for %s: %w", contractID, err)
	}
	return offset, nil
}

// AdvanceCursor moves the cursor forward. Called only after every event in a
// page has been processed.
func (r *EventRepository) AdvanceCursor(contractID string, nextOffset int) error {
	_, err := r.db.Exec(`
		INSERT INTO event_cursors (contract_id, next_offset, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(contract_id) DO UPDATE SET next_offset = excluded.next_offset, updated_at = excluded.updated_at`,
		contractID, nextOffset, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to advance event cursor for %s: %w", contractID, err)
	}
	return nil
}

// IsProcessed reports whether an event has already been handled.
func (r *EventRepository) IsProcessed(txID string, eventIndex int) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM processed_events WHERE tx_id = ? AND event_index = ?`,
		txID, eventIndex).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event %s/%d: %w", txID, eventIndex, err)
	}
	return true, nil
}

// MarkProcessed records an event as handled. Duplicate marks are ignored so
// replays after a crash stay idempotent.
func (r *EventRepository) MarkProcessed(txID string, eventIndex int, topic string) error {
	_, err := r.db.Exec(`
		INSERT INTO processed_events (tx_id, event_index, topic, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tx_id, event_index) DO NOTHING`,
		txID, eventIndex, topic, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to mark event %s/%d processed: %w", txID, eventIndex, err)
	}
	return nil
}

// RecordReconciliation logs a state divergence that needs operator attention,
// e.g. a settlement shortfall.
func (r *EventRepository) RecordReconciliation(context, policyID, details string) error {
	_, err := r.db.Exec(`
		INSERT INTO reconciliation_errors (context, policy_id, details, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?)`,
		context, policyID, details, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record reconciliation error: %w", err)
	}
	return nil
}

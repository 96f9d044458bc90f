package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/domain"
)

// NodeClient is the subset of the Stacks API the engine needs. The concrete
// implementation is *stacks.Client; tests supply fakes.
type NodeClient interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
	Broadcast(ctx context.Context, raw []byte) (string, error)
	GetTransaction(ctx context.Context, txID string) (*stacks.TxInfo, error)
	GetInfo(ctx context.Context) (*stacks.NodeInfo, error)
}

// CallConfig describes one contract call to execute.
type CallConfig struct {
	Kind       string // transaction kind recorded on the row
	ContractID string
	Function   string
	Args       []clarity.Value
	Nonce      *uint64 // explicit nonce; nil means fetch from the node
}

// SignedEnvelope is the serialized wire form of an outbound contract call.
type SignedEnvelope struct {
	ContractID string          `msgpack:"contract_id"`
	Function   string          `msgpack:"function"`
	Args       []clarity.Value `msgpack:"args"`
	Nonce      uint64          `msgpack:"nonce"`
	Sender     string          `msgpack:"sender"`
	PublicKey  []byte          `msgpack:"public_key"`
	Signature  []byte          `msgpack:"signature"`
}

// ConfirmationHandler reacts to a transaction reaching a terminal status.
// Handlers are registered per transaction kind.
type ConfirmationHandler func(ctx context.Context, tx *Transaction) error

// Engine executes contract calls with the backend key: one persisted row per
// action, serialized nonce acquisition, and a single retry on a nonce
// mismatch.
type Engine struct {
	client NodeClient
	signer *Signer
	repo   *TxRepository
	log    zerolog.Logger

	nonceMu sync.Mutex // serializes nonce lookup + broadcast

	handlersMu sync.RWMutex
	handlers   map[string]ConfirmationHandler
}

// NewEngine creates the transaction engine.
func NewEngine(client NodeClient, signer *Signer, repo *TxRepository, log zerolog.Logger) *Engine {
	return &Engine{
		client:   client,
		signer:   signer,
		repo:     repo,
		log:      log.With().Str("component", "tx-engine").Logger(),
		handlers: make(map[string]ConfirmationHandler),
	}
}

// OnConfirmation registers a handler invoked when a transaction of the given
// kind reaches a terminal status.
func (e *Engine) OnConfirmation(kind string, h ConfirmationHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[kind] = h
}

// Execute signs and broadcasts one contract call. The transaction row is
// created before the broadcast so the action is traceable even when the node
// rejects it. On a BadNonce rejection the call is retried exactly once with
// the nonce the node reported; a second nonce failure is persisted as a
// BadNoncePersistence error on the row.
func (e *Engine) Execute(ctx context.Context, call CallConfig) (*Transaction, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"contract": call.ContractID,
		"function": call.Function,
		"args":     call.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode call payload: %w", err)
	}

	tx := &Transaction{
		ID:      uuid.New().String(),
		Kind:    call.Kind,
		Payload: string(payload),
	}
	if err := e.repo.Create(tx); err != nil {
		return nil, err
	}

	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	nonce, err := e.resolveNonce(ctx, call.Nonce)
	if err != nil {
		e.failRow(tx, err)
		return tx, err
	}

	chainTxID, usedNonce, retries, err := e.broadcastWithRetry(ctx, call, nonce)
	if err != nil {
		e.failRow(tx, err)
		return tx, err
	}

	if err := e.repo.MarkSubmitted(tx.ID, chainTxID, usedNonce, retries); err != nil {
		return tx, err
	}
	tx.ChainTxID = chainTxID
	tx.Status = domain.TxSubmitted
	tx.Nonce = &usedNonce
	tx.RetryCount = retries

	TrafficMetrics().Broadcasts.WithLabelValues(call.Kind).Inc()
	e.log.Info().
		Str("tx_id", tx.ID).
		Str("chain_tx_id", chainTxID).
		Str("kind", call.Kind).
		Uint64("nonce", usedNonce).
		Int("retries", retries).
		Msg("Transaction broadcast")

	return tx, nil
}

func (e *Engine) resolveNonce(ctx context.Context, explicit *uint64) (uint64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	nonce, err := e.client.GetNonce(ctx, e.signer.Address())
	if err != nil {
		return 0, domain.WrapError(domain.KindChainFailed, "failed to fetch account nonce", err)
	}
	return nonce, nil
}

func (e *Engine) broadcastWithRetry(ctx context.Context, call CallConfig, nonce uint64) (string, uint64, int, error) {
	raw, err := e.seal(call, nonce)
	if err != nil {
		return "", 0, 0, err
	}

	chainTxID, err := e.client.Broadcast(ctx, raw)
	if err == nil {
		return chainTxID, nonce, 0, nil
	}

	rejection, badNonce := asBadNonce(err)
	if !badNonce {
		return "", 0, 0, domain.WrapError(domain.KindChainRejected, "broadcast rejected", err)
	}

	expected := rejection.ReasonData.Expected
	e.log.Warn().
		Uint64("used_nonce", nonce).
		Uint64("expected_nonce", expected).
		Msg("BadNonce rejection, retrying with expected nonce")

	raw, err = e.seal(call, expected)
	if err != nil {
		return "", 0, 0, err
	}
	chainTxID, err = e.client.Broadcast(ctx, raw)
	if err == nil {
		return chainTxID, expected, 1, nil
	}

	if _, stillBad := asBadNonce(err); stillBad {
		return "", 0, 0, domain.WrapError(domain.KindBadNoncePersistence,
			"nonce mismatch persisted after retry", err)
	}
	return "", 0, 0, domain.WrapError(domain.KindChainRejected, "broadcast rejected on retry", err)
}

// seal serializes and signs the call at a given nonce.
func (e *Engine) seal(call CallConfig, nonce uint64) ([]byte, error) {
	env := SignedEnvelope{
		ContractID: call.ContractID,
		Function:   call.Function,
		Args:       call.Args,
		Nonce:      nonce,
		Sender:     e.signer.Address(),
		PublicKey:  e.signer.PublicKey(),
	}

	unsigned, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	sig, err := e.signer.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	env.Signature = sig

	raw, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signed envelope: %w", err)
	}
	return raw, nil
}

func (e *Engine) failRow(tx *Transaction, cause error) {
	if err := e.repo.MarkTerminal(tx.ID, domain.TxFailed, cause.Error(), 0); err != nil {
		e.log.Error().Err(err).Str("tx_id", tx.ID).Msg("Failed to persist transaction failure")
	}
	tx.Status = domain.TxFailed
	tx.ErrorDetails = cause.Error()
}

func asBadNonce(err error) (*stacks.BroadcastError, bool) {
	var rejection *stacks.BroadcastError
	if errors.As(err, &rejection) && rejection.IsBadNonce() {
		return rejection, true
	}
	return nil, false
}

// CheckStatus polls the node for a submitted transaction and advances the row
// to the matching terminal status. A not-yet-indexed transaction stays
// Submitted.
func (e *Engine) CheckStatus(ctx context.Context, tx *Transaction) (domain.TxStatus, error) {
	if tx.ChainTxID == "" {
		return tx.Status, nil
	}

	info, err := e.client.GetTransaction(ctx, tx.ChainTxID)
	if err != nil {
		if errors.Is(err, stacks.ErrTxNotFound) {
			// Mempool propagation lags broadcast
			return tx.Status, nil
		}
		return tx.Status, err
	}

	next, details := mapTxStatus(info.TxStatus)
	if next == tx.Status {
		return tx.Status, nil
	}

	if err := e.repo.MarkTerminal(tx.ID, next, details, info.BlockHeight); err != nil {
		return tx.Status, err
	}
	tx.Status = next
	tx.ErrorDetails = details
	tx.BlockHeight = info.BlockHeight

	e.dispatch(ctx, tx)
	return next, nil
}

// mapTxStatus translates node statuses onto the transaction lattice.
func mapTxStatus(nodeStatus string) (domain.TxStatus, string) {
	switch nodeStatus {
	case "success":
		return domain.TxConfirmed, ""
	case "pending":
		return domain.TxSubmitted, ""
	case "abort_by_response", "abort_by_post_condition":
		return domain.TxFailed, nodeStatus
	case "dropped_replace_by_fee", "dropped_replace_across_fork":
		return domain.TxReplaced, nodeStatus
	case "dropped_stale_garbage_collect", "dropped_too_expensive":
		return domain.TxExpired, nodeStatus
	default:
		return domain.TxFailed, "unrecognized node status: " + nodeStatus
	}
}

func (e *Engine) dispatch(ctx context.Context, tx *Transaction) {
	TrafficMetrics().Confirmations.WithLabelValues(tx.Kind, string(tx.Status)).Inc()

	e.handlersMu.RLock()
	h, ok := e.handlers[tx.Kind]
	e.handlersMu.RUnlock()
	if !ok {
		return
	}
	if err := h(ctx, tx); err != nil {
		e.log.Error().Err(err).
			Str("tx_id", tx.ID).
			Str("kind", tx.Kind).
			Str("status", string(tx.Status)).
			Msg("Confirmation handler failed")
	}
}

// ReconcilePending polls every submitted transaction once. Run on a schedule.
func (e *Engine) ReconcilePending(ctx context.Context) error {
	pending, err := e.repo.ListByStatus(domain.TxSubmitted)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		before := tx.Status
		after, err := e.CheckStatus(ctx, tx)
		if err != nil {
			e.log.Warn().Err(err).Str("tx_id", tx.ID).Msg("Status check failed")
			continue
		}
		if after != before {
			e.log.Info().
				Str("tx_id", tx.ID).
				Str("kind", tx.Kind).
				Str("status", string(after)).
				Msg("Transaction reached terminal status")
		}
	}
	return nil
}

// WaitForTerminal polls a single transaction until it leaves the Submitted
// state or the context expires. Used by tests and synchronous callers.
func (e *Engine) WaitForTerminal(ctx context.Context, tx *Transaction, interval time.Duration) (domain.TxStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := e.CheckStatus(ctx, tx)
		if err != nil {
			return status, err
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ChainTip returns the current stacks block height.
func (e *Engine) ChainTip(ctx context.Context) (uint64, error) {
	info, err := e.client.GetInfo(ctx)
	if err != nil {
		return 0, domain.WrapError(domain.KindChainFailed, "failed to fetch chain tip", err)
	}
	return info.StacksTipHeight, nil
}

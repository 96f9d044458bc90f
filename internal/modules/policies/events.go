package policies

import (
	"context"
	"fmt"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/domain"
)

// Event topics emitted by the policy registry.
const (
	TopicPolicyCreated       = "policy-created"
	TopicPolicyStatusUpdated = "policy-status-updated"
)

// RegisterEventHandlers subscribes the orchestrator to registry events.
func (o *Orchestrator) RegisterEventHandlers(processor *chain.EventProcessor) {
	processor.OnTopic(TopicPolicyCreated, o.handlePolicyCreated)
	processor.OnTopic(TopicPolicyStatusUpdated, o.handlePolicyStatusUpdated)
}

// handlePolicyCreated activates the pending policy matching the event. The
// registry assigns the on-chain id, so the pairing runs over the correlation
// tuple the contract echoes back. An unmatched event returns an error so the
// page is retried; the local row may simply not be committed yet.
func (o *Orchestrator) handlePolicyCreated(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error {
	onChainID, err := tupleUint(payload, "policy-id")
	if err != nil {
		return err
	}

	// Duplicate delivery after a cursor reset
	if existing, err := o.repo.GetByOnChainID(onChainID); err != nil {
		return err
	} else if existing != nil {
		return nil
	}

	owner, ok := payload.Get("owner")
	if !ok {
		return fmt.Errorf("policy-created event missing owner")
	}
	strike, err := tupleUint(payload, "strike")
	if err != nil {
		return err
	}
	amount, err := tupleUint(payload, "amount")
	if err != nil {
		return err
	}
	expiration, err := tupleUint(payload, "expiration")
	if err != nil {
		return err
	}

	policy, err := o.repo.FindByCorrelation(owner.Trimmed(), expiration, int64(strike), int64(amount))
	if err != nil {
		return err
	}
	if policy == nil {
		return fmt.Errorf("no pending policy matches created event (owner=%s strike=%d amount=%d expiration=%d)",
			owner.Trimmed(), strike, amount, expiration)
	}

	if err := o.repo.MarkActive(policy.ID, onChainID); err != nil {
		return err
	}
	if err := o.allocator.Confirm(policy.ID); err != nil {
		return err
	}

	o.log.Info().
		Str("policy_id", policy.ID).
		Uint64("on_chain_id", onChainID).
		Str("tx_id", event.TxID).
		Msg("Policy activated")

	return o.distributor.Distribute(ctx, policy.ID, onChainID, policy.PremiumMicro, policy.SettlementToken)
}

// handlePolicyStatusUpdated mirrors registry-driven status changes. Normally
// the backend drives these itself via the expiration job, so this handler
// mostly absorbs duplicates; the transitions are idempotent.
func (o *Orchestrator) handlePolicyStatusUpdated(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error {
	onChainID, err := tupleUint(payload, "policy-id")
	if err != nil {
		return err
	}
	newStatus, err := tupleUint(payload, "new")
	if err != nil {
		return err
	}

	policy, err := o.repo.GetByOnChainID(onChainID)
	if err != nil {
		return err
	}
	if policy == nil {
		return fmt.Errorf("status update for unknown on-chain policy %d", onChainID)
	}

	switch newStatus {
	case statusCodeExercised:
		if policy.Status != domain.PolicyActive {
			return nil // already applied or superseded
		}
		return o.repo.MarkExercised(policy.ID)
	case statusCodeExpired:
		if policy.Status != domain.PolicyActive {
			return nil
		}
		return o.repo.MarkExpired(policy.ID)
	case statusCodeSettled:
		switch policy.Status {
		case domain.PolicyActive:
			if err := o.repo.MarkExercised(policy.ID); err != nil {
				return err
			}
			return o.repo.MarkSettled(policy.ID)
		case domain.PolicyExercised:
			return o.repo.MarkSettled(policy.ID)
		default:
			return nil
		}
	default:
		o.log.Warn().
			Uint64("on_chain_id", onChainID).
			Uint64("status_code", newStatus).
			Msg("Unknown policy status code in event")
		return nil
	}
}

func tupleUint(payload clarity.Value, field string) (uint64, error) {
	v, ok := payload.Get(field)
	if !ok {
		return 0, fmt.Errorf("event payload missing %q", field)
	}
	return v.Uint, nil
}

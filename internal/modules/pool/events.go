package pool

import (
	"context"
	"fmt"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/domain"
)

// Event topics emitted by the liquidity pool vault.
const (
	TopicFundsDeposited     = "funds-deposited"
	TopicFundsWithdrawn     = "funds-withdrawn"
	TopicPremiumDistributed = "premium-distributed"
	TopicCollateralLocked   = "collateral-locked"
)

// PolicyIDResolver maps a registry-assigned policy id back to the off-chain
// id the pool tables are keyed by.
type PolicyIDResolver interface {
	PolicyIDForOnChain(onChainID uint64) (string, error)
}

// Reconciler records state divergences between the vault and the local
// ledger. Implemented by *chain.EventRepository.
type Reconciler interface {
	RecordReconciliation(context, policyID, details string) error
}

// RegisterEventHandlers subscribes the capital ledger to vault events. The
// local balances mirror the vault: deposits and withdrawals only land once
// the chain confirms them.
func (s *Service) RegisterEventHandlers(processor *chain.EventProcessor) {
	processor.OnTopic(TopicFundsDeposited, s.handleFundsDeposited)
	processor.OnTopic(TopicFundsWithdrawn, s.handleFundsWithdrawn)
}

func (s *Service) handleFundsDeposited(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error {
	depositor, tier, token, amount, err := parseCapitalEvent(payload, "depositor")
	if err != nil {
		return err
	}

	var block uint64
	if h, ok := payload.Get("block-height"); ok {
		block = h.Uint
	}

	s.log.Info().
		Str("provider", depositor).
		Str("tier", string(tier)).
		Int64("amount", amount).
		Str("tx_id", event.TxID).
		Msg("Deposit confirmed on-chain")
	return s.OnFundsDeposited(depositor, tier, token, amount, block)
}

func (s *Service) handleFundsWithdrawn(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error {
	withdrawer, tier, token, amount, err := parseCapitalEvent(payload, "withdrawer")
	if err != nil {
		return err
	}

	s.log.Info().
		Str("provider", withdrawer).
		Str("tier", string(tier)).
		Int64("amount", amount).
		Str("tx_id", event.TxID).
		Msg("Withdrawal confirmed on-chain")
	return s.OnFundsWithdrawn(withdrawer, tier, token, amount)
}

func parseCapitalEvent(payload clarity.Value, principalField string) (string, domain.Tier, domain.Token, int64, error) {
	who, ok := payload.Get(principalField)
	if !ok {
		return "", "", "", 0, fmt.Errorf("capital event missing %q", principalField)
	}
	amount, ok := payload.Get("amount")
	if !ok {
		return "", "", "", 0, fmt.Errorf("capital event missing amount")
	}
	tierField, ok := payload.Get("tier")
	if !ok {
		return "", "", "", 0, fmt.Errorf("capital event missing tier")
	}
	tokenField, ok := payload.Get("token")
	if !ok {
		return "", "", "", 0, fmt.Errorf("capital event missing token")
	}

	tier := domain.Tier(tierField.Trimmed())
	token := domain.Token(tokenField.Trimmed())
	if !tier.Valid() {
		return "", "", "", 0, fmt.Errorf("capital event carries unknown tier %q", tier)
	}
	if !token.Valid() {
		return "", "", "", 0, fmt.Errorf("capital event carries unknown token %q", token)
	}
	return who.Trimmed(), tier, token, int64(amount.Uint), nil
}

// RegisterEventHandlers subscribes the distributor to vault events.
func (d *Distributor) RegisterEventHandlers(processor *chain.EventProcessor, resolver PolicyIDResolver) {
	processor.OnTopic(TopicPremiumDistributed, func(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error {
		onChainID, ok := payload.Get("policy-id")
		if !ok {
			return fmt.Errorf("premium-distributed event missing policy-id")
		}
		policyID, err := resolver.PolicyIDForOnChain(onChainID.Uint)
		if err != nil {
			return err
		}
		if policyID == "" {
			d.log.Warn().Uint64("on_chain_id", onChainID.Uint).Msg("Premium event for unknown policy")
			return nil
		}
		return d.OnDistributionConfirmed(policyID)
	})
}

// RegisterEventHandlers cross-checks the vault's collateral locks against the
// local allocations and records any divergence.
func (a *Allocator) RegisterEventHandlers(processor *chain.EventProcessor, resolver PolicyIDResolver, reconciler Reconciler) {
	processor.OnTopic(TopicCollateralLocked, func(ctx context.Context, event stacks.ContractEvent, payload clarity.Value) error {
		onChainID, ok := payload.Get("policy-id")
		if !ok {
			return fmt.Errorf("collateral-locked event missing policy-id")
		}
		amount, ok := payload.Get("amount")
		if !ok {
			return fmt.Errorf("collateral-locked event missing amount")
		}

		policyID, err := resolver.PolicyIDForOnChain(onChainID.Uint)
		if err != nil {
			return err
		}
		if policyID == "" {
			return nil
		}

		allocs, err := a.repo.AllocationsForPolicy(policyID)
		if err != nil {
			return err
		}
		var locked int64
		for _, alloc := range allocs {
			locked += alloc.AmountLocked
		}
		if locked != int64(amount.Uint) {
			return reconciler.RecordReconciliation("collateral-mismatch", policyID,
				fmt.Sprintf("vault locked %d, ledger locked %d", amount.Uint, locked))
		}
		return nil
	})
}

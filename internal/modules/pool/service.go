package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/domain"
)

// Transaction kinds for capital flows.
const (
	TxKindDeposit  = "deposit-capital"
	TxKindWithdraw = "withdraw-capital"
)

// Service exposes the capital commitment flows. On-chain movement is
// asynchronous: callers get an off-chain transaction ID immediately and the
// balances update when the deposit/withdraw events arrive.
type Service struct {
	repo       *Repository
	executor   TxExecutor
	reconciler Reconciler // nil disables divergence records
	contractID string
	log        zerolog.Logger
}

// NewService creates the pool service.
func NewService(repo *Repository, executor TxExecutor, reconciler Reconciler, contractID string, log zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		executor:   executor,
		reconciler: reconciler,
		contractID: contractID,
		log:        log.With().Str("component", "pool-service").Logger(),
	}
}

// CommitCapital submits a deposit into a tier bucket and returns the
// off-chain transaction ID for status polling.
func (s *Service) CommitCapital(ctx context.Context, provider string, tier domain.Tier, token domain.Token, amount int64) (string, error) {
	if err := validateCapitalArgs(provider, tier, token, amount); err != nil {
		return "", err
	}

	capital, err := s.repo.TierCapitalFor(tier, token)
	if err != nil {
		return "", err
	}
	if capital.CapacityLimit > 0 && capital.TotalDeposited+amount > capital.CapacityLimit {
		return "", domain.ErrTierAtCapacity
	}

	tx, err := s.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindDeposit,
		ContractID: s.contractID,
		Function:   depositFunction(token),
		Args: []clarity.Value{
			clarity.MakeUint(uint64(amount)),
			clarity.StringASCII(string(tier), 20),
		},
	})
	if err != nil {
		return "", err
	}

	s.log.Info().
		Str("provider", provider).
		Str("tier", string(tier)).
		Str("token", string(token)).
		Int64("amount", amount).
		Str("tx_id", tx.ID).
		Msg("Capital commitment submitted")
	return tx.ID, nil
}

// WithdrawCapital submits a withdrawal of unlocked capital. The unlocked
// check runs here for a fast failure; the contract enforces it again.
func (s *Service) WithdrawCapital(ctx context.Context, provider string, tier domain.Tier, token domain.Token, amount int64) (string, error) {
	if err := validateCapitalArgs(provider, tier, token, amount); err != nil {
		return "", err
	}

	balances, err := s.repo.BalancesForProvider(provider)
	if err != nil {
		return "", err
	}
	var available int64
	for _, b := range balances {
		if b.Tier == tier && b.Token == token {
			available = b.Available()
		}
	}
	if available < amount {
		return "", domain.ErrInsufficientLiquidity
	}

	tx, err := s.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindWithdraw,
		ContractID: s.contractID,
		Function:   withdrawFunction(token),
		Args: []clarity.Value{
			clarity.MakeUint(uint64(amount)),
			clarity.StringASCII(string(tier), 20),
		},
	})
	if err != nil {
		return "", err
	}

	s.log.Info().
		Str("provider", provider).
		Str("tier", string(tier)).
		Int64("amount", amount).
		Str("tx_id", tx.ID).
		Msg("Capital withdrawal submitted")
	return tx.ID, nil
}

// ProviderBalances lists every bucket a provider holds.
func (s *Service) ProviderBalances(provider string) ([]Balance, error) {
	if provider == "" {
		return nil, domain.NewError(domain.KindValidation, "provider address is required")
	}
	return s.repo.BalancesForProvider(provider)
}

// OnFundsDeposited mirrors a confirmed on-chain deposit into the balances.
// The vault is authoritative, so a deposit that pushes the bucket past its
// capacity limit is recorded anyway and flagged for reconciliation.
func (s *Service) OnFundsDeposited(provider string, tier domain.Tier, token domain.Token, amount int64, block uint64) error {
	if err := s.repo.RecordDeposit(provider, tier, token, amount, block); err != nil {
		return err
	}

	capital, err := s.repo.TierCapitalFor(tier, token)
	if err != nil {
		return err
	}
	if capital.CapacityLimit > 0 && capital.TotalDeposited > capital.CapacityLimit && s.reconciler != nil {
		return s.reconciler.RecordReconciliation("tier-over-capacity", provider,
			fmt.Sprintf("%s/%s holds %d after deposit, capacity %d",
				tier, token, capital.TotalDeposited, capital.CapacityLimit))
	}
	return nil
}

// OnFundsWithdrawn mirrors a confirmed on-chain withdrawal.
func (s *Service) OnFundsWithdrawn(provider string, tier domain.Tier, token domain.Token, amount int64) error {
	return s.repo.RecordWithdrawal(provider, tier, token, amount)
}

func validateCapitalArgs(provider string, tier domain.Tier, token domain.Token, amount int64) error {
	if strings.TrimSpace(provider) == "" {
		return domain.NewError(domain.KindValidation, "provider address is required")
	}
	if !tier.Valid() {
		return domain.NewError(domain.KindValidation, "unknown tier")
	}
	if !token.Valid() {
		return domain.NewError(domain.KindValidation, "unknown token")
	}
	if amount <= 0 {
		return domain.NewError(domain.KindValidation, "amount must be positive")
	}
	return nil
}

func depositFunction(token domain.Token) string {
	if token == domain.TokenSBTC {
		return "deposit-sbtc"
	}
	return "deposit-stx"
}

func withdrawFunction(token domain.Token) string {
	if token == domain.TokenSBTC {
		return "withdraw-sbtc"
	}
	return "withdraw-stx"
}

package policies

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/pool"
	"github.com/bithedge/backend/internal/modules/quotes"
)

// Transaction kinds for policy lifecycle calls.
const (
	TxKindCreatePolicy   = "create-policy"
	TxKindExpirePolicy   = "expire-policy"
	TxKindExercisePolicy = "exercise-policy"
	TxKindPaySettlement  = "pay-settlement"
)

// Registry status codes for update-policy-status.
const (
	statusCodeExercised = 1
	statusCodeExpired   = 2
	statusCodeSettled   = 3
)

// blocksPerDay approximates Bitcoin burn blocks per day for expiration
// heights.
const blocksPerDay = 144

// tierBands bound the strike, as a percentage of spot, each risk tier will
// back. Higher strikes sit closer to (or above) spot and carry more
// exercise risk for the providers in the tier.
var tierBands = map[domain.Tier]struct{ Lo, Hi float64 }{
	domain.TierConservative: {Lo: 50, Hi: 90},
	domain.TierBalanced:     {Lo: 70, Hi: 110},
	domain.TierAggressive:   {Lo: 90, Hi: 130},
}

// QuoteSource prices a policy. Implemented by *quotes.Engine.
type QuoteSource interface {
	BuyerPremiumQuote(req quotes.BuyerQuoteRequest) (*quotes.BuyerQuote, error)
}

// ChainTipSource reports the current burn block height. Implemented by
// *chain.Engine.
type ChainTipSource interface {
	ChainTip(ctx context.Context) (uint64, error)
}

// CreatePolicyRequest is the createPolicy input.
type CreatePolicyRequest struct {
	Owner               string       `json:"owner"`
	ProtectedValuePct   float64      `json:"protected_value_pct"`
	ProtectionAmountBTC float64      `json:"protection_amount_btc"`
	PeriodDays          int          `json:"period_days"`
	Tier                domain.Tier  `json:"tier"`
	Token               domain.Token `json:"token"`
}

// CreatePolicyResult pairs the off-chain policy id with its create
// transaction.
type CreatePolicyResult struct {
	PolicyID string `json:"policy_id"`
	TxID     string `json:"tx_id"`
}

// Orchestrator drives the policy lifecycle: creation against the registry
// contract, activation on the policy-created event, and failure cleanup.
type Orchestrator struct {
	repo        *Repository
	allocator   *pool.Allocator
	distributor *pool.Distributor
	quotes      QuoteSource
	executor    pool.TxExecutor
	tips        ChainTipSource
	registryID  string
	periodDays  map[int]bool
	log         zerolog.Logger
}

// NewOrchestrator creates the policy orchestrator.
func NewOrchestrator(repo *Repository, allocator *pool.Allocator, distributor *pool.Distributor,
	quoteSource QuoteSource, executor pool.TxExecutor, tips ChainTipSource,
	registryID string, defaults config.QuoteDefaults, log zerolog.Logger) *Orchestrator {

	allowed := make(map[int]bool, len(defaults.PeriodDaysSet))
	for _, d := range defaults.PeriodDaysSet {
		allowed[d] = true
	}
	return &Orchestrator{
		repo:        repo,
		allocator:   allocator,
		distributor: distributor,
		quotes:      quoteSource,
		executor:    executor,
		tips:        tips,
		registryID:  registryID,
		periodDays:  allowed,
		log:         log.With().Str("component", "policy-orchestrator").Logger(),
	}
}

// CreatePolicy runs the full creation flow: validate, reserve collateral,
// price, persist, and submit the registry call. Collateral is locked before
// the broadcast and released again if the transaction cannot be submitted.
func (o *Orchestrator) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*CreatePolicyResult, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	amountSats := int64(math.Round(req.ProtectionAmountBTC * 1e8))

	plan, err := o.allocator.PlanAllocation(amountSats, req.Tier, req.Token)
	if err != nil {
		return nil, err
	}

	quote, err := o.quotes.BuyerPremiumQuote(quotes.BuyerQuoteRequest{
		ProtectedValuePct:   req.ProtectedValuePct,
		ProtectionAmountBTC: req.ProtectionAmountBTC,
		ExpirationDays:      req.PeriodDays,
		PolicyType:          string(domain.PolicyTypePUT),
	})
	if err != nil {
		return nil, err
	}

	tip, err := o.tips.ChainTip(ctx)
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		ID:               uuid.New().String(),
		Owner:            req.Owner,
		PolicyType:       domain.PolicyTypePUT,
		RiskTier:         req.Tier,
		StrikeCents:      int64(math.Round(quote.Strike * 100)),
		AmountSats:       amountSats,
		PremiumMicro:     int64(math.Round(quote.Premium * 1e6)),
		CreationHeight:   tip,
		ExpirationHeight: tip + uint64(req.PeriodDays)*blocksPerDay,
		CollateralToken:  req.Token,
		SettlementToken:  req.Token,
	}

	if err := o.repo.Create(policy); err != nil {
		return nil, err
	}

	allocs, err := o.allocator.Commit(policy.ID, plan)
	if err != nil {
		return nil, err
	}

	if _, err := o.distributor.PlanDistributions(policy.ID, policy.PremiumMicro, allocs); err != nil {
		return nil, err
	}

	tx, err := o.executor.Execute(ctx, chain.CallConfig{
		Kind:       TxKindCreatePolicy,
		ContractID: o.registryID,
		Function:   "create-protection-policy",
		Args: []clarity.Value{
			clarity.Principal(req.Owner),
			clarity.StringASCII(string(policy.PolicyType), 8),
			clarity.StringASCII(string(policy.RiskTier), 32),
			clarity.StringASCII("BTC", 10),
			clarity.StringASCII(string(policy.CollateralToken), 32),
			clarity.MakeUint(uint64(policy.StrikeCents)),
			clarity.MakeUint(uint64(policy.AmountSats)),
			clarity.MakeUint(policy.ExpirationHeight),
			clarity.MakeUint(uint64(policy.PremiumMicro)),
		},
	})
	if err != nil {
		// Broadcast never happened; unwind the reservation
		if failErr := o.repo.MarkFailed(policy.ID); failErr != nil {
			o.log.Error().Err(failErr).Str("policy_id", policy.ID).Msg("Failed to mark policy failed")
		}
		if relErr := o.allocator.Release(policy.ID); relErr != nil {
			o.log.Error().Err(relErr).Str("policy_id", policy.ID).Msg("Failed to release collateral")
		}
		return nil, err
	}

	if err := o.repo.SetCreateTx(policy.ID, tx.ID); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("policy_id", policy.ID).
		Str("owner", req.Owner).
		Int64("strike_cents", policy.StrikeCents).
		Int64("amount_sats", policy.AmountSats).
		Int64("premium_micro", policy.PremiumMicro).
		Uint64("expiration_height", policy.ExpirationHeight).
		Str("tx_id", tx.ID).
		Msg("Policy created")

	return &CreatePolicyResult{PolicyID: policy.ID, TxID: tx.ID}, nil
}

// GetPolicy returns a policy by its off-chain id.
func (o *Orchestrator) GetPolicy(id string) (*Policy, error) {
	return o.repo.Get(id)
}

// PolicyIDForOnChain maps a registry-assigned id to the off-chain policy id,
// empty when unknown.
func (o *Orchestrator) PolicyIDForOnChain(onChainID uint64) (string, error) {
	policy, err := o.repo.GetByOnChainID(onChainID)
	if err != nil || policy == nil {
		return "", err
	}
	return policy.ID, nil
}

func (o *Orchestrator) validate(req CreatePolicyRequest) error {
	if req.Owner == "" {
		return domain.NewError(domain.KindValidation, "owner address is required")
	}
	if !req.Tier.Valid() {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	if !req.Token.Valid() {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("unknown token %q", req.Token))
	}
	if !o.periodDays[req.PeriodDays] {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("unsupported protection period %d days", req.PeriodDays))
	}
	if req.ProtectionAmountBTC <= 0 {
		return domain.NewError(domain.KindValidation, "protection amount must be positive")
	}
	if req.ProtectedValuePct <= 0 {
		return domain.NewError(domain.KindValidation, "protected value percentage must be positive")
	}
	if band := tierBands[req.Tier]; req.ProtectedValuePct < band.Lo || req.ProtectedValuePct > band.Hi {
		return domain.NewError(domain.KindValidation,
			fmt.Sprintf("protected value %.0f%% is outside the %s tier band [%.0f%%, %.0f%%]",
				req.ProtectedValuePct, req.Tier, band.Lo, band.Hi))
	}
	return nil
}

// ConfirmationRegistry registers per-kind transaction outcome handlers.
// Implemented by *chain.Engine.
type ConfirmationRegistry interface {
	OnConfirmation(kind string, h chain.ConfirmationHandler)
}

// RegisterConfirmationHandlers hooks the create-policy transaction outcome
// into the policy state machine. Activation itself is driven by the
// policy-created event; the handler here only cleans up failures.
func (o *Orchestrator) RegisterConfirmationHandlers(engine ConfirmationRegistry) {
	engine.OnConfirmation(TxKindCreatePolicy, func(ctx context.Context, tx *chain.Transaction) error {
		if tx.Status != domain.TxFailed && tx.Status != domain.TxReplaced && tx.Status != domain.TxExpired {
			return nil
		}
		policy, err := o.repo.GetByCreateTx(tx.ID)
		if err != nil {
			return err
		}
		if policy == nil {
			return nil
		}
		if err := o.repo.MarkFailed(policy.ID); err != nil {
			return err
		}
		if err := o.allocator.Release(policy.ID); err != nil {
			return err
		}
		o.log.Warn().
			Str("policy_id", policy.ID).
			Str("tx_id", tx.ID).
			Msg("Policy creation failed on-chain, collateral released")
		return nil
	})
}

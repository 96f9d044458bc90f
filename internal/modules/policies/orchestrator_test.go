package policies

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/pool"
	"github.com/bithedge/backend/internal/modules/quotes"
)

// testPolicySchema mirrors policy_schema.sql for in-memory tests
const testPolicySchema = `
CREATE TABLE policies (
    id TEXT PRIMARY KEY,
    on_chain_id TEXT,
    owner TEXT NOT NULL,
    policy_type TEXT NOT NULL DEFAULT 'PUT' CHECK(policy_type IN ('PUT','CALL')),
    risk_tier TEXT NOT NULL CHECK(risk_tier IN ('conservative','balanced','aggressive')),
    strike_cents INTEGER NOT NULL CHECK(strike_cents > 0),
    amount_sats INTEGER NOT NULL CHECK(amount_sats > 0),
    premium_micro INTEGER NOT NULL CHECK(premium_micro >= 0),
    creation_height INTEGER NOT NULL,
    expiration_height INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'PendingTx'
        CHECK(status IN ('PendingTx','Active','Exercised','Expired','Settled','Failed')),
    collateral_token TEXT NOT NULL,
    settlement_token TEXT NOT NULL,
    settlement_amount INTEGER,
    settlement_price INTEGER,
    create_tx_id TEXT,
    status_tx_id TEXT,
    settlement_tx_id TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const testPoolSchema = `
CREATE TABLE provider_tier_balances (
    provider TEXT NOT NULL,
    tier TEXT NOT NULL,
    token TEXT NOT NULL,
    deposited INTEGER NOT NULL DEFAULT 0,
    locked INTEGER NOT NULL DEFAULT 0,
    premium_earned INTEGER NOT NULL DEFAULT 0,
    last_deposit_block INTEGER NOT NULL DEFAULT 0,
    deposit_count INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (provider, tier, token)
);
CREATE TABLE tier_capital (
    tier TEXT NOT NULL,
    token TEXT NOT NULL,
    total_deposited INTEGER NOT NULL DEFAULT 0,
    total_locked INTEGER NOT NULL DEFAULT 0,
    capacity_limit INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tier, token)
);
CREATE TABLE allocations (
    id TEXT PRIMARY KEY,
    policy_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    tier TEXT NOT NULL,
    token TEXT NOT NULL,
    amount_locked INTEGER NOT NULL,
    percentage_bps INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'Pending',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE premium_distributions (
    id TEXT PRIMARY KEY,
    policy_id TEXT NOT NULL,
    allocation_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    premium_share INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'Planned',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`

type fakeExecutor struct {
	calls []chain.CallConfig
	err   error
	seq   int
}

func (f *fakeExecutor) Execute(ctx context.Context, call chain.CallConfig) (*chain.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, call)
	f.seq++
	return &chain.Transaction{
		ID:     fmt.Sprintf("tx-%d", f.seq),
		Kind:   call.Kind,
		Status: domain.TxSubmitted,
	}, nil
}

func (f *fakeExecutor) callsOf(kind string) []chain.CallConfig {
	var out []chain.CallConfig
	for _, c := range f.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fakeTips struct {
	tip uint64
	err error
}

func (f *fakeTips) ChainTip(ctx context.Context) (uint64, error) { return f.tip, f.err }

type fakeQuotes struct {
	quote *quotes.BuyerQuote
	err   error
}

func (f *fakeQuotes) BuyerPremiumQuote(req quotes.BuyerQuoteRequest) (*quotes.BuyerQuote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

type fixture struct {
	orch     *Orchestrator
	repo     *Repository
	poolRepo *pool.Repository
	alloc    *pool.Allocator
	dist     *pool.Distributor
	executor *fakeExecutor
	tips     *fakeTips
}

func newFixture(t *testing.T) *fixture {
	policyDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { policyDB.Close() })
	_, err = policyDB.Exec(testPolicySchema)
	require.NoError(t, err)

	poolDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { poolDB.Close() })
	_, err = poolDB.Exec(testPoolSchema)
	require.NoError(t, err)

	log := zerolog.Nop()
	repo := NewRepository(policyDB)
	poolRepo := pool.NewRepository(poolDB)
	alloc := pool.NewAllocator(poolRepo, log)
	executor := &fakeExecutor{}
	dist := pool.NewDistributor(poolRepo, executor, "ST1POOL.liquidity-pool-vault", log)

	defaults := config.QuoteDefaults{
		RiskFreeRate:   0.02,
		PeriodDaysSet:  []int{7, 14, 30, 60, 90},
		ScenarioPoints: 21,
	}
	quoteSource := &fakeQuotes{quote: &quotes.BuyerQuote{
		Spot:       50000,
		Strike:     45000,
		Volatility: 0.55,
		Premium:    570.20,
	}}
	tips := &fakeTips{tip: 1000}

	orch := NewOrchestrator(repo, alloc, dist, quoteSource, executor, tips,
		"ST1REG.policy-registry", defaults, log)

	return &fixture{
		orch:     orch,
		repo:     repo,
		poolRepo: poolRepo,
		alloc:    alloc,
		dist:     dist,
		executor: executor,
		tips:     tips,
	}
}

func (f *fixture) seedProvider(t *testing.T, provider string, sats int64) {
	require.NoError(t, f.poolRepo.RecordDeposit(provider, domain.TierBalanced, domain.TokenSBTC, sats, 100))
}

func defaultRequest() CreatePolicyRequest {
	return CreatePolicyRequest{
		Owner:               "ST1OWNER",
		ProtectedValuePct:   90,
		ProtectionAmountBTC: 1,
		PeriodDays:          30,
		Tier:                domain.TierBalanced,
		Token:               domain.TokenSBTC,
	}
}

func TestCreatePolicyFlow(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 2_0000_0000)

	result, err := f.orch.CreatePolicy(context.Background(), defaultRequest())
	require.NoError(t, err)
	require.NotEmpty(t, result.PolicyID)
	require.NotEmpty(t, result.TxID)

	policy, err := f.repo.Get(result.PolicyID)
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.Equal(t, domain.PolicyPendingTx, policy.Status)
	assert.Equal(t, int64(4_500_000), policy.StrikeCents)
	assert.Equal(t, int64(1_0000_0000), policy.AmountSats)
	assert.Equal(t, int64(570_200_000), policy.PremiumMicro)
	assert.Equal(t, uint64(1000), policy.CreationHeight)
	assert.Equal(t, uint64(1000+30*144), policy.ExpirationHeight)
	assert.Equal(t, result.TxID, policy.CreateTxID)

	// Collateral locked, pending confirmation
	allocs, err := f.poolRepo.AllocationsForPolicy(result.PolicyID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, domain.AllocationPending, allocs[0].Status)
	assert.Equal(t, int64(1_0000_0000), allocs[0].AmountLocked)

	// Premium split fixed before anything touches the chain
	dists, err := f.poolRepo.DistributionsForPolicy(result.PolicyID)
	require.NoError(t, err)
	var total int64
	for _, d := range dists {
		total += d.PremiumShare
		assert.Equal(t, domain.DistributionPlanned, d.Status)
	}
	assert.Equal(t, policy.PremiumMicro, total)

	// Registry call carries the right-padded strings and scaled integers
	creates := f.executor.callsOf(TxKindCreatePolicy)
	require.Len(t, creates, 1)
	call := creates[0]
	assert.Equal(t, "create-protection-policy", call.Function)
	require.Len(t, call.Args, 9)
	assert.Equal(t, "ST1OWNER", call.Args[0].Str)
	assert.Equal(t, "PUT", call.Args[1].Trimmed())
	assert.Equal(t, 8, len(call.Args[1].Str))
	assert.Equal(t, "balanced", call.Args[2].Trimmed())
	assert.Equal(t, 32, len(call.Args[2].Str))
	assert.Equal(t, "BTC", call.Args[3].Trimmed())
	assert.Equal(t, uint64(4_500_000), call.Args[5].Uint)
	assert.Equal(t, uint64(1_0000_0000), call.Args[6].Uint)
	assert.Equal(t, uint64(5320), call.Args[7].Uint)
	assert.Equal(t, uint64(570_200_000), call.Args[8].Uint)
}

func TestCreatePolicyValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreatePolicyRequest)
	}{
		{"missing owner", func(r *CreatePolicyRequest) { r.Owner = "" }},
		{"bad tier", func(r *CreatePolicyRequest) { r.Tier = "degen" }},
		{"bad token", func(r *CreatePolicyRequest) { r.Token = "DOGE" }},
		{"unsupported period", func(r *CreatePolicyRequest) { r.PeriodDays = 45 }},
		{"zero amount", func(r *CreatePolicyRequest) { r.ProtectionAmountBTC = 0 }},
		{"zero strike pct", func(r *CreatePolicyRequest) { r.ProtectedValuePct = 0 }},
		{"strike above tier band", func(r *CreatePolicyRequest) {
			r.Tier = domain.TierConservative
			r.ProtectedValuePct = 150
		}},
		{"strike below tier band", func(r *CreatePolicyRequest) { r.ProtectedValuePct = 60 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := defaultRequest()
			tt.mutate(&req)
			_, err := f.orch.CreatePolicy(context.Background(), req)
			assert.True(t, domain.IsKind(err, domain.KindValidation), "want validation error, got %v", err)
		})
	}
}

func TestCreatePolicyInsufficientLiquidity(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 5000_0000) // half the required collateral

	_, err := f.orch.CreatePolicy(context.Background(), defaultRequest())
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Empty(t, f.executor.calls, "nothing reaches the chain without collateral")
}

func TestCreatePolicyBroadcastFailureUnwinds(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 2_0000_0000)
	f.executor.err = domain.NewError(domain.KindChainRejected, "mempool rejected")

	_, err := f.orch.CreatePolicy(context.Background(), defaultRequest())
	require.Error(t, err)

	// The reserved collateral is unlocked again
	balances, err := f.poolRepo.BalancesForProvider("SP_A")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, int64(0), balances[0].Locked)
}

func activatedPolicy(t *testing.T, f *fixture) *Policy {
	f.seedProvider(t, "SP_A", 2_0000_0000)

	result, err := f.orch.CreatePolicy(context.Background(), defaultRequest())
	require.NoError(t, err)

	policy, err := f.repo.Get(result.PolicyID)
	require.NoError(t, err)

	event := createdEvent(policy, 7)
	require.NoError(t, f.orch.handlePolicyCreated(context.Background(), event, event.ContractLog.Value))

	policy, err = f.repo.Get(result.PolicyID)
	require.NoError(t, err)
	return policy
}

func createdEvent(policy *Policy, onChainID uint64) stacks.ContractEvent {
	event := stacks.ContractEvent{TxID: "0xcreated", EventIndex: 0}
	event.ContractLog.ContractID = "ST1REG.policy-registry"
	event.ContractLog.Topic = "print"
	event.ContractLog.Value = clarity.TupleOf(map[string]clarity.Value{
		"event":      clarity.StringASCII(TopicPolicyCreated, 32),
		"policy-id":  clarity.MakeUint(onChainID),
		"owner":      clarity.Principal(policy.Owner),
		"strike":     clarity.MakeUint(uint64(policy.StrikeCents)),
		"amount":     clarity.MakeUint(uint64(policy.AmountSats)),
		"expiration": clarity.MakeUint(policy.ExpirationHeight),
	})
	return event
}

func TestPolicyCreatedEventActivates(t *testing.T) {
	f := newFixture(t)
	policy := activatedPolicy(t, f)

	assert.Equal(t, domain.PolicyActive, policy.Status)
	require.NotNil(t, policy.OnChainID)
	assert.Equal(t, uint64(7), *policy.OnChainID)

	allocs, err := f.poolRepo.AllocationsForPolicy(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationConfirmed, allocs[0].Status)

	// Activation triggers the premium distribution call
	premiums := f.executor.callsOf(pool.TxKindRecordPremium)
	require.Len(t, premiums, 1)
	assert.Equal(t, uint64(7), premiums[0].Args[0].Uint)
	assert.Equal(t, uint64(570_200_000), premiums[0].Args[1].Uint)

	dists, err := f.poolRepo.DistributionsForPolicy(policy.ID)
	require.NoError(t, err)
	for _, d := range dists {
		assert.Equal(t, domain.DistributionRecorded, d.Status)
	}
}

func TestPolicyCreatedEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	policy := activatedPolicy(t, f)

	event := createdEvent(policy, 7)
	require.NoError(t, f.orch.handlePolicyCreated(context.Background(), event, event.ContractLog.Value))

	// No second distribution call
	assert.Len(t, f.executor.callsOf(pool.TxKindRecordPremium), 1)
}

func TestPolicyCreatedEventWithoutMatchErrors(t *testing.T) {
	f := newFixture(t)

	orphan := &Policy{Owner: "ST1STRANGER", StrikeCents: 1, AmountSats: 1, ExpirationHeight: 99}
	event := createdEvent(orphan, 9)
	err := f.orch.handlePolicyCreated(context.Background(), event, event.ContractLog.Value)
	assert.Error(t, err, "unmatched events must halt the page for retry")
}

func TestCreateTxFailureHandler(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 2_0000_0000)

	result, err := f.orch.CreatePolicy(context.Background(), defaultRequest())
	require.NoError(t, err)

	registry := &fakeRegistry{handlers: map[string]chain.ConfirmationHandler{}}
	f.orch.RegisterConfirmationHandlers(registry)

	require.NoError(t, registry.fire(TxKindCreatePolicy, &chain.Transaction{
		ID:     result.TxID,
		Kind:   TxKindCreatePolicy,
		Status: domain.TxFailed,
	}))

	policy, err := f.repo.Get(result.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyFailed, policy.Status)

	balances, err := f.poolRepo.BalancesForProvider("SP_A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balances[0].Locked)
}

func TestStatusUpdateEventMirrorsRegistry(t *testing.T) {
	f := newFixture(t)
	policy := activatedPolicy(t, f)

	event := statusEvent(7, statusCodeExpired)
	require.NoError(t, f.orch.handlePolicyStatusUpdated(context.Background(), event, event.ContractLog.Value))

	updated, err := f.repo.Get(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyExpired, updated.Status)

	// Replays and late duplicates are absorbed
	require.NoError(t, f.orch.handlePolicyStatusUpdated(context.Background(), event, event.ContractLog.Value))
}

func statusEvent(onChainID, code uint64) stacks.ContractEvent {
	event := stacks.ContractEvent{TxID: "0xstatus", EventIndex: 1}
	event.ContractLog.ContractID = "ST1REG.policy-registry"
	event.ContractLog.Value = clarity.TupleOf(map[string]clarity.Value{
		"event":     clarity.StringASCII(TopicPolicyStatusUpdated, 32),
		"policy-id": clarity.MakeUint(onChainID),
		"new":       clarity.MakeUint(code),
	})
	return event
}

type fakeRegistry struct {
	handlers map[string]chain.ConfirmationHandler
}

func (f *fakeRegistry) OnConfirmation(kind string, h chain.ConfirmationHandler) {
	f.handlers[kind] = h
}

func (f *fakeRegistry) fire(kind string, tx *chain.Transaction) error {
	h, ok := f.handlers[kind]
	if !ok {
		return fmt.Errorf("no handler for %s", kind)
	}
	return h(context.Background(), tx)
}

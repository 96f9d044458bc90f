package policies

import (
	"context"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bithedge/backend/internal/chain"
	"github.com/bithedge/backend/internal/domain"
)

type fakeOracle struct {
	prices  map[uint64]*chain.OraclePrice
	lookups int
}

func (f *fakeOracle) PriceAtHeight(ctx context.Context, height uint64) (*chain.OraclePrice, error) {
	f.lookups++
	price, ok := f.prices[height]
	if !ok {
		return nil, domain.ErrNoPriceData
	}
	return price, nil
}

type fakeReconciler struct {
	records []string
}

func (f *fakeReconciler) RecordReconciliation(context, policyID, details string) error {
	f.records = append(f.records, fmt.Sprintf("%s:%s", context, policyID))
	return nil
}

func newExpirer(f *fixture, oracle *fakeOracle, reconciler *fakeReconciler, tip uint64) *Expirer {
	f.tips.tip = tip
	return NewExpirer(f.repo, f.alloc, f.executor, oracle, f.tips, reconciler,
		"ST1REG.policy-registry", "ST1POOL.liquidity-pool-vault", 50, zerolog.Nop())
}

// seedActivePolicy writes an Active policy directly, with collateral locked
// the same way the create flow does it.
func seedActivePolicy(t *testing.T, f *fixture, onChainID uint64, strikeCents, amountSats int64, expirationHeight uint64) *Policy {
	policy := &Policy{
		ID:               fmt.Sprintf("policy-%d", onChainID),
		Owner:            "ST1OWNER",
		PolicyType:       domain.PolicyTypePUT,
		RiskTier:         domain.TierBalanced,
		StrikeCents:      strikeCents,
		AmountSats:       amountSats,
		PremiumMicro:     1_000_000,
		CreationHeight:   100,
		ExpirationHeight: expirationHeight,
		CollateralToken:  domain.TokenSBTC,
		SettlementToken:  domain.TokenSBTC,
	}
	require.NoError(t, f.repo.Create(policy))

	plan, err := f.alloc.PlanAllocation(amountSats, domain.TierBalanced, domain.TokenSBTC)
	require.NoError(t, err)
	_, err = f.alloc.Commit(policy.ID, plan)
	require.NoError(t, err)

	require.NoError(t, f.repo.MarkActive(policy.ID, onChainID))
	require.NoError(t, f.alloc.Confirm(policy.ID))

	loaded, err := f.repo.Get(policy.ID)
	require.NoError(t, err)
	return loaded
}

func priceAt(usdCents int64) *chain.OraclePrice {
	return &chain.OraclePrice{PriceSats: uint64(usdCents) * 1e6}
}

func TestExpirationBatchMixedOutcomes(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	// Two heights, three policies: strikes 50000/45000 expiring at 2000,
	// strike 52000 at 2100
	p1 := seedActivePolicy(t, f, 1, 5_000_000, 1_0000_0000, 2000) // ITM at 48000
	p2 := seedActivePolicy(t, f, 2, 4_500_000, 2_0000_0000, 2000) // OTM at 48000
	p3 := seedActivePolicy(t, f, 3, 5_200_000, 5000_0000, 2100)   // ITM at 40000

	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{
		2000: priceAt(4_800_000),
		2100: priceAt(4_000_000),
	}}
	expirer := newExpirer(f, oracle, &fakeReconciler{}, 2200)

	require.NoError(t, expirer.Run(context.Background()))

	assert.Equal(t, 2, oracle.lookups, "one oracle lookup per expiration height")

	// p2 expires worthless
	expires := f.executor.callsOf(TxKindExpirePolicy)
	require.Len(t, expires, 1)
	assert.Equal(t, uint64(2), expires[0].Args[0].Uint)
	assert.Equal(t, uint64(2), expires[0].Args[1].Uint)

	// p1 and p3 exercise with their settlement amounts
	exercises := f.executor.callsOf(TxKindExercisePolicy)
	require.Len(t, exercises, 2)
	byID := map[uint64]chain.CallConfig{}
	for _, c := range exercises {
		byID[c.Args[0].Uint] = c
	}
	// (50000-48000) USD x 1 BTC = 200000 cents
	assert.Equal(t, uint64(200_000), byID[1].Args[2].Uint)
	assert.Equal(t, uint64(4_800_000), byID[1].Args[3].Uint)
	// (52000-40000) USD x 0.5 BTC = 600000 cents
	assert.Equal(t, uint64(600_000), byID[3].Args[2].Uint)

	settlements := f.executor.callsOf(TxKindPaySettlement)
	require.Len(t, settlements, 2)

	// Settlement values are recorded before the chain confirms anything
	p1After, err := f.repo.Get(p1.ID)
	require.NoError(t, err)
	require.NotNil(t, p1After.SettlementAmount)
	assert.Equal(t, int64(200_000), *p1After.SettlementAmount)
	assert.Equal(t, int64(4_800_000), *p1After.SettlementPrice)
	require.NotNil(t, p1After.StatusTxID)
	require.NotNil(t, p1After.SettlementTxID)

	// Statuses only move on confirmation
	for _, p := range []*Policy{p1, p2, p3} {
		loaded, err := f.repo.Get(p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PolicyActive, loaded.Status)
	}
}

func TestExpirationRunDoesNotResubmit(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	seedActivePolicy(t, f, 1, 5_000_000, 1_0000_0000, 2000) // ITM at 48000
	seedActivePolicy(t, f, 2, 4_500_000, 2_0000_0000, 2000) // OTM at 48000

	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{2000: priceAt(4_800_000)}}
	expirer := newExpirer(f, oracle, &fakeReconciler{}, 2200)

	// Both policies stay Active until the chain confirms, but a second pass
	// must not broadcast the retirement calls again
	require.NoError(t, expirer.Run(context.Background()))
	require.NoError(t, expirer.Run(context.Background()))

	assert.Len(t, f.executor.callsOf(TxKindExercisePolicy), 1)
	assert.Len(t, f.executor.callsOf(TxKindPaySettlement), 1)
	assert.Len(t, f.executor.callsOf(TxKindExpirePolicy), 1)
}

func TestExpireFailureReclaimsPolicy(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	policy := seedActivePolicy(t, f, 2, 4_500_000, 2_0000_0000, 2000)
	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{2000: priceAt(4_800_000)}}
	reconciler := &fakeReconciler{}
	expirer := newExpirer(f, oracle, reconciler, 2200)

	require.NoError(t, expirer.Run(context.Background()))
	require.Len(t, f.executor.callsOf(TxKindExpirePolicy), 1)

	registry := &fakeRegistry{handlers: map[string]chain.ConfirmationHandler{}}
	expirer.RegisterConfirmationHandlers(registry)

	loaded, err := f.repo.Get(policy.ID)
	require.NoError(t, err)
	require.NoError(t, registry.fire(TxKindExpirePolicy, &chain.Transaction{
		ID:     *loaded.StatusTxID,
		Kind:   TxKindExpirePolicy,
		Status: domain.TxFailed,
	}))

	require.Len(t, reconciler.records, 1)
	assert.Equal(t, "expire-policy-failed:"+policy.ID, reconciler.records[0])

	// The failure hands the policy back; the next pass resubmits
	loaded, err = f.repo.Get(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyActive, loaded.Status)
	assert.Nil(t, loaded.StatusTxID)

	require.NoError(t, expirer.Run(context.Background()))
	assert.Len(t, f.executor.callsOf(TxKindExpirePolicy), 2)
}

func TestExpirationDefersOnDustPrice(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	policy := seedActivePolicy(t, f, 1, 5_000_000, 1_0000_0000, 2000)
	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{
		2000: {PriceSats: 500_000}, // below one cent after scaling
	}}
	reconciler := &fakeReconciler{}
	expirer := newExpirer(f, oracle, reconciler, 2200)

	require.NoError(t, expirer.Run(context.Background()))

	assert.Empty(t, f.executor.calls, "no retirement against a degenerate price")
	require.Len(t, reconciler.records, 1)
	assert.Equal(t, "oracle-price-invalid:"+policy.ID, reconciler.records[0])

	loaded, err := f.repo.Get(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyActive, loaded.Status)
}

func TestExpirationConfirmationReleasesCollateral(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	policy := seedActivePolicy(t, f, 2, 4_500_000, 2_0000_0000, 2000)
	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{2000: priceAt(4_800_000)}}
	expirer := newExpirer(f, oracle, &fakeReconciler{}, 2200)

	require.NoError(t, expirer.Run(context.Background()))

	registry := &fakeRegistry{handlers: map[string]chain.ConfirmationHandler{}}
	expirer.RegisterConfirmationHandlers(registry)

	loaded, err := f.repo.Get(policy.ID)
	require.NoError(t, err)
	require.NoError(t, registry.fire(TxKindExpirePolicy, &chain.Transaction{
		ID:     *loaded.StatusTxID,
		Kind:   TxKindExpirePolicy,
		Status: domain.TxConfirmed,
	}))

	loaded, err = f.repo.Get(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyExpired, loaded.Status)

	balances, err := f.poolRepo.BalancesForProvider("SP_A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balances[0].Locked)
	assert.Equal(t, int64(10_0000_0000), balances[0].Deposited)
}

func TestSettlementConfirmationAppliesLoss(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	policy := seedActivePolicy(t, f, 1, 5_000_000, 1_0000_0000, 2000)
	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{2000: priceAt(4_800_000)}}
	reconciler := &fakeReconciler{}
	expirer := newExpirer(f, oracle, reconciler, 2200)

	require.NoError(t, expirer.Run(context.Background()))

	registry := &fakeRegistry{handlers: map[string]chain.ConfirmationHandler{}}
	expirer.RegisterConfirmationHandlers(registry)

	loaded, err := f.repo.Get(policy.ID)
	require.NoError(t, err)

	require.NoError(t, registry.fire(TxKindExercisePolicy, &chain.Transaction{
		ID:     *loaded.StatusTxID,
		Kind:   TxKindExercisePolicy,
		Status: domain.TxConfirmed,
	}))
	require.NoError(t, registry.fire(TxKindPaySettlement, &chain.Transaction{
		ID:     *loaded.SettlementTxID,
		Kind:   TxKindPaySettlement,
		Status: domain.TxConfirmed,
	}))

	loaded, err = f.repo.Get(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicySettled, loaded.Status)

	// Loss of 200000 cents at 48000 USD/BTC is 4166666 sats; the rest of the
	// deposit unlocks
	balances, err := f.poolRepo.BalancesForProvider("SP_A")
	require.NoError(t, err)
	lossSats := int64(200_000) * 1e8 / 4_800_000
	assert.Equal(t, int64(10_0000_0000)-lossSats, balances[0].Deposited)
	assert.Equal(t, int64(0), balances[0].Locked)

	allocs, err := f.poolRepo.AllocationsForPolicy(policy.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationSettlementImpacted, allocs[0].Status)
	assert.Empty(t, reconciler.records)
}

func TestSettlementFailureRecordsReconciliation(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	policy := seedActivePolicy(t, f, 1, 5_000_000, 1_0000_0000, 2000)
	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{2000: priceAt(4_800_000)}}
	reconciler := &fakeReconciler{}
	expirer := newExpirer(f, oracle, reconciler, 2200)

	require.NoError(t, expirer.Run(context.Background()))

	registry := &fakeRegistry{handlers: map[string]chain.ConfirmationHandler{}}
	expirer.RegisterConfirmationHandlers(registry)

	loaded, err := f.repo.Get(policy.ID)
	require.NoError(t, err)
	require.NoError(t, registry.fire(TxKindPaySettlement, &chain.Transaction{
		ID:     *loaded.SettlementTxID,
		Kind:   TxKindPaySettlement,
		Status: domain.TxFailed,
	}))

	require.Len(t, reconciler.records, 1)
	assert.Equal(t, "pay-settlement-failed:"+policy.ID, reconciler.records[0])
}

func TestExpirationSkipsGroupWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.seedProvider(t, "SP_A", 10_0000_0000)

	seedActivePolicy(t, f, 1, 5_000_000, 1_0000_0000, 2000)
	oracle := &fakeOracle{prices: map[uint64]*chain.OraclePrice{}}
	expirer := newExpirer(f, oracle, &fakeReconciler{}, 2200)

	require.NoError(t, expirer.Run(context.Background()))
	assert.Empty(t, f.executor.calls, "no retirement without an oracle price")
}

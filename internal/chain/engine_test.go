package chain

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/domain"
)

// testChainSchema mirrors chain_schema.sql for in-memory tests
const testChainSchema = `
CREATE TABLE transactions (
    id TEXT PRIMARY KEY,
    chain_tx_id TEXT,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'Pending'
        CHECK(status IN ('Pending','Submitted','Confirmed','Failed','Replaced','Expired')),
    error_details TEXT,
    nonce INTEGER,
    retry_count INTEGER NOT NULL DEFAULT 0,
    block_height INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE event_cursors (
    contract_id TEXT PRIMARY KEY,
    next_offset INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
CREATE TABLE processed_events (
    tx_id TEXT NOT NULL,
    event_index INTEGER NOT NULL,
    topic TEXT NOT NULL,
    processed_at INTEGER NOT NULL,
    PRIMARY KEY (tx_id, event_index)
);
CREATE TABLE reconciliation_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    context TEXT NOT NULL,
    policy_id TEXT,
    details TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`

const testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func setupChainDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testChainSchema)
	require.NoError(t, err)
	return db
}

// fakeNode is a scriptable NodeClient
type fakeNode struct {
	nonce        uint64
	nonceErr     error
	broadcastErr []error // consumed in order; nil means accept
	broadcasts   int
	txStatus     string
	txHeight     uint64
	txErr        error
}

func (f *fakeNode) GetNonce(ctx context.Context, address string) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeNode) Broadcast(ctx context.Context, raw []byte) (string, error) {
	i := f.broadcasts
	f.broadcasts++
	if i < len(f.broadcastErr) && f.broadcastErr[i] != nil {
		return "", f.broadcastErr[i]
	}
	return "0xabc123", nil
}

func (f *fakeNode) GetTransaction(ctx context.Context, txID string) (*stacks.TxInfo, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	return &stacks.TxInfo{TxID: txID, TxStatus: f.txStatus, BlockHeight: f.txHeight}, nil
}

func (f *fakeNode) GetInfo(ctx context.Context) (*stacks.NodeInfo, error) {
	return &stacks.NodeInfo{StacksTipHeight: 100000}, nil
}

func badNonceErr(expected, actual uint64) *stacks.BroadcastError {
	e := &stacks.BroadcastError{ErrorText: "transaction rejected", Reason: "BadNonce"}
	e.ReasonData.Expected = expected
	e.ReasonData.Actual = actual
	return e
}

func newTestEngine(t *testing.T, node NodeClient) (*Engine, *TxRepository) {
	signer, err := NewSigner(testSignerKey, "ST1TESTADDRESS")
	require.NoError(t, err)

	repo := NewTxRepository(setupChainDB(t))
	return NewEngine(node, signer, repo, zerolog.Nop()), repo
}

func testCall() CallConfig {
	return CallConfig{
		Kind:       "set-aggregated-price",
		ContractID: "ST1ORACLE.oracle",
		Function:   "set-aggregated-price",
		Args:       []clarity.Value{clarity.MakeUint(5001363953488)},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	node := &fakeNode{nonce: 7}
	engine, repo := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.NoError(t, err)

	assert.Equal(t, domain.TxSubmitted, tx.Status)
	assert.Equal(t, "0xabc123", tx.ChainTxID)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(7), *tx.Nonce)
	assert.Equal(t, 0, tx.RetryCount)

	// Row persisted with the same fields
	stored, err := repo.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxSubmitted, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestExecuteBadNonceRetry(t *testing.T) {
	node := &fakeNode{
		nonce:        41,
		broadcastErr: []error{badNonceErr(42, 41), nil},
	}
	engine, repo := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.NoError(t, err)

	assert.Equal(t, 2, node.broadcasts)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(42), *tx.Nonce, "retry uses the nonce the node expected")
	assert.Equal(t, 1, tx.RetryCount)
	assert.Equal(t, domain.TxSubmitted, tx.Status)

	stored, err := repo.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.Nonce)
	assert.Equal(t, uint64(42), *stored.Nonce)
}

func TestExecuteBadNoncePersists(t *testing.T) {
	node := &fakeNode{
		nonce:        41,
		broadcastErr: []error{badNonceErr(42, 41), badNonceErr(43, 42)},
	}
	engine, repo := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadNoncePersistence))
	assert.Equal(t, 2, node.broadcasts, "exactly one retry")

	// The row is marked Failed with the cause recorded
	stored, err := repo.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, stored.Status)
	assert.Contains(t, stored.ErrorDetails, "nonce mismatch persisted")
}

func TestExecuteExplicitNonceSkipsLookup(t *testing.T) {
	node := &fakeNode{nonceErr: assert.AnError}
	engine, _ := newTestEngine(t, node)

	nonce := uint64(99)
	call := testCall()
	call.Nonce = &nonce

	tx, err := engine.Execute(context.Background(), call)
	require.NoError(t, err)
	require.NotNil(t, tx.Nonce)
	assert.Equal(t, uint64(99), *tx.Nonce)
}

func TestExecuteRejectionFailsRow(t *testing.T) {
	node := &fakeNode{
		broadcastErr: []error{&stacks.BroadcastError{ErrorText: "rejected", Reason: "NotEnoughFunds"}},
	}
	engine, repo := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindChainRejected))

	stored, err := repo.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, stored.Status)
}

func TestCheckStatusConfirms(t *testing.T) {
	node := &fakeNode{txStatus: "success", txHeight: 12345}
	engine, repo := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.NoError(t, err)

	var handled *Transaction
	engine.OnConfirmation("set-aggregated-price", func(ctx context.Context, tx *Transaction) error {
		handled = tx
		return nil
	})

	status, err := engine.CheckStatus(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, status)

	require.NotNil(t, handled, "confirmation handler fires")
	assert.Equal(t, tx.ID, handled.ID)

	stored, err := repo.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, stored.Status)
	assert.Equal(t, uint64(12345), stored.BlockHeight)
}

func TestCheckStatusNotFoundStaysSubmitted(t *testing.T) {
	node := &fakeNode{}
	engine, _ := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.NoError(t, err)

	node.txErr = stacks.ErrTxNotFound
	status, err := engine.CheckStatus(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.TxSubmitted, status)
}

func TestMapTxStatus(t *testing.T) {
	tests := []struct {
		nodeStatus string
		want       domain.TxStatus
	}{
		{"success", domain.TxConfirmed},
		{"pending", domain.TxSubmitted},
		{"abort_by_response", domain.TxFailed},
		{"abort_by_post_condition", domain.TxFailed},
		{"dropped_replace_by_fee", domain.TxReplaced},
		{"dropped_stale_garbage_collect", domain.TxExpired},
	}

	for _, tt := range tests {
		got, _ := mapTxStatus(tt.nodeStatus)
		assert.Equal(t, tt.want, got, tt.nodeStatus)
	}
}

func TestTxRepositoryMonotoneStatus(t *testing.T) {
	repo := NewTxRepository(setupChainDB(t))

	tx := &Transaction{ID: "tx-1", Kind: "test", Payload: "{}"}
	require.NoError(t, repo.Create(tx))
	require.NoError(t, repo.MarkSubmitted("tx-1", "0xdead", 5, 0))
	require.NoError(t, repo.MarkTerminal("tx-1", domain.TxConfirmed, "", 100))

	// Terminal statuses never overwrite each other
	err := repo.MarkTerminal("tx-1", domain.TxFailed, "late failure", 0)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	stored, err := repo.Get("tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, stored.Status)
}

func TestReconcilePending(t *testing.T) {
	node := &fakeNode{txStatus: "abort_by_post_condition"}
	engine, repo := newTestEngine(t, node)

	tx, err := engine.Execute(context.Background(), testCall())
	require.NoError(t, err)

	require.NoError(t, engine.ReconcilePending(context.Background()))

	stored, err := repo.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, stored.Status)
	assert.Equal(t, "abort_by_post_condition", stored.ErrorDetails)
}

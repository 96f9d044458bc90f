package chain

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/clients/stacks"
	"github.com/bithedge/backend/internal/domain"
)

type fakeEventSource struct {
	pages map[int][]stacks.ContractEvent // keyed by offset
	calls int
}

func (f *fakeEventSource) GetContractEvents(ctx context.Context, contractID string, limit, offset int) ([]stacks.ContractEvent, error) {
	f.calls++
	return f.pages[offset], nil
}

func printEvent(txID string, index int, name string, fields map[string]clarity.Value) stacks.ContractEvent {
	if fields == nil {
		fields = map[string]clarity.Value{}
	}
	fields["event"] = clarity.Value{Kind: clarity.KindStringASCII, Str: name}

	ev := stacks.ContractEvent{TxID: txID, EventIndex: index}
	ev.ContractLog.ContractID = "ST1POLICY.policy-registry"
	ev.ContractLog.Topic = "print"
	ev.ContractLog.Value = clarity.TupleOf(fields)
	return ev
}

func TestEventProcessorInOrder(t *testing.T) {
	source := &fakeEventSource{pages: map[int][]stacks.ContractEvent{
		0: {
			printEvent("0xaa", 0, "policy-created", nil),
			printEvent("0xaa", 1, "policy-created", nil),
			printEvent("0xbb", 0, "premium-distributed", nil),
		},
	}}
	repo := NewEventRepository(setupChainDB(t))
	proc := NewEventProcessor(source, repo, []string{"ST1POLICY.policy-registry"}, 50, zerolog.Nop())

	var seen []string
	proc.OnTopic("policy-created", func(ctx context.Context, ev stacks.ContractEvent, payload clarity.Value) error {
		seen = append(seen, ev.TxID)
		return nil
	})

	require.NoError(t, proc.Poll(context.Background()))
	assert.Equal(t, []string{"0xaa", "0xaa"}, seen)

	// Cursor advanced past the whole page
	offset, err := repo.Cursor("ST1POLICY.policy-registry")
	require.NoError(t, err)
	assert.Equal(t, 3, offset)

	// Unhandled topics are still marked processed
	done, err := repo.IsProcessed("0xbb", 0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEventProcessorIdempotent(t *testing.T) {
	source := &fakeEventSource{pages: map[int][]stacks.ContractEvent{
		0: {printEvent("0xaa", 0, "policy-created", nil)},
	}}
	repo := NewEventRepository(setupChainDB(t))
	proc := NewEventProcessor(source, repo, []string{"ST1POLICY.policy-registry"}, 50, zerolog.Nop())

	handled := 0
	proc.OnTopic("policy-created", func(ctx context.Context, ev stacks.ContractEvent, payload clarity.Value) error {
		handled++
		return nil
	})

	require.NoError(t, proc.Poll(context.Background()))

	// Same page served again (cursor reset simulates an API replay)
	require.NoError(t, repo.AdvanceCursor("ST1POLICY.policy-registry", 0))
	require.NoError(t, proc.Poll(context.Background()))

	assert.Equal(t, 1, handled, "each (txId, eventIndex) handled at most once")
}

func TestEventProcessorHaltsOnHandlerError(t *testing.T) {
	source := &fakeEventSource{pages: map[int][]stacks.ContractEvent{
		0: {
			printEvent("0xaa", 0, "policy-created", nil),
			printEvent("0xaa", 1, "policy-created", nil),
		},
	}}
	repo := NewEventRepository(setupChainDB(t))
	proc := NewEventProcessor(source, repo, []string{"ST1POLICY.policy-registry"}, 50, zerolog.Nop())

	calls := 0
	proc.OnTopic("policy-created", func(ctx context.Context, ev stacks.ContractEvent, payload clarity.Value) error {
		calls++
		if calls == 1 {
			return nil
		}
		return assert.AnError
	})

	// Poll logs the failure and moves on; the cursor must not advance
	require.NoError(t, proc.Poll(context.Background()))

	offset, err := repo.Cursor("ST1POLICY.policy-registry")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)

	// The succeeded event stays marked so the retry skips it
	done, err := repo.IsProcessed("0xaa", 0)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = repo.IsProcessed("0xaa", 1)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestEventProcessorPagination(t *testing.T) {
	source := &fakeEventSource{pages: map[int][]stacks.ContractEvent{
		0: {printEvent("0xaa", 0, "e", nil), printEvent("0xaa", 1, "e", nil)},
		2: {printEvent("0xbb", 0, "e", nil)},
	}}
	repo := NewEventRepository(setupChainDB(t))
	proc := NewEventProcessor(source, repo, []string{"ST1POLICY.policy-registry"}, 2, zerolog.Nop())

	require.NoError(t, proc.Poll(context.Background()))

	offset, err := repo.Cursor("ST1POLICY.policy-registry")
	require.NoError(t, err)
	assert.Equal(t, 3, offset, "full page triggers a follow-up fetch")
}

type fakeReadOnly struct {
	result clarity.Value
	err    error
}

func (f *fakeReadOnly) CallReadOnly(ctx context.Context, contractID, function, sender string, args []clarity.Value) (clarity.Value, error) {
	return f.result, f.err
}

func TestOracleReaderLatestPrice(t *testing.T) {
	caller := &fakeReadOnly{result: clarity.Ok(clarity.TupleOf(map[string]clarity.Value{
		"price":        clarity.MakeUint(5001363953488),
		"block-height": clarity.MakeUint(12345),
	}))}
	reader := NewOracleReader(caller, "ST1ORACLE.oracle", "ST1TESTADDRESS")

	price, err := reader.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5001363953488), price.PriceSats)
	assert.Equal(t, uint64(12345), price.BlockHeight)
}

func TestOracleReaderErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     uint64
		wantKind domain.ErrorKind
	}{
		{"stale price", 102, domain.KindStalePrice},
		{"no data", 104, domain.KindNoPriceData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeReadOnly{result: clarity.Err(tt.code)}
			reader := NewOracleReader(caller, "ST1ORACLE.oracle", "ST1TESTADDRESS")

			_, err := reader.LatestPrice(context.Background())
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tt.wantKind))
		})
	}
}

package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/bithedge/backend/internal/chain/clarity"
	"github.com/bithedge/backend/internal/domain"
)

// Contract error codes surfaced by the oracle's read-only functions.
const (
	oracleErrStale  = 102
	oracleErrNoData = 104
)

// ReadOnlyCaller invokes read-only contract functions.
type ReadOnlyCaller interface {
	CallReadOnly(ctx context.Context, contractID, function, sender string, args []clarity.Value) (clarity.Value, error)
}

// OraclePrice is the on-chain price record.
type OraclePrice struct {
	PriceSats   uint64 // USD price scaled by 1e8
	BlockHeight uint64
	UpdatedAt   time.Time // burn time of the recording block
}

// OracleReader reads prices back from the oracle contract.
type OracleReader struct {
	caller     ReadOnlyCaller
	contractID string
	sender     string
}

// NewOracleReader creates a reader for the deployed oracle contract.
func NewOracleReader(caller ReadOnlyCaller, contractID, sender string) *OracleReader {
	return &OracleReader{caller: caller, contractID: contractID, sender: sender}
}

// LatestPrice fetches the current on-chain price. A stale price (older than
// the contract's freshness window) or an oracle with no data yet maps onto
// the matching domain errors.
func (r *OracleReader) LatestPrice(ctx context.Context) (*OraclePrice, error) {
	result, err := r.caller.CallReadOnly(ctx, r.contractID, "get-latest-price", r.sender, nil)
	if err != nil {
		return nil, err
	}
	return parsePriceResponse(result)
}

// PriceAtHeight fetches the price recorded at or before a block height. Used
// by expiration processing so every policy expiring at the same height
// settles against the same price.
func (r *OracleReader) PriceAtHeight(ctx context.Context, height uint64) (*OraclePrice, error) {
	args := []clarity.Value{clarity.MakeUint(height)}
	result, err := r.caller.CallReadOnly(ctx, r.contractID, "get-bitcoin-price-at-height", r.sender, args)
	if err != nil {
		return nil, err
	}
	return parsePriceResponse(result)
}

func parsePriceResponse(result clarity.Value) (*OraclePrice, error) {
	payload, errCode, ok := clarity.Response(result)
	if !ok {
		switch errCode {
		case oracleErrStale:
			return nil, domain.ErrStalePrice
		case oracleErrNoData:
			return nil, domain.ErrNoPriceData
		default:
			return nil, domain.NewError(domain.KindChainFailed,
				fmt.Sprintf("oracle read returned error code %d", errCode))
		}
	}

	price, ok := payload.Get("price")
	if !ok {
		return nil, domain.NewError(domain.KindChainFailed, "oracle response missing price field")
	}
	height, ok := payload.Get("block-height")
	if !ok {
		return nil, domain.NewError(domain.KindChainFailed, "oracle response missing block-height field")
	}

	record := &OraclePrice{PriceSats: price.Uint, BlockHeight: height.Uint}
	if ts, ok := payload.Get("timestamp"); ok {
		record.UpdatedAt = time.Unix(int64(ts.Uint), 0)
	}
	return record, nil
}

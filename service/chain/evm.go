package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"
)

// blockRangeConcurrency bounds how many block fetches run at once so a wide
// scan range does not hammer the upstream endpoints.
const blockRangeConcurrency = 4

var evmTxHashRe = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// EVMAdapter speaks Ethereum-style JSON-RPC. It covers every EVM chain the
// service monitors; chain-specific bits (confirmation depth, endpoints) come
// from configuration.
type EVMAdapter struct {
	chain   string
	pool    *Pool
	minConf uint64
}

// NewEVMAdapter creates an adapter for an EVM JSON-RPC chain.
func NewEVMAdapter(chainName string, pool *Pool, minConf uint64) *EVMAdapter {
	return &EVMAdapter{chain: chainName, pool: pool, minConf: minConf}
}

func (a *EVMAdapter) Chain() string            { return a.chain }
func (a *EVMAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *EVMAdapter) ValidateTxHash(hash string) error {
	if !evmTxHashRe.MatchString(hash) {
		return fmt.Errorf("%w: want 64 hex chars with optional 0x prefix", ErrInvalidTxHash)
	}
	return nil
}

func (a *EVMAdapter) Tip(ctx context.Context) (uint64, error) {
	raw, err := a.pool.CallRPC(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hexHeight string
	if err := json.Unmarshal(raw, &hexHeight); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return hexutil.DecodeUint64(hexHeight)
}

// evmTx is the subset of eth_getTransactionByHash we consume.
type evmTx struct {
	Hash        string  `json:"hash"`
	To          *string `json:"to"`
	Value       string  `json:"value"`
	BlockNumber *string `json:"blockNumber"` // null while pending
}

type evmReceipt struct {
	Status string `json:"status"`
}

type evmBlock struct {
	Timestamp    string  `json:"timestamp"`
	Transactions []evmTx `json:"transactions"`
}

func (a *EVMAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	if err := a.ValidateTxHash(hash); err != nil {
		return nil, err
	}
	normalized := normalizeHexHash(hash)

	raw, err := a.pool.CallRPC(ctx, "eth_getTransactionByHash", []any{normalized})
	if err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, normalized)
	}

	var tx evmTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash: %w", err)
	}

	if tx.BlockNumber == nil {
		return &TxResult{Pending: true}, nil
	}
	height, err := hexutil.DecodeUint64(*tx.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash: bad blockNumber: %w", err)
	}

	// A mined transaction can still have reverted; only status 0x1 counts.
	rawReceipt, err := a.pool.CallRPC(ctx, "eth_getTransactionReceipt", []any{normalized})
	if err != nil {
		return nil, err
	}
	var receipt evmReceipt
	if !isJSONNull(rawReceipt) {
		if err := json.Unmarshal(rawReceipt, &receipt); err != nil {
			return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
		}
	}

	result := &TxResult{Height: height}

	ts, err := a.blockTimestamp(ctx, height)
	if err != nil {
		return nil, err
	}
	result.Timestamp = ts

	if receipt.Status == "0x1" {
		if transfer, ok := evmTransferFrom(tx); ok {
			result.Transfers = append(result.Transfers, transfer)
		}
	}
	return result, nil
}

func (a *EVMAdapter) blockTimestamp(ctx context.Context, height uint64) (time.Time, error) {
	raw, err := a.pool.CallRPC(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(height), false})
	if err != nil {
		return time.Time{}, err
	}
	var blk evmBlock
	if err := json.Unmarshal(raw, &blk); err != nil {
		return time.Time{}, fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	secs, err := hexutil.DecodeUint64(blk.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("eth_getBlockByNumber: bad timestamp: %w", err)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func (a *EVMAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	raw, err := a.pool.CallRPC(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(height), true})
	if err != nil {
		return nil, err
	}
	if isJSONNull(raw) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
	}

	var blk evmBlock
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	secs, err := hexutil.DecodeUint64(blk.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber: bad timestamp: %w", err)
	}

	out := &Block{Height: height, Timestamp: time.Unix(int64(secs), 0).UTC()}
	for _, tx := range blk.Transactions {
		if transfer, ok := evmTransferFrom(tx); ok {
			out.Transfers = append(out.Transfers, transfer)
		}
	}
	return out, nil
}

func (a *EVMAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

// evmTransferFrom extracts the native value transfer from a transaction, if
// any. Contract creations (to == null) and zero-value calls don't qualify.
func evmTransferFrom(tx evmTx) (RawTransfer, bool) {
	if tx.To == nil {
		return RawTransfer{}, false
	}
	value, err := hexutil.DecodeBig(tx.Value)
	if err != nil || value.Sign() <= 0 {
		return RawTransfer{}, false
	}
	return RawTransfer{
		To:     *tx.To,
		Amount: value.String(),
		TxHash: normalizeHexHash(tx.Hash),
	}, true
}

// normalizeHexHash lower-cases a hex hash and guarantees the 0x prefix.
func normalizeHexHash(hash string) string {
	h := strings.ToLower(hash)
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// blockRange implements Adapter.BlockRange for adapters whose protocol has
// no batch block endpoint. Heights are fetched with bounded concurrency and
// the result slice stays in ascending height order.
func blockRange(ctx context.Context, a Adapter, from, to uint64) ([]Block, error) {
	if to < from {
		return nil, nil
	}
	blocks := make([]Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blockRangeConcurrency)
	for h := from; h <= to; h++ {
		g.Go(func() error {
			blk, err := a.BlockByHeight(gctx, h)
			if err != nil {
				return fmt.Errorf("height %d: %w", h, err)
			}
			blocks[h-from] = *blk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

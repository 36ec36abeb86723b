package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var utxoTxHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// btcRPCNotFound is the Bitcoin Core error code for a transaction the node
// does not know ("No such mempool or blockchain transaction").
const btcRPCNotFound = -5

// UTXOAdapter speaks Bitcoin-Core-style JSON-RPC (getrawtransaction,
// getblockhash, getblock). Output values arrive as JSON decimals in the
// human unit; they are re-expressed in base units through arbitrary
// precision decimals, never floats.
type UTXOAdapter struct {
	chain    string
	pool     *Pool
	minConf  uint64
	decimals int32
}

// NewUTXOAdapter creates an adapter for a UTXO chain. decimals is the
// chain's base-unit exponent (8 for bitcoin).
func NewUTXOAdapter(chainName string, pool *Pool, minConf uint64, decimals int) *UTXOAdapter {
	return &UTXOAdapter{chain: chainName, pool: pool, minConf: minConf, decimals: int32(decimals)}
}

func (a *UTXOAdapter) Chain() string            { return a.chain }
func (a *UTXOAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *UTXOAdapter) ValidateTxHash(hash string) error {
	if !utxoTxHashRe.MatchString(hash) {
		return fmt.Errorf("%w: want 64 hex chars", ErrInvalidTxHash)
	}
	return nil
}

func (a *UTXOAdapter) Tip(ctx context.Context) (uint64, error) {
	raw, err := a.pool.CallRPC(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := json.Unmarshal(raw, &height); err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	return height, nil
}

type utxoVout struct {
	Value        decimal.Decimal `json:"value"`
	ScriptPubKey struct {
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"` // pre-22.0 nodes
	} `json:"scriptPubKey"`
}

type utxoTx struct {
	Txid      string     `json:"txid"`
	Vout      []utxoVout `json:"vout"`
	BlockHash string     `json:"blockhash"`
	BlockTime int64      `json:"blocktime"`
}

type utxoBlockHeader struct {
	Height uint64 `json:"height"`
	Time   int64  `json:"time"`
}

type utxoBlock struct {
	Height uint64   `json:"height"`
	Time   int64    `json:"time"`
	Tx     []utxoTx `json:"tx"`
}

func (a *UTXOAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	if err := a.ValidateTxHash(hash); err != nil {
		return nil, err
	}
	txid := strings.ToLower(hash)

	raw, err := a.pool.CallRPC(ctx, "getrawtransaction", []any{txid, true})
	if err != nil {
		var rpcErr *jsonRPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcRPCNotFound {
			return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, txid)
		}
		return nil, err
	}

	var tx utxoTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("getrawtransaction: %w", err)
	}

	// Mempool transactions have no block hash yet.
	if tx.BlockHash == "" {
		return &TxResult{Pending: true}, nil
	}

	rawHeader, err := a.pool.CallRPC(ctx, "getblockheader", []any{tx.BlockHash})
	if err != nil {
		return nil, err
	}
	var header utxoBlockHeader
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("getblockheader: %w", err)
	}

	result := &TxResult{
		Height:    header.Height,
		Timestamp: time.Unix(tx.BlockTime, 0).UTC(),
	}
	transfers, err := a.transfersFrom(tx)
	if err != nil {
		return nil, err
	}
	result.Transfers = transfers
	return result, nil
}

func (a *UTXOAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	rawHash, err := a.pool.CallRPC(ctx, "getblockhash", []any{height})
	if err != nil {
		return nil, err
	}
	var blockHash string
	if err := json.Unmarshal(rawHash, &blockHash); err != nil {
		return nil, fmt.Errorf("getblockhash: %w", err)
	}

	// Verbosity 2 inlines full transaction objects.
	rawBlock, err := a.pool.CallRPC(ctx, "getblock", []any{blockHash, 2})
	if err != nil {
		return nil, err
	}
	var blk utxoBlock
	if err := json.Unmarshal(rawBlock, &blk); err != nil {
		return nil, fmt.Errorf("getblock: %w", err)
	}

	out := &Block{Height: height, Timestamp: time.Unix(blk.Time, 0).UTC()}
	for _, tx := range blk.Tx {
		transfers, err := a.transfersFrom(tx)
		if err != nil {
			return nil, err
		}
		out.Transfers = append(out.Transfers, transfers...)
	}
	return out, nil
}

func (a *UTXOAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

// transfersFrom extracts one RawTransfer per addressable output. Multiple
// outputs to the same wallet are summed later by the matching step.
func (a *UTXOAdapter) transfersFrom(tx utxoTx) ([]RawTransfer, error) {
	var out []RawTransfer
	for _, vout := range tx.Vout {
		addr := vout.ScriptPubKey.Address
		if addr == "" && len(vout.ScriptPubKey.Addresses) == 1 {
			addr = vout.ScriptPubKey.Addresses[0]
		}
		if addr == "" || vout.Value.Sign() <= 0 {
			// OP_RETURN and other non-standard outputs
			continue
		}
		baseUnits := vout.Value.Shift(a.decimals)
		if !baseUnits.IsInteger() {
			return nil, fmt.Errorf("tx %s: output value %s is finer than %d decimals", tx.Txid, vout.Value, a.decimals)
		}
		out = append(out, RawTransfer{
			To:     addr,
			Amount: baseUnits.BigInt().String(),
			TxHash: strings.ToLower(tx.Txid),
		})
	}
	return out, nil
}

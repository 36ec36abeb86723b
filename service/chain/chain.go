// Package chain defines the uniform adapter contract the verification and
// scanning engines use to talk to a blockchain, plus one implementation per
// protocol family (EVM JSON-RPC, Bitcoin-style UTXO RPC, Cosmos REST,
// Substrate sidecar REST, Stellar Horizon, Tron REST, Solana RPC).
//
// Adapters absorb provider flakiness internally through endpoint pools,
// bounded retry with backoff, and per-endpoint circuit breakers. Callers
// always get a definitive outcome (found, ErrNotFound, or an aggregated
// error), never a partial state.
package chain

import (
	"context"
	"errors"
	"time"
)

// Sentinel outcomes. ErrNotFound is an authoritative negative ("this
// transaction does not exist"), never a transient failure, and is never
// retried.
var (
	ErrNotFound           = errors.New("not found")
	ErrAllEndpointsFailed = errors.New("all endpoints failed")
	ErrInvalidTxHash      = errors.New("invalid transaction hash")
)

// RawTransfer is a single native-asset transfer extracted from a
// transaction, in the chain's integer base units.
type RawTransfer struct {
	// To is the destination address exactly as the chain reported it; the
	// caller canonicalizes before matching.
	To string

	// Amount is the transfer value in base units (wei, satoshi, ...) as a
	// decimal integer string.
	Amount string

	// TxHash is the chain-native transaction identifier.
	TxHash string
}

// TxResult is the outcome of looking up a single transaction.
type TxResult struct {
	// Height is the block/ledger the transaction was included in. Zero with
	// Pending=true means the transaction is known but not yet included.
	Height uint64

	// Pending is true when the transaction exists but has no confirmed
	// height yet.
	Pending bool

	// Timestamp is the chain-reported block time.
	Timestamp time.Time

	// Transfers holds every qualifying native transfer in the transaction.
	Transfers []RawTransfer
}

// Block is one scanned height with its extracted transfers.
type Block struct {
	Height    uint64
	Timestamp time.Time
	Transfers []RawTransfer
}

// Adapter is the capability set every protocol family implements.
type Adapter interface {
	// Chain returns the chain identifier this adapter serves.
	Chain() string

	// Tip returns the latest usable height. Adapters for chains with an
	// explicit finality gadget (Cosmos, Substrate) return the finalized
	// head, so the numeric confirmation lag collapses accordingly.
	Tip(ctx context.Context) (uint64, error)

	// TxByHash looks up one transaction. Returns ErrNotFound when the chain
	// authoritatively does not know the hash.
	TxByHash(ctx context.Context, hash string) (*TxResult, error)

	// BlockRange fetches [from, to] inclusive, strictly ascending.
	BlockRange(ctx context.Context, from, to uint64) ([]Block, error)

	// BlockByHeight fetches a single height. The scanner uses this so one
	// bad height can be skipped without abandoning the whole window.
	BlockByHeight(ctx context.Context, height uint64) (*Block, error)

	// MinConfirmations is the per-chain safety margin: a height is eligible
	// for ingestion only when height <= tip - MinConfirmations().
	MinConfirmations() uint64

	// ValidateTxHash checks the submitted identifier against the chain's
	// hash format without any network I/O. Returns ErrInvalidTxHash on
	// mismatch.
	ValidateTxHash(hash string) error
}

// Set is a registry of adapters keyed by chain name.
type Set map[string]Adapter

// Get returns the adapter for chain, if one is registered.
func (s Set) Get(chainName string) (Adapter, bool) {
	a, ok := s[chainName]
	return a, ok
}

// Chains returns the chain names with a registered adapter.
func (s Set) Chains() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

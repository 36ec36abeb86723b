package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// solanaSystemProgramID is the native SOL transfer program.
var solanaSystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")

// solanaTransferInstruction is the System Program instruction type for a
// lamport transfer.
const solanaTransferInstruction = uint32(2)

// SolanaRPC is the subset of the Solana RPC client the adapter needs. An
// interface so tests can run without a real node.
type SolanaRPC interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error)
}

// SolanaAdapter uses the Solana RPC API. Heights are slots; the tip is the
// finalized slot, so the extra confirmation margin is small. Transfers are
// decoded from System Program transfer instructions.
type SolanaAdapter struct {
	chain   string
	clients []SolanaRPC
	minConf uint64
}

// NewSolanaAdapter creates an adapter over one or more RPC clients, tried
// in order.
func NewSolanaAdapter(chainName string, clients []SolanaRPC, minConf uint64) *SolanaAdapter {
	return &SolanaAdapter{chain: chainName, clients: clients, minConf: minConf}
}

// NewSolanaRPCClients builds real RPC clients for a list of endpoint URLs.
func NewSolanaRPCClients(urls []string) []SolanaRPC {
	clients := make([]SolanaRPC, len(urls))
	for i, u := range urls {
		clients[i] = rpc.New(u)
	}
	return clients
}

func (a *SolanaAdapter) Chain() string            { return a.chain }
func (a *SolanaAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *SolanaAdapter) ValidateTxHash(hash string) error {
	if _, err := solana.SignatureFromBase58(hash); err != nil {
		return fmt.Errorf("%w: want a base58 transaction signature", ErrInvalidTxHash)
	}
	return nil
}

// try runs fn against each client in order, returning the first success.
// Not-found short-circuits like everywhere else.
func try[T any](ctx context.Context, clients []SolanaRPC, fn func(SolanaRPC) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for _, c := range clients {
		out, err := fn(c)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrNotFound) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
}

func (a *SolanaAdapter) Tip(ctx context.Context) (uint64, error) {
	return try(ctx, a.clients, func(c SolanaRPC) (uint64, error) {
		return c.GetSlot(ctx, rpc.CommitmentFinalized)
	})
}

func (a *SolanaAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: want a base58 transaction signature", ErrInvalidTxHash)
	}

	maxVersion := uint64(0)
	result, err := try(ctx, a.clients, func(c SolanaRPC) (*rpc.GetTransactionResult, error) {
		out, err := c.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, fmt.Errorf("%w: signature %s", ErrNotFound, sig)
		}
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: signature %s", ErrNotFound, sig)
	}

	out := &TxResult{Height: result.Slot}
	if result.BlockTime != nil {
		out.Timestamp = result.BlockTime.Time().UTC()
	}

	// Failed transactions carry a meta error and contribute nothing.
	if result.Meta != nil && result.Meta.Err != nil {
		return out, nil
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}
	out.Transfers = solanaTransfersFrom(tx, sig.String())
	return out, nil
}

func (a *SolanaAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	maxVersion := uint64(0)
	includeRewards := false

	result, err := try(ctx, a.clients, func(c SolanaRPC) (*rpc.GetBlockResult, error) {
		return c.GetBlockWithOpts(ctx, height, &rpc.GetBlockOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			TransactionDetails:             rpc.TransactionDetailsFull,
			Rewards:                        &includeRewards,
			MaxSupportedTransactionVersion: &maxVersion,
		})
	})
	if err != nil {
		// Skipped slots have no block and nothing to ingest.
		if strings.Contains(strings.ToLower(err.Error()), "skipped") {
			return &Block{Height: height}, nil
		}
		return nil, err
	}

	out := &Block{Height: height}
	if result.BlockTime != nil {
		out.Timestamp = result.BlockTime.Time().UTC()
	}

	for _, txWithMeta := range result.Transactions {
		if txWithMeta.Meta != nil && txWithMeta.Meta.Err != nil {
			continue
		}
		tx, err := txWithMeta.GetTransaction()
		if err != nil || tx == nil || len(tx.Signatures) == 0 {
			continue
		}
		out.Transfers = append(out.Transfers, solanaTransfersFrom(tx, tx.Signatures[0].String())...)
	}
	return out, nil
}

func (a *SolanaAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

// solanaTransfersFrom decodes System Program transfer instructions.
// Instruction layout: u32 type (2 = Transfer) then u64 lamports; accounts
// are [from, to].
func solanaTransfersFrom(tx *solana.Transaction, sig string) []RawTransfer {
	var out []RawTransfer
	accountKeys := tx.Message.AccountKeys

	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		if !accountKeys[instruction.ProgramIDIndex].Equals(solanaSystemProgramID) {
			continue
		}
		if len(instruction.Data) < 12 {
			continue
		}
		if binary.LittleEndian.Uint32(instruction.Data[0:4]) != solanaTransferInstruction {
			continue
		}
		lamports := binary.LittleEndian.Uint64(instruction.Data[4:12])
		if lamports == 0 || len(instruction.Accounts) < 2 {
			continue
		}
		toIndex := instruction.Accounts[1]
		if int(toIndex) >= len(accountKeys) {
			continue
		}
		out = append(out, RawTransfer{
			To:     accountKeys[toIndex].String(),
			Amount: strconv.FormatUint(lamports, 10),
			TxHash: sig,
		})
	}
	return out
}

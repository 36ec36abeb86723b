package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSolanaRPC implements SolanaRPC for tests.
type fakeSolanaRPC struct {
	slot    uint64
	slotErr error
}

func (f *fakeSolanaRPC) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return f.slot, f.slotErr
}

func (f *fakeSolanaRPC) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSolanaRPC) GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error) {
	return nil, errors.New("not implemented")
}

func TestSolanaAdapter_ValidateTxHash(t *testing.T) {
	a := NewSolanaAdapter("solana", nil, 32)

	sig := solana.Signature{1, 2, 3}
	assert.NoError(t, a.ValidateTxHash(sig.String()))
	assert.ErrorIs(t, a.ValidateTxHash("not-base58!!"), ErrInvalidTxHash)
}

func TestSolanaAdapter_Tip_FailsOver(t *testing.T) {
	a := NewSolanaAdapter("solana", []SolanaRPC{
		&fakeSolanaRPC{slotErr: errors.New("connection refused")},
		&fakeSolanaRPC{slot: 280000000},
	}, 32)

	tip, err := a.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(280000000), tip)
}

func TestSolanaAdapter_Tip_AllFail(t *testing.T) {
	a := NewSolanaAdapter("solana", []SolanaRPC{
		&fakeSolanaRPC{slotErr: errors.New("down")},
		&fakeSolanaRPC{slotErr: errors.New("also down")},
	}, 32)

	_, err := a.Tip(context.Background())
	require.ErrorIs(t, err, ErrAllEndpointsFailed)
}

func TestTry_NotFoundShortCircuits(t *testing.T) {
	calls := 0
	clients := []SolanaRPC{&fakeSolanaRPC{}, &fakeSolanaRPC{}}

	_, err := try(context.Background(), clients, func(c SolanaRPC) (int, error) {
		calls++
		return 0, fmt.Errorf("%w: gone", ErrNotFound)
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

// buildSolanaTransfer assembles a transaction holding one System Program
// transfer instruction.
func buildSolanaTransfer(t *testing.T, from, to solana.PublicKey, lamports uint64) *solana.Transaction {
	t.Helper()

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], solanaTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	return &solana.Transaction{
		Signatures: []solana.Signature{{9, 9, 9}},
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{from, to, solanaSystemProgramID},
			Instructions: []solana.CompiledInstruction{
				{
					ProgramIDIndex: 2,
					Accounts:       []uint16{0, 1},
					Data:           data,
				},
			},
		},
	}
}

func TestSolanaTransfersFrom(t *testing.T) {
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()

	tx := buildSolanaTransfer(t, from, to, 2_500_000_000)
	transfers := solanaTransfersFrom(tx, "testsig")
	require.Len(t, transfers, 1)
	assert.Equal(t, to.String(), transfers[0].To)
	assert.Equal(t, "2500000000", transfers[0].Amount)
	assert.Equal(t, "testsig", transfers[0].TxHash)
}

func TestSolanaTransfersFrom_IgnoresNonTransfers(t *testing.T) {
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()

	// Zero lamports never qualifies.
	tx := buildSolanaTransfer(t, from, to, 0)
	assert.Empty(t, solanaTransfersFrom(tx, "sig"))

	// Wrong program: point the instruction at a non-system account.
	tx = buildSolanaTransfer(t, from, to, 100)
	tx.Message.Instructions[0].ProgramIDIndex = 0
	assert.Empty(t, solanaTransfersFrom(tx, "sig"))

	// Truncated instruction data.
	tx = buildSolanaTransfer(t, from, to, 100)
	tx.Message.Instructions[0].Data = tx.Message.Instructions[0].Data[:4]
	assert.Empty(t, solanaTransfersFrom(tx, "sig"))
}

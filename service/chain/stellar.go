package chain

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var stellarTxHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// stellarDecimals is fixed by the protocol: 1 XLM = 10^7 stroops.
const stellarDecimals = 7

// StellarAdapter consumes the Horizon REST API. Heights are ledger
// sequences; Stellar ledgers are final on close, so one confirmation is
// enough. Amounts arrive as decimal strings in lumens and are re-expressed
// in stroops.
type StellarAdapter struct {
	chain   string
	pool    *Pool
	minConf uint64
}

// NewStellarAdapter creates an adapter for a Horizon server.
func NewStellarAdapter(chainName string, pool *Pool, minConf uint64) *StellarAdapter {
	return &StellarAdapter{chain: chainName, pool: pool, minConf: minConf}
}

func (a *StellarAdapter) Chain() string            { return a.chain }
func (a *StellarAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *StellarAdapter) ValidateTxHash(hash string) error {
	if !stellarTxHashRe.MatchString(hash) {
		return fmt.Errorf("%w: want 64 hex chars", ErrInvalidTxHash)
	}
	return nil
}

type stellarLedger struct {
	Sequence uint64 `json:"sequence"`
	ClosedAt string `json:"closed_at"`
}

type stellarLedgerPage struct {
	Embedded struct {
		Records []stellarLedger `json:"records"`
	} `json:"_embedded"`
}

type stellarTx struct {
	Hash       string `json:"hash"`
	Ledger     uint64 `json:"ledger"`
	CreatedAt  string `json:"created_at"`
	Successful bool   `json:"successful"`
}

type stellarOperation struct {
	Type            string `json:"type"`
	AssetType       string `json:"asset_type"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	Account         string `json:"account"`          // create_account
	StartingBalance string `json:"starting_balance"` // create_account
	TransactionHash string `json:"transaction_hash"`
	TxSuccessful    *bool  `json:"transaction_successful"`
}

type stellarOperationPage struct {
	Embedded struct {
		Records []stellarOperation `json:"records"`
	} `json:"_embedded"`
}

func (a *StellarAdapter) Tip(ctx context.Context) (uint64, error) {
	var page stellarLedgerPage
	if err := a.pool.GetJSON(ctx, "latest_ledger", "ledgers?order=desc&limit=1", &page); err != nil {
		return 0, err
	}
	if len(page.Embedded.Records) == 0 {
		return 0, fmt.Errorf("ledgers: empty page")
	}
	return page.Embedded.Records[0].Sequence, nil
}

func (a *StellarAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	if err := a.ValidateTxHash(hash); err != nil {
		return nil, err
	}
	txHash := strings.ToLower(hash)

	// Horizon answers 404 for unknown hashes; the pool maps that to
	// ErrNotFound for us.
	var tx stellarTx
	if err := a.pool.GetJSON(ctx, "tx_by_hash", "transactions/"+txHash, &tx); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, tx.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tx %s: bad created_at %q", txHash, tx.CreatedAt)
	}

	result := &TxResult{Height: tx.Ledger, Timestamp: ts.UTC()}
	if !tx.Successful {
		return result, nil
	}

	var ops stellarOperationPage
	if err := a.pool.GetJSON(ctx, "tx_operations", "transactions/"+txHash+"/operations?limit=200", &ops); err != nil {
		return nil, err
	}
	transfers, err := stellarTransfersFrom(ops.Embedded.Records, txHash)
	if err != nil {
		return nil, err
	}
	result.Transfers = transfers
	return result, nil
}

func (a *StellarAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	seq := fmt.Sprintf("%d", height)

	var ledger stellarLedger
	if err := a.pool.GetJSON(ctx, "ledger_by_seq", "ledgers/"+seq, &ledger); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, ledger.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger %d: bad closed_at %q", height, ledger.ClosedAt)
	}

	var ops stellarOperationPage
	if err := a.pool.GetJSON(ctx, "ledger_payments", "ledgers/"+seq+"/payments?limit=200", &ops); err != nil {
		return nil, err
	}

	// Per-ledger payment pages tag each record with its transaction.
	qualifying := make([]stellarOperation, 0, len(ops.Embedded.Records))
	for _, op := range ops.Embedded.Records {
		if op.TxSuccessful != nil && !*op.TxSuccessful {
			continue
		}
		qualifying = append(qualifying, op)
	}
	transfers, err := stellarTransfersFrom(qualifying, "")
	if err != nil {
		return nil, err
	}

	return &Block{Height: height, Timestamp: ts.UTC(), Transfers: transfers}, nil
}

func (a *StellarAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

// stellarTransfersFrom converts native payment and create_account
// operations into base-unit transfers. txHash overrides the per-record
// transaction hash when set (single-transaction lookups).
func stellarTransfersFrom(ops []stellarOperation, txHash string) ([]RawTransfer, error) {
	var out []RawTransfer
	for _, op := range ops {
		var to, lumens string
		switch {
		case op.Type == "payment" && op.AssetType == "native":
			to, lumens = op.To, op.Amount
		case op.Type == "create_account":
			// Funding a new account is a native transfer in disguise.
			to, lumens = op.Account, op.StartingBalance
		default:
			continue
		}
		if to == "" || lumens == "" {
			continue
		}

		d, err := decimal.NewFromString(lumens)
		if err != nil || d.Sign() <= 0 {
			continue
		}
		stroops := d.Shift(stellarDecimals)
		if !stroops.IsInteger() {
			return nil, fmt.Errorf("operation amount %s is finer than %d decimals", lumens, stellarDecimals)
		}

		hash := txHash
		if hash == "" {
			hash = strings.ToLower(op.TransactionHash)
		}
		out = append(out, RawTransfer{To: to, Amount: stroops.BigInt().String(), TxHash: hash})
	}
	return out, nil
}

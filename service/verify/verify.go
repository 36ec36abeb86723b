// Package verify implements claim-first contribution verification: a
// contributor hands us a transaction hash, we fetch it from the chain,
// check confirmation depth, and record transfers into registered project
// wallets exactly once.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainfund/ledgercore/service/amount"
	"github.com/chainfund/ledgercore/service/chain"
	"github.com/chainfund/ledgercore/service/db"
	"github.com/chainfund/ledgercore/service/metrics"
	natspkg "github.com/chainfund/ledgercore/service/nats"
	"github.com/chainfund/ledgercore/service/pricing"
	"github.com/chainfund/ledgercore/service/registry"
)

// Outcome classifies the result of a claim. These values are stable; they
// appear in API responses and metrics labels.
type Outcome string

const (
	OutcomeInserted         Outcome = "inserted"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeNotProjectWallet Outcome = "not_project_wallet"
	OutcomeTxNotFound       Outcome = "tx_not_found"
	OutcomeTxPending        Outcome = "tx_pending"
	OutcomeInvalidPayload   Outcome = "invalid_payload"
	OutcomeRPCError         Outcome = "rpc_error"
	OutcomeDBError          Outcome = "db_error"
	OutcomeUnauthorized     Outcome = "unauthorized"
)

// Result is the outcome of verifying one claim.
type Result struct {
	Outcome       Outcome
	Message       string
	Contributions []*db.Contribution
}

// LedgerStore is the subset of db.Store the engine writes through.
type LedgerStore interface {
	ContributionExists(ctx context.Context, chain, txHash string) (bool, error)
	InsertContribution(ctx context.Context, params db.InsertContributionParams) (bool, error)
	AttachContributionPrice(ctx context.Context, chain, txHash string, walletID int64, priceUSD string) error
}

// WalletResolver resolves observed addresses to project wallets.
type WalletResolver interface {
	Lookup(ctx context.Context, chain, rawAddr string) (*db.ProjectWallet, error)
}

var _ WalletResolver = (*registry.Registry)(nil)

// ChainInfo carries per-chain settings the engine needs beyond the adapter.
type ChainInfo struct {
	Decimals int
}

// Engine verifies contribution claims against chain adapters.
type Engine struct {
	adapters  chain.Set
	chainInfo map[string]ChainInfo
	store     LedgerStore
	resolver  WalletResolver
	publisher natspkg.Publisher
	oracle    pricing.Oracle
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEngine creates a verification engine. Publisher, oracle and metrics
// may be nil; the corresponding side effects are skipped.
func NewEngine(
	adapters chain.Set,
	chainInfo map[string]ChainInfo,
	store LedgerStore,
	resolver WalletResolver,
	publisher natspkg.Publisher,
	oracle pricing.Oracle,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		adapters:  adapters,
		chainInfo: chainInfo,
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		oracle:    oracle,
		metrics:   m,
		logger:    logger,
	}
}

// Verify checks a claimed transaction and records any transfers into
// registered project wallets. Multiple outputs to the same wallet within
// one transaction are summed into a single ledger row.
func (e *Engine) Verify(ctx context.Context, chainName, txHash string) *Result {
	start := time.Now()
	res := e.verify(ctx, chainName, txHash)
	if e.metrics != nil {
		e.metrics.RecordClaim(chainName, string(res.Outcome), time.Since(start).Seconds())
	}

	e.logger.Info("claim verified",
		"chain", chainName,
		"tx_hash", txHash,
		"outcome", res.Outcome,
		"rows", len(res.Contributions),
	)
	return res
}

func (e *Engine) verify(ctx context.Context, chainName, txHash string) *Result {
	adapter, ok := e.adapters.Get(chainName)
	if !ok {
		return &Result{Outcome: OutcomeInvalidPayload, Message: fmt.Sprintf("unknown chain %q", chainName)}
	}

	if err := adapter.ValidateTxHash(txHash); err != nil {
		return &Result{Outcome: OutcomeInvalidPayload, Message: err.Error()}
	}

	// Duplicate short-circuit before any chain RPC. A pre-check failure
	// only costs the optimization; the insert conflict below stays the
	// authoritative at-most-once guard.
	exists, err := e.store.ContributionExists(ctx, chainName, txHash)
	if err != nil {
		e.logger.Warn("duplicate pre-check failed", "chain", chainName, "tx_hash", txHash, "error", err)
	} else if exists {
		return &Result{Outcome: OutcomeDuplicate, Message: "transaction already recorded"}
	}

	tx, err := adapter.TxByHash(ctx, txHash)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		return &Result{Outcome: OutcomeTxNotFound, Message: "transaction not found on chain"}
	case errors.Is(err, chain.ErrInvalidTxHash):
		return &Result{Outcome: OutcomeInvalidPayload, Message: err.Error()}
	case err != nil:
		e.logger.Error("claim lookup failed", "chain", chainName, "tx_hash", txHash, "error", err)
		return &Result{Outcome: OutcomeRPCError, Message: "chain lookup failed"}
	}

	if tx.Pending {
		return &Result{Outcome: OutcomeTxPending, Message: "transaction not yet included in a block"}
	}

	tip, err := adapter.Tip(ctx)
	if err != nil {
		e.logger.Error("tip lookup failed", "chain", chainName, "error", err)
		return &Result{Outcome: OutcomeRPCError, Message: "chain tip unavailable"}
	}
	if e.metrics != nil {
		e.metrics.RecordChainTip(chainName, tip)
	}

	minConf := adapter.MinConfirmations()
	if tip < tx.Height+minConf {
		return &Result{
			Outcome: OutcomeTxPending,
			Message: fmt.Sprintf("needs %d confirmations, has %d", minConf, confirmations(tip, tx.Height)),
		}
	}

	return e.record(ctx, chainName, tx)
}

// walletSum accumulates transfer amounts per destination wallet.
type walletSum struct {
	wallet *db.ProjectWallet
	total  string
	txHash string
}

func (e *Engine) record(ctx context.Context, chainName string, tx *chain.TxResult) *Result {
	sums := make(map[int64]*walletSum)
	var order []int64

	for _, transfer := range tx.Transfers {
		wallet, err := e.resolver.Lookup(ctx, chainName, transfer.To)
		if err != nil {
			e.logger.Error("wallet lookup failed", "chain", chainName, "address", transfer.To, "error", err)
			return &Result{Outcome: OutcomeDBError, Message: "wallet lookup failed"}
		}
		if wallet == nil {
			continue
		}

		ws, ok := sums[wallet.ID]
		if !ok {
			ws = &walletSum{wallet: wallet, total: "0", txHash: transfer.TxHash}
			sums[wallet.ID] = ws
			order = append(order, wallet.ID)
		}
		total, err := amount.Sum(ws.total, transfer.Amount)
		if err != nil {
			e.logger.Error("malformed transfer amount", "chain", chainName, "amount", transfer.Amount, "error", err)
			return &Result{Outcome: OutcomeRPCError, Message: "malformed transfer amount from chain"}
		}
		ws.total = total
	}

	if len(order) == 0 {
		return &Result{Outcome: OutcomeNotProjectWallet, Message: "no transfer targets a registered project wallet"}
	}

	decimals := e.chainInfo[chainName].Decimals
	var blockTime *time.Time
	if !tx.Timestamp.IsZero() {
		t := tx.Timestamp
		blockTime = &t
	}

	res := &Result{Outcome: OutcomeDuplicate}
	for _, id := range order {
		ws := sums[id]
		canonical, err := amount.ToCanonical(ws.total, decimals)
		if err != nil {
			e.logger.Error("amount conversion failed", "chain", chainName, "amount", ws.total, "error", err)
			return &Result{Outcome: OutcomeRPCError, Message: "malformed transfer amount from chain"}
		}

		contribution := &db.Contribution{
			Chain:           chainName,
			TxHash:          ws.txHash,
			WalletID:        ws.wallet.ID,
			AmountBase:      ws.total,
			AmountCanonical: canonical,
			BlockHeight:     int64(tx.Height),
			BlockTime:       blockTime,
			Source:          "claim",
		}

		inserted, err := e.store.InsertContribution(ctx, db.InsertContributionParams{
			Chain:           contribution.Chain,
			TxHash:          contribution.TxHash,
			WalletID:        contribution.WalletID,
			AmountBase:      contribution.AmountBase,
			AmountCanonical: contribution.AmountCanonical,
			BlockHeight:     contribution.BlockHeight,
			BlockTime:       contribution.BlockTime,
			Source:          contribution.Source,
		})
		if err != nil {
			e.logger.Error("contribution insert failed", "chain", chainName, "tx_hash", ws.txHash, "error", err)
			return &Result{Outcome: OutcomeDBError, Message: "ledger write failed"}
		}

		res.Contributions = append(res.Contributions, contribution)
		if inserted {
			res.Outcome = OutcomeInserted
			if e.metrics != nil {
				e.metrics.RecordContributionInserted(chainName, "claim")
			}
			e.afterInsert(contribution)
		}
	}
	return res
}

// afterInsert runs the best-effort side effects of a new ledger row:
// event publication and USD pricing. Neither can fail the claim, and both
// run detached from the request context.
func (e *Engine) afterInsert(c *db.Contribution) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if e.publisher != nil {
			if err := e.publisher.PublishContribution(ctx, natspkg.FromContribution(c)); err != nil {
				e.logger.Error("contribution publish failed", "chain", c.Chain, "tx_hash", c.TxHash, "error", err)
			}
		}

		if e.oracle != nil {
			price, err := e.oracle.PriceUSD(ctx, c.Chain)
			if err != nil {
				e.logger.Warn("price fetch failed", "chain", c.Chain, "error", err)
				return
			}
			if err := e.store.AttachContributionPrice(ctx, c.Chain, c.TxHash, c.WalletID, price.String()); err != nil {
				e.logger.Error("price attach failed", "chain", c.Chain, "tx_hash", c.TxHash, "error", err)
			}
		}
	}()
}

// confirmations returns how deep a block at height sits below the tip.
func confirmations(tip, height uint64) uint64 {
	if tip < height {
		return 0
	}
	return tip - height
}

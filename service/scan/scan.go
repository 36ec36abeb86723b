// Package scan implements the background block-range scanner. Each run
// walks a bounded window of confirmed heights behind the chain tip,
// matches block transfers against registered project wallets, and records
// contributions through the same deduplicating insert the claim path uses.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chainfund/ledgercore/service/address"
	"github.com/chainfund/ledgercore/service/amount"
	"github.com/chainfund/ledgercore/service/chain"
	"github.com/chainfund/ledgercore/service/db"
	"github.com/chainfund/ledgercore/service/metrics"
	natspkg "github.com/chainfund/ledgercore/service/nats"
	"github.com/chainfund/ledgercore/service/pricing"
)

// Store is the subset of db.Store the scanner uses.
type Store interface {
	InsertContribution(ctx context.Context, params db.InsertContributionParams) (bool, error)
	AttachContributionPrice(ctx context.Context, chain, txHash string, walletID int64, priceUSD string) error
	GetCursor(ctx context.Context, chain string) (*db.Cursor, error)
	SetCursor(ctx context.Context, chain string, height uint64, partial, override bool) error
	AcquireScanLease(ctx context.Context, chain, holder string, ttl time.Duration) (bool, error)
	ReleaseScanLease(ctx context.Context, chain, holder string) error
}

// WalletSnapshotter provides the canonical address set for a chain.
type WalletSnapshotter interface {
	Snapshot(ctx context.Context, chain string) (map[string]int64, error)
}

// ChainSettings carries the per-chain scan tuning.
type ChainSettings struct {
	Decimals        int
	Lookback        uint64
	MaxBlocksPerRun uint64
}

// Config wires a Scanner.
type Config struct {
	Adapters           chain.Set
	Settings           map[string]ChainSettings
	Store              Store
	Wallets            WalletSnapshotter
	Publisher          natspkg.Publisher
	Oracle             pricing.Oracle
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
	LeaseTTL           time.Duration
	CheckpointInterval uint64
}

// Scanner runs block-range scans. Safe for concurrent use; the per-chain
// lease keeps overlapping runs from duplicating work, and the ledger's
// unique key keeps them from duplicating rows.
type Scanner struct {
	cfg    Config
	holder string
}

// New creates a Scanner. The lease holder identity is derived from the
// host and process so overlapping deployments are distinguishable.
func New(cfg Config) *Scanner {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 25
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	host, _ := os.Hostname()
	return &Scanner{
		cfg:    cfg,
		holder: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Summary reports what one scan run did.
type Summary struct {
	Chain          string `json:"chain"`
	Skipped        bool   `json:"skipped"`
	From           uint64 `json:"from,omitempty"`
	To             uint64 `json:"to,omitempty"`
	HeightsScanned int    `json:"heights_scanned"`
	FailedHeights  int    `json:"failed_heights"`
	Inserted       int    `json:"inserted"`
	Duplicates     int    `json:"duplicates"`
	Partial        bool   `json:"partial"`
}

// Run executes one scan pass for a chain. A nil startOverride resumes
// from the stored cursor; a non-nil one forces a rescan from that height.
func (s *Scanner) Run(ctx context.Context, chainName string, startOverride *uint64) (*Summary, error) {
	start := time.Now()
	summary, err := s.run(ctx, chainName, startOverride)
	if s.cfg.Metrics != nil {
		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case summary.Skipped:
			status = "skipped"
		case summary.Partial:
			status = "partial"
		}
		s.cfg.Metrics.RecordScanRun(chainName, status, time.Since(start).Seconds(), summary.HeightsScanned)
	}
	return summary, err
}

func (s *Scanner) run(ctx context.Context, chainName string, startOverride *uint64) (*Summary, error) {
	summary := &Summary{Chain: chainName}

	adapter, ok := s.cfg.Adapters.Get(chainName)
	if !ok {
		return summary, fmt.Errorf("unknown chain %q", chainName)
	}
	settings, ok := s.cfg.Settings[chainName]
	if !ok {
		return summary, fmt.Errorf("no scan settings for chain %q", chainName)
	}

	acquired, err := s.cfg.Store.AcquireScanLease(ctx, chainName, s.holder, s.cfg.LeaseTTL)
	if err != nil {
		return summary, fmt.Errorf("acquire scan lease: %w", err)
	}
	if !acquired {
		s.cfg.Logger.Info("scan lease held elsewhere, skipping", "chain", chainName)
		summary.Skipped = true
		return summary, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cfg.Store.ReleaseScanLease(releaseCtx, chainName, s.holder); err != nil {
			s.cfg.Logger.Error("release scan lease failed", "chain", chainName, "error", err)
		}
	}()

	tip, err := adapter.Tip(ctx)
	if err != nil {
		return summary, fmt.Errorf("tip lookup: %w", err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordChainTip(chainName, tip)
	}

	minConf := adapter.MinConfirmations()
	if tip < minConf {
		return summary, nil
	}
	safeTip := tip - minConf

	from, err := s.startHeight(ctx, chainName, settings, safeTip, startOverride)
	if err != nil {
		return summary, err
	}
	if from > safeTip {
		// Caught up; nothing confirmed since the last pass.
		return summary, nil
	}

	to := safeTip
	if span := to - from + 1; span > settings.MaxBlocksPerRun {
		to = from + settings.MaxBlocksPerRun - 1
	}
	summary.From, summary.To = from, to

	wallets, err := s.cfg.Wallets.Snapshot(ctx, chainName)
	if err != nil {
		return summary, fmt.Errorf("wallet snapshot: %w", err)
	}
	if len(wallets) == 0 {
		// No registered wallets; advance the cursor so a later
		// registration does not force a replay of the whole gap.
		if err := s.cfg.Store.SetCursor(ctx, chainName, to, false, startOverride != nil); err != nil {
			return summary, fmt.Errorf("set cursor: %w", err)
		}
		summary.HeightsScanned = int(to - from + 1)
		return summary, nil
	}

	override := startOverride != nil
	sinceCheckpoint := uint64(0)

	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			// Out of time. Checkpoint what finished and stop cleanly.
			s.checkpoint(chainName, h-1, summary.Partial, override, from)
			return summary, nil
		}

		block, err := adapter.BlockByHeight(ctx, h)
		if err != nil {
			s.cfg.Logger.Warn("block fetch failed, marking partial",
				"chain", chainName, "height", h, "error", err)
			summary.FailedHeights++
			summary.Partial = true
		} else {
			s.ingestBlock(ctx, chainName, settings, wallets, block, summary)
		}
		summary.HeightsScanned++

		sinceCheckpoint++
		if sinceCheckpoint >= s.cfg.CheckpointInterval {
			if err := s.cfg.Store.SetCursor(ctx, chainName, h, summary.Partial, override); err != nil {
				return summary, fmt.Errorf("set cursor: %w", err)
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordScanCursor(chainName, h)
			}
			sinceCheckpoint = 0
			override = false
		}
	}

	if err := s.cfg.Store.SetCursor(ctx, chainName, to, summary.Partial, override); err != nil {
		return summary, fmt.Errorf("set cursor: %w", err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordScanCursor(chainName, to)
	}

	s.cfg.Logger.Info("scan run complete",
		"chain", chainName,
		"from", from, "to", to,
		"inserted", summary.Inserted,
		"duplicates", summary.Duplicates,
		"failed_heights", summary.FailedHeights,
		"partial", summary.Partial,
	)
	return summary, nil
}

// startHeight picks where this run begins. Overrides force a rescan; a
// partial previous pass re-covers its window; otherwise resume after the
// cursor, or bootstrap lookback heights behind the safe tip.
func (s *Scanner) startHeight(ctx context.Context, chainName string, settings ChainSettings, safeTip uint64, startOverride *uint64) (uint64, error) {
	if startOverride != nil {
		return *startOverride, nil
	}

	cursor, err := s.cfg.Store.GetCursor(ctx, chainName)
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	if cursor == nil {
		if safeTip > settings.Lookback {
			return safeTip - settings.Lookback + 1, nil
		}
		return 1, nil
	}
	if cursor.Partial {
		// Re-cover the previous pass after a partial run. The failed
		// heights sit at most one window behind the cursor, so cap the
		// re-cover at MaxBlocksPerRun; a lookback-sized re-cover would
		// end below the stored height, the monotonic cursor guard would
		// drop the write, and the partial flag could never clear.
		// Duplicate rows are impossible, so rescanning is the cheap
		// side of the tradeoff.
		span := settings.Lookback
		if settings.MaxBlocksPerRun < span {
			span = settings.MaxBlocksPerRun
		}
		if cursor.Height > span {
			return cursor.Height - span + 1, nil
		}
		return 1, nil
	}
	return cursor.Height + 1, nil
}

// checkpoint persists mid-run progress with a short detached context.
func (s *Scanner) checkpoint(chainName string, height uint64, partial, override bool, from uint64) {
	if height < from {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Store.SetCursor(ctx, chainName, height, partial, override); err != nil {
		s.cfg.Logger.Error("checkpoint failed", "chain", chainName, "height", height, "error", err)
	}
}

// ingestBlock matches a block's transfers against the wallet snapshot and
// records one row per (tx, wallet), summing repeated outputs.
func (s *Scanner) ingestBlock(ctx context.Context, chainName string, settings ChainSettings, wallets map[string]int64, block *chain.Block, summary *Summary) {
	type rowKey struct {
		txHash   string
		walletID int64
	}
	sums := make(map[rowKey]string)
	var order []rowKey

	for _, transfer := range block.Transfers {
		canonical, err := address.Canonicalize(chainName, transfer.To)
		if err != nil {
			continue
		}
		walletID, ok := wallets[canonical]
		if !ok {
			continue
		}

		k := rowKey{txHash: transfer.TxHash, walletID: walletID}
		prev, ok := sums[k]
		if !ok {
			prev = "0"
			order = append(order, k)
		}
		total, err := amount.Sum(prev, transfer.Amount)
		if err != nil {
			s.cfg.Logger.Warn("malformed transfer amount",
				"chain", chainName, "tx_hash", transfer.TxHash, "amount", transfer.Amount)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordContributionSkipped(chainName, "malformed_amount")
			}
			continue
		}
		sums[k] = total
	}

	var blockTime *time.Time
	if !block.Timestamp.IsZero() {
		t := block.Timestamp
		blockTime = &t
	}

	for _, k := range order {
		canonical, err := amount.ToCanonical(sums[k], settings.Decimals)
		if err != nil {
			s.cfg.Logger.Warn("amount conversion failed",
				"chain", chainName, "tx_hash", k.txHash, "amount", sums[k])
			continue
		}

		contribution := &db.Contribution{
			Chain:           chainName,
			TxHash:          k.txHash,
			WalletID:        k.walletID,
			AmountBase:      sums[k],
			AmountCanonical: canonical,
			BlockHeight:     int64(block.Height),
			BlockTime:       blockTime,
			Source:          "scan",
		}

		inserted, err := s.cfg.Store.InsertContribution(ctx, db.InsertContributionParams{
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
			s.cfg.Logger.Error("contribution insert failed",
				"chain", chainName, "tx_hash", k.txHash, "error", err)
			summary.Partial = true
			summary.FailedHeights++
			continue
		}

		if inserted {
			summary.Inserted++
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordContributionInserted(chainName, "scan")
			}
			s.afterInsert(contribution)
		} else {
			summary.Duplicates++
		}
	}
}

// afterInsert mirrors the claim path's best-effort side effects.
func (s *Scanner) afterInsert(c *db.Contribution) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if s.cfg.Publisher != nil {
			if err := s.cfg.Publisher.PublishContribution(ctx, natspkg.FromContribution(c)); err != nil {
				s.cfg.Logger.Error("contribution publish failed", "chain", c.Chain, "tx_hash", c.TxHash, "error", err)
			}
		}

		if s.cfg.Oracle != nil {
			price, err := s.cfg.Oracle.PriceUSD(ctx, c.Chain)
			if err != nil {
				s.cfg.Logger.Warn("price fetch failed", "chain", c.Chain, "error", err)
				return
			}
			if err := s.cfg.Store.AttachContributionPrice(ctx, c.Chain, c.TxHash, c.WalletID, price.String()); err != nil {
				s.cfg.Logger.Error("price attach failed", "chain", c.Chain, "tx_hash", c.TxHash, "error", err)
			}
		}
	}()
}

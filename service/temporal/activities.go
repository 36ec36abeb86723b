package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chainfund/ledgercore/service/metrics"
	"github.com/chainfund/ledgercore/service/scan"
)

// ScanChainInput contains the input parameters for a chain scan run.
type ScanChainInput struct {
	Chain       string  `json:"chain"`
	StartHeight *uint64 `json:"start_height,omitempty"` // Nil resumes from the stored cursor
}

// ScanChainResult contains the outcome of a scan run.
type ScanChainResult struct {
	Chain          string    `json:"chain"`
	Skipped        bool      `json:"skipped"` // Another holder held the scan lease
	From           uint64    `json:"from,omitempty"`
	To             uint64    `json:"to,omitempty"`
	HeightsScanned int       `json:"heights_scanned"`
	FailedHeights  int       `json:"failed_heights"`
	Inserted       int       `json:"inserted"`
	Duplicates     int       `json:"duplicates"`
	Partial        bool      `json:"partial"`
	ScanTime       time.Time `json:"scan_time"`
}

// ScannerInterface defines the scan operations needed by activities.
// This allows for easy mocking in tests.
type ScannerInterface interface {
	Run(ctx context.Context, chainName string, startOverride *uint64) (*scan.Summary, error)
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	scanner ScannerInterface
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If m is nil, no metrics will be recorded.
func NewActivities(scanner ScannerInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		scanner: scanner,
		metrics: m,
		logger:  logger,
	}
}

// RunScan executes one scan pass for a chain. The scanner handles lease
// acquisition, cursor advancement and contribution ingestion; this activity
// is a thin adapter so Temporal owns scheduling and retries.
func (a *Activities) RunScan(ctx context.Context, input ScanChainInput) (*ScanChainResult, error) {
	a.logger.DebugContext(ctx, "running chain scan",
		"chain", input.Chain,
		"start_height", input.StartHeight,
	)

	summary, err := a.scanner.Run(ctx, input.Chain, input.StartHeight)
	if err != nil {
		a.logger.ErrorContext(ctx, "chain scan failed",
			"chain", input.Chain,
			"error", err,
		)
		return nil, fmt.Errorf("scan %s: %w", input.Chain, err)
	}

	result := &ScanChainResult{
		Chain:          summary.Chain,
		Skipped:        summary.Skipped,
		From:           summary.From,
		To:             summary.To,
		HeightsScanned: summary.HeightsScanned,
		FailedHeights:  summary.FailedHeights,
		Inserted:       summary.Inserted,
		Duplicates:     summary.Duplicates,
		Partial:        summary.Partial,
		ScanTime:       time.Now(),
	}

	if result.Skipped {
		a.logger.InfoContext(ctx, "chain scan skipped, lease held elsewhere", "chain", input.Chain)
		return result, nil
	}

	a.logger.InfoContext(ctx, "chain scan completed",
		"chain", input.Chain,
		"from", result.From,
		"to", result.To,
		"heights_scanned", result.HeightsScanned,
		"failed_heights", result.FailedHeights,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
		"partial", result.Partial,
	)

	return result, nil
}

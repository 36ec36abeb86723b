package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for chain scanning.
// Each configured chain gets its own schedule that triggers the
// ScanChainWorkflow.
type Scheduler interface {
	// UpsertChainScanSchedule creates the scan schedule for a chain, or
	// updates its interval if it already exists.
	UpsertChainScanSchedule(ctx context.Context, chain string, interval time.Duration) error

	// DeleteChainScanSchedule deletes the scan schedule for a chain.
	// This stops the chain from being scanned in the background.
	DeleteChainScanSchedule(ctx context.Context, chain string) error
}

// scheduleID returns the Temporal schedule ID for a chain.
func scheduleID(chain string) string {
	return "scan-chain-" + chain
}

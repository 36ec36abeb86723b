package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ScanChainWorkflow is the Temporal workflow that runs one scan pass for a
// chain. It is triggered by a per-chain schedule at a configured interval.
//
// The heavy lifting lives in the scan engine; the workflow exists so that
// Temporal owns the retry policy and the run history. A run that finds the
// scan lease held by another worker returns a skipped result rather than
// erroring, so schedule overlap is harmless.
func ScanChainWorkflow(ctx workflow.Context, input ScanChainInput) (*ScanChainResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ScanChainWorkflow started", "chain", input.Chain)

	activityOptions := workflow.ActivityOptions{
		// Scans are bounded by the per-chain max blocks per run, but slow
		// public RPC endpoints can stretch a pass out considerably.
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *ScanChainResult
	err := workflow.ExecuteActivity(ctx, a.RunScan, input).Get(ctx, &result)
	if err != nil {
		logger.Error("scan activity failed", "chain", input.Chain, "error", err)
		return nil, fmt.Errorf("scan activity failed for %s: %w", input.Chain, err)
	}

	if result.Skipped {
		logger.Info("ScanChainWorkflow skipped, lease held elsewhere", "chain", input.Chain)
		return result, nil
	}

	logger.Info("ScanChainWorkflow completed",
		"chain", input.Chain,
		"from", result.From,
		"to", result.To,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
		"partial", result.Partial,
	)

	return result, nil
}

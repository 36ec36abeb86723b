package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Substrate extrinsic hashes are not unique on-chain, so the canonical
// transaction identifier is "blockHeight-extrinsicIndex" (the form every
// Substrate explorer displays).
var substrateExtrinsicIDRe = regexp.MustCompile(`^([0-9]+)-([0-9]+)$`)

// SubstrateAdapter consumes a Substrate API Sidecar-style REST service,
// which returns SCALE-decoded blocks as JSON. The sidecar serves the
// finalized head by default, so the numeric confirmation lag is small.
// Balance transfers are extracted from balances.transfer* extrinsics, with
// one level of utility.batch/batchAll unwrapping.
type SubstrateAdapter struct {
	chain   string
	pool    *Pool
	minConf uint64
}

// NewSubstrateAdapter creates an adapter for a Substrate chain served by an
// API sidecar.
func NewSubstrateAdapter(chainName string, pool *Pool, minConf uint64) *SubstrateAdapter {
	return &SubstrateAdapter{chain: chainName, pool: pool, minConf: minConf}
}

func (a *SubstrateAdapter) Chain() string            { return a.chain }
func (a *SubstrateAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *SubstrateAdapter) ValidateTxHash(hash string) error {
	if !substrateExtrinsicIDRe.MatchString(hash) {
		return fmt.Errorf("%w: want a block-index extrinsic id like 12345678-2", ErrInvalidTxHash)
	}
	return nil
}

type substrateCall struct {
	Method struct {
		Pallet string `json:"pallet"`
		Method string `json:"method"`
	} `json:"method"`
	Args json.RawMessage `json:"args"`
}

type substrateExtrinsic struct {
	substrateCall
	Success bool `json:"success"`
}

type substrateBlock struct {
	Number     string               `json:"number"`
	Extrinsics []substrateExtrinsic `json:"extrinsics"`
}

// substrateTransferArgs covers balances.transfer, transferKeepAlive and
// transferAllowDeath. Dest is either {"id": "ss58"} or a bare string
// depending on sidecar version.
type substrateTransferArgs struct {
	Dest  json.RawMessage `json:"dest"`
	Value string          `json:"value"`
}

type substrateBatchArgs struct {
	Calls []substrateCall `json:"calls"`
}

type substrateTimestampArgs struct {
	Now string `json:"now"`
}

func (a *SubstrateAdapter) Tip(ctx context.Context) (uint64, error) {
	var head substrateBlock
	if err := a.pool.GetJSON(ctx, "head", "blocks/head", &head); err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(head.Number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("blocks/head: bad number %q", head.Number)
	}
	return height, nil
}

func (a *SubstrateAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	m := substrateExtrinsicIDRe.FindStringSubmatch(hash)
	if m == nil {
		return nil, fmt.Errorf("%w: want a block-index extrinsic id like 12345678-2", ErrInvalidTxHash)
	}
	height, _ := strconv.ParseUint(m[1], 10, 64)
	index, _ := strconv.Atoi(m[2])

	blk, ts, err := a.fetchBlock(ctx, height)
	if err != nil {
		return nil, err
	}
	if index >= len(blk.Extrinsics) {
		return nil, fmt.Errorf("%w: block %d has no extrinsic %d", ErrNotFound, height, index)
	}

	ext := blk.Extrinsics[index]
	result := &TxResult{Height: height, Timestamp: ts}
	if ext.Success {
		result.Transfers = transfersFromSubstrateCall(ext.substrateCall, hash, true)
	}
	return result, nil
}

func (a *SubstrateAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	blk, ts, err := a.fetchBlock(ctx, height)
	if err != nil {
		return nil, err
	}

	out := &Block{Height: height, Timestamp: ts}
	for i, ext := range blk.Extrinsics {
		if !ext.Success {
			continue
		}
		id := fmt.Sprintf("%d-%d", height, i)
		out.Transfers = append(out.Transfers, transfersFromSubstrateCall(ext.substrateCall, id, true)...)
	}
	return out, nil
}

func (a *SubstrateAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

func (a *SubstrateAdapter) fetchBlock(ctx context.Context, height uint64) (*substrateBlock, time.Time, error) {
	var blk substrateBlock
	if err := a.pool.GetJSON(ctx, "block_by_height", "blocks/"+strconv.FormatUint(height, 10), &blk); err != nil {
		return nil, time.Time{}, err
	}

	// Block time lives in the timestamp.set inherent, in milliseconds.
	var ts time.Time
	for _, ext := range blk.Extrinsics {
		if ext.Method.Pallet != "timestamp" || ext.Method.Method != "set" {
			continue
		}
		var args substrateTimestampArgs
		if err := json.Unmarshal(ext.Args, &args); err != nil {
			continue
		}
		if ms, err := strconv.ParseInt(args.Now, 10, 64); err == nil {
			ts = time.UnixMilli(ms).UTC()
		}
		break
	}

	return &blk, ts, nil
}

// transfersFromSubstrateCall extracts balance transfers from one call,
// descending exactly one level into utility batches.
func transfersFromSubstrateCall(call substrateCall, txID string, allowBatch bool) []RawTransfer {
	switch {
	case call.Method.Pallet == "balances" && isTransferMethod(call.Method.Method):
		var args substrateTransferArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil
		}
		dest := decodeSubstrateDest(args.Dest)
		if dest == "" || args.Value == "" {
			return nil
		}
		return []RawTransfer{{To: dest, Amount: args.Value, TxHash: txID}}

	case allowBatch && call.Method.Pallet == "utility" &&
		(call.Method.Method == "batch" || call.Method.Method == "batchAll" || call.Method.Method == "batch_all"):
		var args substrateBatchArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil
		}
		var out []RawTransfer
		for _, inner := range args.Calls {
			out = append(out, transfersFromSubstrateCall(inner, txID, false)...)
		}
		return out
	}
	return nil
}

func isTransferMethod(method string) bool {
	switch method {
	case "transfer", "transferKeepAlive", "transfer_keep_alive",
		"transferAllowDeath", "transfer_allow_death":
		return true
	}
	return false
}

// decodeSubstrateDest handles both MultiAddress {"id": "ss58"} and bare
// string destinations.
func decodeSubstrateDest(raw json.RawMessage) string {
	var wrapped struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.ID != "" {
		return wrapped.ID
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	return ""
}

package chain

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var tronTxHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// TronAdapter speaks the Tron full-node HTTP API (wallet/*). Destination
// addresses come back in 41-prefixed hex; they are passed through raw and
// the address codec canonicalizes them to base58check at matching time.
// Multiple TransferContracts in one transaction are Tron's batching form.
type TronAdapter struct {
	chain   string
	pool    *Pool
	minConf uint64
}

// NewTronAdapter creates an adapter for a Tron full node.
func NewTronAdapter(chainName string, pool *Pool, minConf uint64) *TronAdapter {
	return &TronAdapter{chain: chainName, pool: pool, minConf: minConf}
}

func (a *TronAdapter) Chain() string            { return a.chain }
func (a *TronAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *TronAdapter) ValidateTxHash(hash string) error {
	if !tronTxHashRe.MatchString(hash) {
		return fmt.Errorf("%w: want 64 hex chars", ErrInvalidTxHash)
	}
	return nil
}

type tronBlockHeader struct {
	RawData struct {
		Number    uint64 `json:"number"`
		Timestamp int64  `json:"timestamp"` // ms
	} `json:"raw_data"`
}

type tronBlock struct {
	BlockHeader  tronBlockHeader `json:"block_header"`
	Transactions []tronTx        `json:"transactions"`
}

type tronTx struct {
	TxID string `json:"txID"`
	Ret  []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []struct {
			Type      string `json:"type"`
			Parameter struct {
				Value struct {
					Amount       int64  `json:"amount"`
					ToAddress    string `json:"to_address"`
					OwnerAddress string `json:"owner_address"`
				} `json:"value"`
			} `json:"parameter"`
		} `json:"contract"`
	} `json:"raw_data"`
}

type tronTxInfo struct {
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimeStamp int64  `json:"blockTimeStamp"` // ms
}

func (a *TronAdapter) Tip(ctx context.Context) (uint64, error) {
	var blk tronBlock
	if err := a.pool.PostJSON(ctx, "getnowblock", "wallet/getnowblock", map[string]any{}, &blk); err != nil {
		return 0, err
	}
	if blk.BlockHeader.RawData.Number == 0 {
		return 0, fmt.Errorf("getnowblock: empty response")
	}
	return blk.BlockHeader.RawData.Number, nil
}

func (a *TronAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	if err := a.ValidateTxHash(hash); err != nil {
		return nil, err
	}
	txid := strings.ToLower(hash)

	// Tron answers an empty object, not a 404, for unknown transactions.
	var tx tronTx
	if err := a.pool.PostJSON(ctx, "gettransactionbyid", "wallet/gettransactionbyid", map[string]string{"value": txid}, &tx); err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, txid)
	}

	var info tronTxInfo
	if err := a.pool.PostJSON(ctx, "gettransactioninfobyid", "wallet/gettransactioninfobyid", map[string]string{"value": txid}, &info); err != nil {
		return nil, err
	}
	if info.BlockNumber == 0 {
		return &TxResult{Pending: true}, nil
	}

	result := &TxResult{
		Height:    info.BlockNumber,
		Timestamp: time.UnixMilli(info.BlockTimeStamp).UTC(),
	}
	result.Transfers = tronTransfersFrom(tx)
	return result, nil
}

func (a *TronAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	var blk tronBlock
	if err := a.pool.PostJSON(ctx, "getblockbynum", "wallet/getblockbynum", map[string]uint64{"num": height}, &blk); err != nil {
		return nil, err
	}
	if blk.BlockHeader.RawData.Number == 0 && height != 0 {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
	}

	out := &Block{
		Height:    height,
		Timestamp: time.UnixMilli(blk.BlockHeader.RawData.Timestamp).UTC(),
	}
	for _, tx := range blk.Transactions {
		out.Transfers = append(out.Transfers, tronTransfersFrom(tx)...)
	}
	return out, nil
}

func (a *TronAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

// tronTransfersFrom extracts native TRX transfers from a transaction. Only
// executed TransferContracts qualify; TRC-20 transfers are contract calls
// and out of scope.
func tronTransfersFrom(tx tronTx) []RawTransfer {
	if len(tx.Ret) == 0 || tx.Ret[0].ContractRet != "SUCCESS" {
		return nil
	}
	var out []RawTransfer
	for _, c := range tx.RawData.Contract {
		if c.Type != "TransferContract" || c.Parameter.Value.Amount <= 0 || c.Parameter.Value.ToAddress == "" {
			continue
		}
		out = append(out, RawTransfer{
			To:     c.Parameter.Value.ToAddress,
			Amount: strconv.FormatInt(c.Parameter.Value.Amount, 10),
			TxHash: strings.ToLower(tx.TxID),
		})
	}
	return out
}

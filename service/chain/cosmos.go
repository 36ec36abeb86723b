package chain

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var cosmosTxHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// CosmosAdapter speaks the Cosmos SDK REST (LCD) API. The tip is the latest
// committed block, which Tendermint finality makes safe at a confirmation
// depth of 1. Bank MsgSend messages carry the transfers; a multi-Msg
// transaction is the chain's batching mechanism and is decoded one level
// deep, never recursively.
type CosmosAdapter struct {
	chain   string
	pool    *Pool
	minConf uint64
	denom   string // base-unit denom that qualifies, e.g. "uatom"
}

// NewCosmosAdapter creates an adapter for a Cosmos SDK chain. denom is the
// native base-unit denomination; transfers in any other denom are ignored.
func NewCosmosAdapter(chainName string, pool *Pool, minConf uint64, denom string) *CosmosAdapter {
	return &CosmosAdapter{chain: chainName, pool: pool, minConf: minConf, denom: denom}
}

func (a *CosmosAdapter) Chain() string            { return a.chain }
func (a *CosmosAdapter) MinConfirmations() uint64 { return a.minConf }

func (a *CosmosAdapter) ValidateTxHash(hash string) error {
	if !cosmosTxHashRe.MatchString(hash) {
		return fmt.Errorf("%w: want 64 hex chars", ErrInvalidTxHash)
	}
	return nil
}

type cosmosCoin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type cosmosMsg struct {
	Type        string       `json:"@type"`
	ToAddress   string       `json:"to_address"`
	Amount      []cosmosCoin `json:"amount"`
	FromAddress string       `json:"from_address"`
}

type cosmosTxResponse struct {
	TxResponse struct {
		Height    string `json:"height"`
		Code      int    `json:"code"` // 0 = success
		Timestamp string `json:"timestamp"`
		Tx        struct {
			Body struct {
				Messages []cosmosMsg `json:"messages"`
			} `json:"body"`
		} `json:"tx"`
	} `json:"tx_response"`
}

type cosmosBlockResponse struct {
	Block struct {
		Header struct {
			Height string `json:"height"`
			Time   string `json:"time"`
		} `json:"header"`
	} `json:"block"`
}

type cosmosBlockTxsResponse struct {
	Txs []struct {
		Body struct {
			Messages []cosmosMsg `json:"messages"`
		} `json:"body"`
	} `json:"txs"`
	TxResponses []struct {
		TxHash string `json:"txhash"`
		Code   int    `json:"code"`
	} `json:"tx_responses"`
}

func (a *CosmosAdapter) Tip(ctx context.Context) (uint64, error) {
	var resp cosmosBlockResponse
	if err := a.pool.GetJSON(ctx, "latest_block", "cosmos/base/tendermint/v1beta1/blocks/latest", &resp); err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(resp.Block.Header.Height, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("latest block: bad height %q", resp.Block.Header.Height)
	}
	return height, nil
}

func (a *CosmosAdapter) TxByHash(ctx context.Context, hash string) (*TxResult, error) {
	if err := a.ValidateTxHash(hash); err != nil {
		return nil, err
	}
	// The LCD indexes hashes upper-case.
	txHash := strings.ToUpper(hash)

	var resp cosmosTxResponse
	if err := a.pool.GetJSON(ctx, "tx_by_hash", "cosmos/tx/v1beta1/txs/"+txHash, &resp); err != nil {
		return nil, err
	}

	height, err := strconv.ParseUint(resp.TxResponse.Height, 10, 64)
	if err != nil || height == 0 {
		return &TxResult{Pending: true}, nil
	}

	ts, err := time.Parse(time.RFC3339, resp.TxResponse.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("tx %s: bad timestamp %q", txHash, resp.TxResponse.Timestamp)
	}

	result := &TxResult{Height: height, Timestamp: ts.UTC()}
	if resp.TxResponse.Code == 0 {
		result.Transfers = a.transfersFrom(resp.TxResponse.Tx.Body.Messages, txHash)
	}
	return result, nil
}

func (a *CosmosAdapter) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	h := strconv.FormatUint(height, 10)

	var blockResp cosmosBlockResponse
	if err := a.pool.GetJSON(ctx, "block_by_height", "cosmos/base/tendermint/v1beta1/blocks/"+h, &blockResp); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, blockResp.Block.Header.Time)
	if err != nil {
		return nil, fmt.Errorf("block %d: bad time %q", height, blockResp.Block.Header.Time)
	}

	var txsResp cosmosBlockTxsResponse
	if err := a.pool.GetJSON(ctx, "block_txs", "cosmos/tx/v1beta1/txs/block/"+h, &txsResp); err != nil {
		return nil, err
	}

	out := &Block{Height: height, Timestamp: ts.UTC()}
	for i, tx := range txsResp.Txs {
		if i >= len(txsResp.TxResponses) || txsResp.TxResponses[i].Code != 0 {
			continue
		}
		out.Transfers = append(out.Transfers, a.transfersFrom(tx.Body.Messages, txsResp.TxResponses[i].TxHash)...)
	}
	return out, nil
}

func (a *CosmosAdapter) BlockRange(ctx context.Context, from, to uint64) ([]Block, error) {
	return blockRange(ctx, a, from, to)
}

// transfersFrom extracts native bank sends from a message list. Only the
// top-level messages are inspected; nested authz/ICA wrappers are out of
// scope.
func (a *CosmosAdapter) transfersFrom(msgs []cosmosMsg, txHash string) []RawTransfer {
	var out []RawTransfer
	for _, msg := range msgs {
		if msg.Type != "/cosmos.bank.v1beta1.MsgSend" || msg.ToAddress == "" {
			continue
		}
		for _, coin := range msg.Amount {
			if coin.Denom != a.denom {
				continue
			}
			out = append(out, RawTransfer{
				To:     msg.ToAddress,
				Amount: coin.Amount,
				TxHash: strings.ToUpper(txHash),
			})
		}
	}
	return out
}

package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cosmosTestHash = "E5C3E1A2B4D6F8A0C2E4B6D8F0A2C4E6B8D0F2A4C6E8B0D2F4A6C8E0B2D4F6A8"

func cosmosTestServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for suffix, body := range routes {
			if strings.HasSuffix(r.URL.Path, suffix) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(body))
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestCosmosAdapter_ValidateTxHash(t *testing.T) {
	a := NewCosmosAdapter("cosmos", nil, 1, "uatom")

	assert.NoError(t, a.ValidateTxHash(cosmosTestHash))
	assert.NoError(t, a.ValidateTxHash(strings.ToLower(cosmosTestHash)))
	assert.ErrorIs(t, a.ValidateTxHash("nope"), ErrInvalidTxHash)
}

func TestCosmosAdapter_Tip(t *testing.T) {
	server := cosmosTestServer(t, map[string]string{
		"blocks/latest": `{"block":{"header":{"height":"23456789","time":"2026-08-28T10:00:00Z"}}}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewCosmosAdapter("cosmos", pool, 1, "uatom")

	tip, err := a.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(23456789), tip)
}

func TestCosmosAdapter_TxByHash(t *testing.T) {
	server := cosmosTestServer(t, map[string]string{
		"txs/" + cosmosTestHash: `{
			"tx_response": {
				"height": "23456700",
				"code": 0,
				"timestamp": "2026-08-28T10:00:00Z",
				"tx": {
					"body": {
						"messages": [
							{
								"@type": "/cosmos.bank.v1beta1.MsgSend",
								"from_address": "cosmos1sender",
								"to_address": "cosmos1dest",
								"amount": [
									{"denom": "uatom", "amount": "2500000"},
									{"denom": "uosmo", "amount": "999"}
								]
							},
							{
								"@type": "/cosmos.gov.v1beta1.MsgVote"
							}
						]
					}
				}
			}
		}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewCosmosAdapter("cosmos", pool, 1, "uatom")

	// Submitted lower-case; the adapter queries the LCD upper-case.
	result, err := a.TxByHash(context.Background(), strings.ToLower(cosmosTestHash))
	require.NoError(t, err)
	assert.Equal(t, uint64(23456700), result.Height)
	require.Len(t, result.Transfers, 1)
	assert.Equal(t, "cosmos1dest", result.Transfers[0].To)
	assert.Equal(t, "2500000", result.Transfers[0].Amount)
	assert.Equal(t, cosmosTestHash, result.Transfers[0].TxHash)
}

func TestCosmosAdapter_TxByHash_FailedTxHasNoTransfers(t *testing.T) {
	server := cosmosTestServer(t, map[string]string{
		"txs/" + cosmosTestHash: `{
			"tx_response": {
				"height": "23456700",
				"code": 5,
				"timestamp": "2026-08-28T10:00:00Z",
				"tx": {"body": {"messages": [
					{"@type": "/cosmos.bank.v1beta1.MsgSend", "to_address": "cosmos1dest",
					 "amount": [{"denom": "uatom", "amount": "100"}]}
				]}}
			}
		}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewCosmosAdapter("cosmos", pool, 1, "uatom")

	result, err := a.TxByHash(context.Background(), cosmosTestHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(23456700), result.Height)
	assert.Empty(t, result.Transfers)
}

func TestCosmosAdapter_TxByHash_NotFound(t *testing.T) {
	server := cosmosTestServer(t, map[string]string{})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewCosmosAdapter("cosmos", pool, 1, "uatom")

	_, err := a.TxByHash(context.Background(), cosmosTestHash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCosmosAdapter_BlockByHeight(t *testing.T) {
	server := cosmosTestServer(t, map[string]string{
		"blocks/23456700": `{"block":{"header":{"height":"23456700","time":"2026-08-28T10:00:00.123456789Z"}}}`,
		"txs/block/23456700": `{
			"txs": [
				{"body": {"messages": [
					{"@type": "/cosmos.bank.v1beta1.MsgSend", "to_address": "cosmos1dest",
					 "amount": [{"denom": "uatom", "amount": "42"}]}
				]}},
				{"body": {"messages": [
					{"@type": "/cosmos.bank.v1beta1.MsgSend", "to_address": "cosmos1other",
					 "amount": [{"denom": "uatom", "amount": "7"}]}
				]}}
			],
			"tx_responses": [
				{"txhash": "` + cosmosTestHash + `", "code": 0},
				{"txhash": "AAAA", "code": 11}
			]
		}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewCosmosAdapter("cosmos", pool, 1, "uatom")

	blk, err := a.BlockByHeight(context.Background(), 23456700)
	require.NoError(t, err)
	assert.Equal(t, uint64(23456700), blk.Height)
	// Second transaction failed on-chain and contributes nothing.
	require.Len(t, blk.Transfers, 1)
	assert.Equal(t, "cosmos1dest", blk.Transfers[0].To)
	assert.Equal(t, "42", blk.Transfers[0].Amount)
}

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

const tronTestTxid = "7c2d4b6a8e0f2a4c6e8b0d2f4a6c8e0b2d4f6a8c0e2b4d6f8a0c2e4b6d8f0a2c"

func tronTestServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestTronAdapter_Tip(t *testing.T) {
	server := tronTestServer(t, map[string]string{
		"wallet/getnowblock": `{"block_header":{"raw_data":{"number":63000000,"timestamp":1756300000000}}}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewTronAdapter("tron", pool, 19)

	tip, err := a.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(63000000), tip)
}

func TestTronAdapter_TxByHash(t *testing.T) {
	server := tronTestServer(t, map[string]string{
		"wallet/gettransactionbyid": `{
			"txID": "` + tronTestTxid + `",
			"ret": [{"contractRet": "SUCCESS"}],
			"raw_data": {"contract": [
				{"type": "TransferContract", "parameter": {"value": {
					"amount": 5000000,
					"to_address": "41a614f803b6fd780986a42c78ec9c7f77e6ded13c",
					"owner_address": "41b. . ."
				}}},
				{"type": "TriggerSmartContract", "parameter": {"value": {"amount": 0}}}
			]}
		}`,
		"wallet/gettransactioninfobyid": `{"blockNumber":62999000,"blockTimeStamp":1756290000000}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewTronAdapter("tron", pool, 19)

	result, err := a.TxByHash(context.Background(), tronTestTxid)
	require.NoError(t, err)
	assert.Equal(t, uint64(62999000), result.Height)
	require.Len(t, result.Transfers, 1)
	assert.Equal(t, "41a614f803b6fd780986a42c78ec9c7f77e6ded13c", result.Transfers[0].To)
	assert.Equal(t, "5000000", result.Transfers[0].Amount)
	assert.Equal(t, tronTestTxid, result.Transfers[0].TxHash)
}

func TestTronAdapter_TxByHash_NotFound(t *testing.T) {
	// Tron answers an empty object for unknown transactions.
	server := tronTestServer(t, map[string]string{
		"wallet/gettransactionbyid": `{}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewTronAdapter("tron", pool, 19)

	_, err := a.TxByHash(context.Background(), tronTestTxid)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTronAdapter_TxByHash_Pending(t *testing.T) {
	server := tronTestServer(t, map[string]string{
		"wallet/gettransactionbyid": `{
			"txID": "` + tronTestTxid + `",
			"ret": [{"contractRet": "SUCCESS"}],
			"raw_data": {"contract": []}
		}`,
		"wallet/gettransactioninfobyid": `{}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewTronAdapter("tron", pool, 19)

	result, err := a.TxByHash(context.Background(), tronTestTxid)
	require.NoError(t, err)
	assert.True(t, result.Pending)
}

func TestTronAdapter_TxByHash_RevertedHasNoTransfers(t *testing.T) {
	server := tronTestServer(t, map[string]string{
		"wallet/gettransactionbyid": `{
			"txID": "` + tronTestTxid + `",
			"ret": [{"contractRet": "REVERT"}],
			"raw_data": {"contract": [
				{"type": "TransferContract", "parameter": {"value": {
					"amount": 5000000, "to_address": "41aa"
				}}}
			]}
		}`,
		"wallet/gettransactioninfobyid": `{"blockNumber":62999000,"blockTimeStamp":1756290000000}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewTronAdapter("tron", pool, 19)

	result, err := a.TxByHash(context.Background(), tronTestTxid)
	require.NoError(t, err)
	assert.Empty(t, result.Transfers)
}

func TestTronAdapter_BlockByHeight(t *testing.T) {
	server := tronTestServer(t, map[string]string{
		"wallet/getblockbynum": `{
			"block_header": {"raw_data": {"number": 62999000, "timestamp": 1756290000000}},
			"transactions": [
				{
					"txID": "` + tronTestTxid + `",
					"ret": [{"contractRet": "SUCCESS"}],
					"raw_data": {"contract": [
						{"type": "TransferContract", "parameter": {"value": {
							"amount": 1000000, "to_address": "41aa"
						}}}
					]}
				}
			]
		}`,
	})
	defer server.Close()

	pool := newTestPool(t, Endpoint{URL: server.URL})
	a := NewTronAdapter("tron", pool, 19)

	blk, err := a.BlockByHeight(context.Background(), 62999000)
	require.NoError(t, err)
	assert.Equal(t, uint64(62999000), blk.Height)
	require.Len(t, blk.Transfers, 1)
	assert.Equal(t, "1000000", blk.Transfers[0].Amount)
}

func TestTronAdapter_ValidateTxHash(t *testing.T) {
	a := NewTronAdapter("tron", nil, 19)
	assert.NoError(t, a.ValidateTxHash(tronTestTxid))
	assert.ErrorIs(t, a.ValidateTxHash("xyz"), ErrInvalidTxHash)
}

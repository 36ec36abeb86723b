package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("chain") {
		case "ethereum":
			w.Write([]byte(`{"usd": "2501.13"}`))
		case "bitcoin":
			// Bare numbers are accepted too.
			w.Write([]byte(`{"usd": 64250.5}`))
		default:
			http.Error(w, "unknown chain", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL)
	ctx := context.Background()

	p, err := oracle.PriceUSD(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("2501.13")))

	p, err = oracle.PriceUSD(ctx, "bitcoin")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("64250.5")))

	_, err = oracle.PriceUSD(ctx, "dogechain")
	require.Error(t, err)
}

func TestHTTPOracle_TightTimeout(t *testing.T) {
	// Pricing must never hold up a claim; the client budget stays well
	// below the chain pool's per-call timeout.
	oracle := NewHTTPOracle("http://localhost:1")
	assert.Equal(t, oracleTimeout, oracle.client.Timeout)
}

func TestStatic(t *testing.T) {
	oracle := Static{"stellar": decimal.RequireFromString("0.11")}

	p, err := oracle.PriceUSD(context.Background(), "stellar")
	require.NoError(t, err)
	assert.Equal(t, "0.11", p.String())

	_, err = oracle.PriceUSD(context.Background(), "tron")
	require.Error(t, err)
}

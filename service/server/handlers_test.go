package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfund/ledgercore/service/chain"
	"github.com/chainfund/ledgercore/service/db"
	"github.com/chainfund/ledgercore/service/verify"
)

const (
	testSecret  = "test-secret"
	projectAddr = "0x52908400098527886e0f7030069857d2e4169ee7"
	testTxHash  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeAdapter scripts one confirmed transaction.
type fakeAdapter struct {
	tx    *chain.TxResult
	txErr error
}

func (f *fakeAdapter) Chain() string                       { return "ethereum" }
func (f *fakeAdapter) MinConfirmations() uint64            { return 6 }
func (f *fakeAdapter) ValidateTxHash(string) error         { return nil }
func (f *fakeAdapter) Tip(context.Context) (uint64, error) { return 200, nil }
func (f *fakeAdapter) TxByHash(context.Context, string) (*chain.TxResult, error) {
	return f.tx, f.txErr
}
func (f *fakeAdapter) BlockByHeight(context.Context, uint64) (*chain.Block, error) {
	return nil, errors.New("not scripted")
}
func (f *fakeAdapter) BlockRange(context.Context, uint64, uint64) ([]chain.Block, error) {
	return nil, errors.New("not scripted")
}

type fakeStore struct {
	rows map[string]struct{}
}

func (s *fakeStore) ContributionExists(_ context.Context, chain, txHash string) (bool, error) {
	_, ok := s.rows[chain+txHash]
	return ok, nil
}

func (s *fakeStore) InsertContribution(_ context.Context, p db.InsertContributionParams) (bool, error) {
	k := p.Chain + p.TxHash
	if _, ok := s.rows[k]; ok {
		return false, nil
	}
	s.rows[k] = struct{}{}
	return true, nil
}

func (s *fakeStore) AttachContributionPrice(context.Context, string, string, int64, string) error {
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Lookup(_ context.Context, _, addr string) (*db.ProjectWallet, error) {
	if addr == projectAddr {
		return &db.ProjectWallet{ID: 7, ProjectID: "p1", Chain: "ethereum", Address: addr}, nil
	}
	return nil, nil
}

func claimHandler(t *testing.T, adapter *fakeAdapter) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := verify.NewEngine(
		chain.Set{"ethereum": adapter},
		map[string]verify.ChainInfo{"ethereum": {Decimals: 18}},
		&fakeStore{rows: map[string]struct{}{}},
		fakeResolver{},
		nil, nil, nil, logger,
	)
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/claims/{chain}", bearerAuth(testSecret, logger)(handleSubmitClaim(engine, logger)))
	return mux
}

func confirmedTx() *chain.TxResult {
	return &chain.TxResult{
		Height:    100,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Transfers: []chain.RawTransfer{{To: projectAddr, Amount: "250000000000000000", TxHash: testTxHash}},
	}
}

func doClaim(t *testing.T, h http.Handler, token, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims/ethereum", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func TestSubmitClaim_Inserted(t *testing.T) {
	h := claimHandler(t, &fakeAdapter{tx: confirmedTx()})

	rec, resp := doClaim(t, h, testSecret, `{"tx_hash": "`+testTxHash+`"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, "inserted", resp.Code)

	data := resp.Data.(map[string]interface{})
	contribs := data["contributions"].([]interface{})
	require.Len(t, contribs, 1)
	first := contribs[0].(map[string]interface{})
	assert.Equal(t, "0.25", first["amount_canonical"])
}

func TestSubmitClaim_Unauthorized(t *testing.T) {
	h := claimHandler(t, &fakeAdapter{tx: confirmedTx()})

	t.Run("missing token", func(t *testing.T) {
		rec, resp := doClaim(t, h, "", `{"tx_hash": "`+testTxHash+`"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, resp.OK)
		assert.Equal(t, "unauthorized", resp.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		rec, _ := doClaim(t, h, "wrong", `{"tx_hash": "`+testTxHash+`"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSubmitClaim_InvalidPayload(t *testing.T) {
	h := claimHandler(t, &fakeAdapter{tx: confirmedTx()})

	t.Run("malformed JSON", func(t *testing.T) {
		rec, resp := doClaim(t, h, testSecret, `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_payload", resp.Code)
	})

	t.Run("missing tx_hash", func(t *testing.T) {
		rec, resp := doClaim(t, h, testSecret, `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_payload", resp.Code)
	})
}

func TestSubmitClaim_NotFoundAndPending(t *testing.T) {
	t.Run("tx not found", func(t *testing.T) {
		h := claimHandler(t, &fakeAdapter{txErr: chain.ErrNotFound})
		rec, resp := doClaim(t, h, testSecret, `{"tx_hash": "`+testTxHash+`"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "tx_not_found", resp.Code)
	})

	t.Run("tx pending", func(t *testing.T) {
		h := claimHandler(t, &fakeAdapter{tx: &chain.TxResult{Pending: true}})
		rec, resp := doClaim(t, h, testSecret, `{"tx_hash": "`+testTxHash+`"}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "tx_pending", resp.Code)
		assert.False(t, resp.OK)
	})
}

func TestSubmitClaim_DuplicateSecondCall(t *testing.T) {
	h := claimHandler(t, &fakeAdapter{tx: confirmedTx()})
	body := `{"tx_hash": "` + testTxHash + `"}`

	rec, _ := doClaim(t, h, testSecret, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := doClaim(t, h, testSecret, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", resp.Code)
	assert.True(t, resp.OK)
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		outcome verify.Outcome
		status  int
	}{
		{verify.OutcomeInserted, http.StatusCreated},
		{verify.OutcomeDuplicate, http.StatusOK},
		{verify.OutcomeTxPending, http.StatusAccepted},
		{verify.OutcomeTxNotFound, http.StatusNotFound},
		{verify.OutcomeNotProjectWallet, http.StatusUnprocessableEntity},
		{verify.OutcomeInvalidPayload, http.StatusBadRequest},
		{verify.OutcomeUnauthorized, http.StatusUnauthorized},
		{verify.OutcomeRPCError, http.StatusBadGateway},
		{verify.OutcomeDBError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, outcomeStatus(tt.outcome), string(tt.outcome))
	}
}

package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfund/ledgercore/service/chain"
	"github.com/chainfund/ledgercore/service/db"
	natspkg "github.com/chainfund/ledgercore/service/nats"
	"github.com/chainfund/ledgercore/service/pricing"
)

// fakeAdapter is a scriptable chain.Adapter.
type fakeAdapter struct {
	name     string
	tip      uint64
	tipErr   error
	tx       *chain.TxResult
	txErr    error
	minConf  uint64
	badHash  bool
	rpcCalls atomic.Int64
}

func (f *fakeAdapter) Chain() string            { return f.name }
func (f *fakeAdapter) MinConfirmations() uint64 { return f.minConf }

func (f *fakeAdapter) ValidateTxHash(string) error {
	if f.badHash {
		return fmt.Errorf("%w: malformed", chain.ErrInvalidTxHash)
	}
	return nil
}

func (f *fakeAdapter) Tip(context.Context) (uint64, error) {
	f.rpcCalls.Add(1)
	return f.tip, f.tipErr
}

func (f *fakeAdapter) TxByHash(context.Context, string) (*chain.TxResult, error) {
	f.rpcCalls.Add(1)
	return f.tx, f.txErr
}

func (f *fakeAdapter) BlockByHeight(context.Context, uint64) (*chain.Block, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeAdapter) BlockRange(context.Context, uint64, uint64) ([]chain.Block, error) {
	return nil, errors.New("not scripted")
}

// fakeStore records inserts; rows keyed by the natural key.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]db.InsertContributionParams
	prices    map[string]string
	insertErr error
	existsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]db.InsertContributionParams{}, prices: map[string]string{}}
}

func (s *fakeStore) key(chain, txHash string, walletID int64) string {
	return fmt.Sprintf("%s/%s/%d", chain, txHash, walletID)
}

func (s *fakeStore) ContributionExists(_ context.Context, chain, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	for _, p := range s.rows {
		if p.Chain == chain && p.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) InsertContribution(_ context.Context, params db.InsertContributionParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	k := s.key(params.Chain, params.TxHash, params.WalletID)
	if _, ok := s.rows[k]; ok {
		return false, nil
	}
	s.rows[k] = params
	return true, nil
}

func (s *fakeStore) AttachContributionPrice(_ context.Context, chain, txHash string, walletID int64, priceUSD string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[s.key(chain, txHash, walletID)] = priceUSD
	return nil
}

// fakeResolver maps raw addresses to wallets.
type fakeResolver struct {
	wallets map[string]*db.ProjectWallet
}

func (r *fakeResolver) Lookup(_ context.Context, _, addr string) (*db.ProjectWallet, error) {
	return r.wallets[addr], nil
}

func testEngine(adapter *fakeAdapter, store *fakeStore, resolver *fakeResolver, pub natspkg.Publisher, oracle pricing.Oracle) *Engine {
	adapters := chain.Set{adapter.name: adapter}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(adapters, map[string]ChainInfo{adapter.name: {Decimals: 18}}, store, resolver, pub, oracle, nil, logger)
}

const (
	projectAddr = "0xproject"
	otherAddr   = "0xother"
	txHash      = "0xabc"
)

func confirmedTx(transfers ...chain.RawTransfer) *chain.TxResult {
	return &chain.TxResult{
		Height:    100,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Transfers: transfers,
	}
}

func projectResolver() *fakeResolver {
	return &fakeResolver{wallets: map[string]*db.ProjectWallet{
		projectAddr: {ID: 7, ProjectID: "p1", Chain: "ethereum", Address: projectAddr},
	}}
}

func TestVerify_Inserted(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "250000000000000000", TxHash: txHash}),
	}
	store := newFakeStore()
	engine := testEngine(adapter, store, projectResolver(), nil, nil)

	res := engine.Verify(context.Background(), "ethereum", txHash)
	require.Equal(t, OutcomeInserted, res.Outcome)
	require.Len(t, res.Contributions, 1)
	assert.Equal(t, "250000000000000000", res.Contributions[0].AmountBase)
	assert.Equal(t, "0.25", res.Contributions[0].AmountCanonical)
	assert.Equal(t, "claim", res.Contributions[0].Source)
	assert.Equal(t, int64(100), res.Contributions[0].BlockHeight)
}

func TestVerify_DuplicateOnSecondClaim(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1000", TxHash: txHash}),
	}
	store := newFakeStore()
	engine := testEngine(adapter, store, projectResolver(), nil, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeInserted, engine.Verify(ctx, "ethereum", txHash).Outcome)
	assert.Equal(t, OutcomeDuplicate, engine.Verify(ctx, "ethereum", txHash).Outcome)
	assert.Len(t, store.rows, 1)
}

func TestVerify_DuplicateSkipsChainLookup(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1000", TxHash: txHash}),
	}
	store := newFakeStore()
	engine := testEngine(adapter, store, projectResolver(), nil, nil)
	ctx := context.Background()

	require.Equal(t, OutcomeInserted, engine.Verify(ctx, "ethereum", txHash).Outcome)
	before := adapter.rpcCalls.Load()

	// The second claim is answered from the ledger alone.
	assert.Equal(t, OutcomeDuplicate, engine.Verify(ctx, "ethereum", txHash).Outcome)
	assert.Equal(t, before, adapter.rpcCalls.Load())
}

func TestVerify_PreCheckFailureStillVerifies(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1000", TxHash: txHash}),
	}
	store := newFakeStore()
	store.existsErr = errors.New("connection refused")
	engine := testEngine(adapter, store, projectResolver(), nil, nil)

	// A failed pre-check only loses the shortcut; the claim proceeds and
	// the insert conflict still decides inserted vs duplicate.
	res := engine.Verify(context.Background(), "ethereum", txHash)
	assert.Equal(t, OutcomeInserted, res.Outcome)
}

func TestVerify_ConcurrentClaimsInsertOnce(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1000", TxHash: txHash}),
	}
	store := newFakeStore()
	engine := testEngine(adapter, store, projectResolver(), nil, nil)

	const claims = 16
	outcomes := make(chan Outcome, claims)
	var wg sync.WaitGroup
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- engine.Verify(context.Background(), "ethereum", txHash).Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	inserted, duplicate := 0, 0
	for outcome := range outcomes {
		switch outcome {
		case OutcomeInserted:
			inserted++
		case OutcomeDuplicate:
			duplicate++
		default:
			t.Fatalf("unexpected outcome %q", outcome)
		}
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, claims-1, duplicate)
	assert.Len(t, store.rows, 1)
}

func TestVerify_SumsSameWalletOutputs(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(
			chain.RawTransfer{To: projectAddr, Amount: "100", TxHash: txHash},
			chain.RawTransfer{To: otherAddr, Amount: "5000", TxHash: txHash},
			chain.RawTransfer{To: projectAddr, Amount: "250", TxHash: txHash},
		),
	}
	store := newFakeStore()
	engine := testEngine(adapter, store, projectResolver(), nil, nil)

	res := engine.Verify(context.Background(), "ethereum", txHash)
	require.Equal(t, OutcomeInserted, res.Outcome)
	require.Len(t, res.Contributions, 1)
	assert.Equal(t, "350", res.Contributions[0].AmountBase)
}

func TestVerify_NotProjectWallet(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: otherAddr, Amount: "1000", TxHash: txHash}),
	}
	engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)

	res := engine.Verify(context.Background(), "ethereum", txHash)
	assert.Equal(t, OutcomeNotProjectWallet, res.Outcome)
}

func TestVerify_TxNotFound(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 200, minConf: 6, txErr: chain.ErrNotFound}
	engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)

	res := engine.Verify(context.Background(), "ethereum", txHash)
	assert.Equal(t, OutcomeTxNotFound, res.Outcome)
}

func TestVerify_PendingStates(t *testing.T) {
	t.Run("not yet in a block", func(t *testing.T) {
		adapter := &fakeAdapter{
			name: "ethereum", tip: 200, minConf: 6,
			tx: &chain.TxResult{Pending: true},
		}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		assert.Equal(t, OutcomeTxPending, engine.Verify(context.Background(), "ethereum", txHash).Outcome)
	})

	t.Run("insufficient confirmations", func(t *testing.T) {
		adapter := &fakeAdapter{
			name: "ethereum", tip: 103, minConf: 6,
			tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1", TxHash: txHash}),
		}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		res := engine.Verify(context.Background(), "ethereum", txHash)
		assert.Equal(t, OutcomeTxPending, res.Outcome)
		assert.Contains(t, res.Message, "confirmations")
	})

	t.Run("exactly enough confirmations", func(t *testing.T) {
		adapter := &fakeAdapter{
			name: "ethereum", tip: 106, minConf: 6,
			tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1", TxHash: txHash}),
		}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		assert.Equal(t, OutcomeInserted, engine.Verify(context.Background(), "ethereum", txHash).Outcome)
	})
}

func TestVerify_InvalidPayload(t *testing.T) {
	t.Run("unknown chain", func(t *testing.T) {
		adapter := &fakeAdapter{name: "ethereum"}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		assert.Equal(t, OutcomeInvalidPayload, engine.Verify(context.Background(), "dogechain", txHash).Outcome)
	})

	t.Run("malformed hash", func(t *testing.T) {
		adapter := &fakeAdapter{name: "ethereum", badHash: true}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		assert.Equal(t, OutcomeInvalidPayload, engine.Verify(context.Background(), "ethereum", "zzz").Outcome)
	})
}

func TestVerify_RPCAndDBErrors(t *testing.T) {
	t.Run("lookup failure", func(t *testing.T) {
		adapter := &fakeAdapter{name: "ethereum", txErr: chain.ErrAllEndpointsFailed}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		assert.Equal(t, OutcomeRPCError, engine.Verify(context.Background(), "ethereum", txHash).Outcome)
	})

	t.Run("tip failure", func(t *testing.T) {
		adapter := &fakeAdapter{
			name: "ethereum", tipErr: chain.ErrAllEndpointsFailed,
			tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1", TxHash: txHash}),
		}
		engine := testEngine(adapter, newFakeStore(), projectResolver(), nil, nil)
		assert.Equal(t, OutcomeRPCError, engine.Verify(context.Background(), "ethereum", txHash).Outcome)
	})

	t.Run("insert failure", func(t *testing.T) {
		adapter := &fakeAdapter{
			name: "ethereum", tip: 200, minConf: 6,
			tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1", TxHash: txHash}),
		}
		store := newFakeStore()
		store.insertErr = errors.New("connection refused")
		engine := testEngine(adapter, store, projectResolver(), nil, nil)
		assert.Equal(t, OutcomeDBError, engine.Verify(context.Background(), "ethereum", txHash).Outcome)
	})
}

func TestVerify_PublishesAndPricesOnInsert(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 200, minConf: 6,
		tx: confirmedTx(chain.RawTransfer{To: projectAddr, Amount: "1000000000000000000", TxHash: txHash}),
	}
	store := newFakeStore()
	pub := natspkg.NewMockPublisher()
	oracle := pricing.Static{"ethereum": decimal.RequireFromString("2500")}
	engine := testEngine(adapter, store, projectResolver(), pub, oracle)

	res := engine.Verify(context.Background(), "ethereum", txHash)
	require.Equal(t, OutcomeInserted, res.Outcome)

	// Side effects are async and best-effort.
	assert.Eventually(t, func() bool {
		if pub.GetPublishedEventCount() != 1 {
			return false
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.prices[store.key("ethereum", txHash, 7)] == "2500"
	}, 2*time.Second, 10*time.Millisecond)

	events := pub.GetPublishedEventsForChain("ethereum")
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].AmountCanonical)
	assert.Equal(t, "claim", events[0].Source)
}

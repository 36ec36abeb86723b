package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfund/ledgercore/service/chain"
	"github.com/chainfund/ledgercore/service/db"
)

const walletAddr = "0x52908400098527886e0f7030069857d2e4169ee7"

// fakeAdapter serves scripted blocks by height.
type fakeAdapter struct {
	name       string
	tip        uint64
	minConf    uint64
	blocks     map[uint64]*chain.Block
	failAt     map[uint64]bool
	fetchCount int
}

func (f *fakeAdapter) Chain() string            { return f.name }
func (f *fakeAdapter) MinConfirmations() uint64 { return f.minConf }
func (f *fakeAdapter) ValidateTxHash(string) error {
	return nil
}
func (f *fakeAdapter) Tip(context.Context) (uint64, error) { return f.tip, nil }
func (f *fakeAdapter) TxByHash(context.Context, string) (*chain.TxResult, error) {
	return nil, chain.ErrNotFound
}
func (f *fakeAdapter) BlockByHeight(_ context.Context, h uint64) (*chain.Block, error) {
	f.fetchCount++
	if f.failAt[h] {
		return nil, errors.New("rpc failure")
	}
	if b, ok := f.blocks[h]; ok {
		return b, nil
	}
	return &chain.Block{Height: h}, nil
}
func (f *fakeAdapter) BlockRange(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	var out []chain.Block
	for h := from; h <= to; h++ {
		b, err := f.BlockByHeight(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// fakeStore implements Store in memory.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]db.InsertContributionParams
	cursor      *db.Cursor
	leaseHolder string
	leaseBusy   bool
	cursorSets  []uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]db.InsertContributionParams{}}
}

func (s *fakeStore) InsertContribution(_ context.Context, p db.InsertContributionParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s/%s/%d", p.Chain, p.TxHash, p.WalletID)
	if _, ok := s.rows[k]; ok {
		return false, nil
	}
	s.rows[k] = p
	return true, nil
}

func (s *fakeStore) AttachContributionPrice(context.Context, string, string, int64, string) error {
	return nil
}

func (s *fakeStore) GetCursor(_ context.Context, _ string) (*db.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *fakeStore) SetCursor(_ context.Context, chainName string, height uint64, partial, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor != nil && !override && s.cursor.Height > height {
		return nil
	}
	s.cursor = &db.Cursor{Chain: chainName, Height: height, Partial: partial}
	s.cursorSets = append(s.cursorSets, height)
	return nil
}

func (s *fakeStore) AcquireScanLease(_ context.Context, _, holder string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseBusy {
		return false, nil
	}
	s.leaseHolder = holder
	return true, nil
}

func (s *fakeStore) ReleaseScanLease(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseHolder = ""
	return nil
}

// fakeWallets is a fixed snapshot.
type fakeWallets map[string]int64

func (f fakeWallets) Snapshot(context.Context, string) (map[string]int64, error) {
	return f, nil
}

func testScanner(adapter *fakeAdapter, store *fakeStore, wallets fakeWallets) *Scanner {
	return New(Config{
		Adapters: chain.Set{adapter.name: adapter},
		Settings: map[string]ChainSettings{
			adapter.name: {Decimals: 18, Lookback: 10, MaxBlocksPerRun: 100},
		},
		Store:              store,
		Wallets:            wallets,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		CheckpointInterval: 25,
	})
}

func blockWithTransfer(h uint64, txHash, to, amt string) *chain.Block {
	return &chain.Block{
		Height:    h,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Transfers: []chain.RawTransfer{{To: to, Amount: amt, TxHash: txHash}},
	}
}

func TestRun_BootstrapWindowAndInsert(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 106, minConf: 6,
		blocks: map[uint64]*chain.Block{
			95: blockWithTransfer(95, "0xaaa", walletAddr, "1000"),
		},
	}
	store := newFakeStore()
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)

	// safeTip = 100, lookback 10 -> window [91, 100].
	assert.Equal(t, uint64(91), summary.From)
	assert.Equal(t, uint64(100), summary.To)
	assert.Equal(t, 10, summary.HeightsScanned)
	assert.Equal(t, 1, summary.Inserted)
	assert.False(t, summary.Partial)

	require.NotNil(t, store.cursor)
	assert.Equal(t, uint64(100), store.cursor.Height)
}

func TestRun_ResumesFromCursor(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 120, minConf: 6}
	store := newFakeStore()
	store.cursor = &db.Cursor{Chain: "ethereum", Height: 100}
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), summary.From)
	assert.Equal(t, uint64(114), summary.To)
}

func TestRun_CaughtUp(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 106, minConf: 6}
	store := newFakeStore()
	store.cursor = &db.Cursor{Chain: "ethereum", Height: 100}
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.HeightsScanned)
	assert.Equal(t, 0, adapter.fetchCount)
}

func TestRun_PartialOnFailedHeight(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 106, minConf: 6,
		failAt: map[uint64]bool{93: true},
	}
	store := newFakeStore()
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	assert.True(t, summary.Partial)
	assert.Equal(t, 1, summary.FailedHeights)
	assert.Equal(t, 10, summary.HeightsScanned)

	// Cursor still advances but carries the partial flag.
	require.NotNil(t, store.cursor)
	assert.Equal(t, uint64(100), store.cursor.Height)
	assert.True(t, store.cursor.Partial)
}

func TestRun_PartialCursorRecoversWindow(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 120, minConf: 6}
	store := newFakeStore()
	store.cursor = &db.Cursor{Chain: "ethereum", Height: 100, Partial: true}
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	// Partial cursor re-covers [cursor-lookback+1, ...].
	assert.Equal(t, uint64(91), summary.From)
}

func TestRun_PartialRecoveryWithLookbackWiderThanWindow(t *testing.T) {
	// Ethereum-shaped settings: the lookback is wider than one run's
	// window. The partial re-cover must still reach the stored height so
	// the flag clears and the next run advances.
	adapter := &fakeAdapter{name: "ethereum", tip: 5000, minConf: 6}
	store := newFakeStore()
	store.cursor = &db.Cursor{Chain: "ethereum", Height: 1000, Partial: true}
	scanner := New(Config{
		Adapters: chain.Set{"ethereum": adapter},
		Settings: map[string]ChainSettings{
			"ethereum": {Decimals: 18, Lookback: 128, MaxBlocksPerRun: 50},
		},
		Store:              store,
		Wallets:            fakeWallets{walletAddr: 7},
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		CheckpointInterval: 25,
	})
	ctx := context.Background()

	first, err := scanner.Run(ctx, "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(951), first.From)
	assert.Equal(t, uint64(1000), first.To)

	store.mu.Lock()
	cursor := store.cursor
	store.mu.Unlock()
	require.NotNil(t, cursor)
	assert.Equal(t, uint64(1000), cursor.Height)
	assert.False(t, cursor.Partial)

	second, err := scanner.Run(ctx, "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), second.From)
	assert.Greater(t, second.From, first.From)
}

func TestRun_RescanDedupes(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ethereum", tip: 106, minConf: 6,
		blocks: map[uint64]*chain.Block{
			95: blockWithTransfer(95, "0xaaa", walletAddr, "1000"),
		},
	}
	store := newFakeStore()
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})
	ctx := context.Background()

	first, err := scanner.Run(ctx, "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	// Forced rescan of the same window inserts nothing new.
	from := uint64(91)
	second, err := scanner.Run(ctx, "ethereum", &from)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, store.rows, 1)
}

func TestRun_MaxBlocksPerRunBounds(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 1000, minConf: 6}
	store := newFakeStore()
	scanner := New(Config{
		Adapters: chain.Set{"ethereum": adapter},
		Settings: map[string]ChainSettings{
			"ethereum": {Decimals: 18, Lookback: 500, MaxBlocksPerRun: 50},
		},
		Store:              store,
		Wallets:            fakeWallets{walletAddr: 7},
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		CheckpointInterval: 25,
	})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, 50, summary.HeightsScanned)
	assert.Equal(t, summary.From+49, summary.To)

	// Mid-run checkpoints happened every 25 heights.
	assert.GreaterOrEqual(t, len(store.cursorSets), 2)
}

func TestRun_LeaseHeldElsewhere(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 106, minConf: 6}
	store := newFakeStore()
	store.leaseBusy = true
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, 0, adapter.fetchCount)
}

func TestRun_NoWalletsStillAdvancesCursor(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 106, minConf: 6}
	store := newFakeStore()
	scanner := testScanner(adapter, store, fakeWallets{})

	summary, err := scanner.Run(context.Background(), "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.HeightsScanned)
	assert.Equal(t, 0, adapter.fetchCount)
	require.NotNil(t, store.cursor)
	assert.Equal(t, uint64(100), store.cursor.Height)
}

func TestRun_ContextCancelledCheckpoints(t *testing.T) {
	adapter := &fakeAdapter{name: "ethereum", tip: 1006, minConf: 6}
	store := newFakeStore()
	scanner := testScanner(adapter, store, fakeWallets{walletAddr: 7})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := scanner.Run(ctx, "ethereum", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.HeightsScanned)
}

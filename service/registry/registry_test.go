package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfund/ledgercore/service/db"
)

// memStore is an in-memory WalletStore for tests.
type memStore struct {
	nextID  int64
	wallets map[string]*db.ProjectWallet // chain + "/" + address
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, wallets: make(map[string]*db.ProjectWallet)}
}

func (m *memStore) key(chain, addr string) string { return chain + "/" + addr }

func (m *memStore) CreateProjectWallet(_ context.Context, params db.CreateProjectWalletParams) (*db.ProjectWallet, error) {
	k := m.key(params.Chain, params.Address)
	if _, ok := m.wallets[k]; ok {
		return nil, fmt.Errorf("duplicate wallet %s", k)
	}
	w := &db.ProjectWallet{
		ID:        m.nextID,
		ProjectID: params.ProjectID,
		Chain:     params.Chain,
		Address:   params.Address,
		Label:     params.Label,
	}
	m.nextID++
	m.wallets[k] = w
	return w, nil
}

func (m *memStore) GetProjectWallet(_ context.Context, chain, addr string) (*db.ProjectWallet, error) {
	return m.wallets[m.key(chain, addr)], nil
}

func (m *memStore) ListProjectWallets(_ context.Context, chain string) ([]*db.ProjectWallet, error) {
	var out []*db.ProjectWallet
	for _, w := range m.wallets {
		if chain == "" || w.Chain == chain {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) DeleteProjectWallet(_ context.Context, chain, addr string) error {
	delete(m.wallets, m.key(chain, addr))
	return nil
}

func testRegistry() (*Registry, *memStore) {
	store := newMemStore()
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestRegisterCanonicalizes(t *testing.T) {
	r, store := testRegistry()
	ctx := context.Background()

	mixed := "0x52908400098527886E0F7030069857D2E4169EE7"
	w, err := r.Register(ctx, db.CreateProjectWalletParams{
		ProjectID: "p1",
		Chain:     "ethereum",
		Address:   mixed,
	})
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", w.Address)

	// The stored key is the canonical form.
	stored, err := store.GetProjectWallet(ctx, "ethereum", "0x52908400098527886e0f7030069857d2e4169ee7")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestRegisterRejectsUndecodable(t *testing.T) {
	r, _ := testRegistry()

	_, err := r.Register(context.Background(), db.CreateProjectWalletParams{
		ProjectID: "p1",
		Chain:     "ethereum",
		Address:   "not-an-address",
	})
	require.Error(t, err)
}

func TestLookupMatchesVariantForms(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, db.CreateProjectWalletParams{
		ProjectID: "p1",
		Chain:     "ethereum",
		Address:   "0x52908400098527886e0f7030069857d2e4169ee7",
	})
	require.NoError(t, err)

	// Checksummed variant of the same address resolves to the wallet.
	w, err := r.Lookup(ctx, "ethereum", "0x52908400098527886E0F7030069857D2E4169EE7")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "p1", w.ProjectID)
}

func TestLookupUndecodableIsNotAMatch(t *testing.T) {
	r, _ := testRegistry()

	w, err := r.Lookup(context.Background(), "ethereum", "garbage")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestSnapshot(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	w1, err := r.Register(ctx, db.CreateProjectWalletParams{
		ProjectID: "p1", Chain: "ethereum",
		Address: "0x52908400098527886e0f7030069857d2e4169ee7",
	})
	require.NoError(t, err)

	_, err = r.Register(ctx, db.CreateProjectWalletParams{
		ProjectID: "p1", Chain: "stellar",
		Address: "G" + strings.Repeat("A", 55),
	})
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx, "ethereum")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, w1.ID, snap["0x52908400098527886e0f7030069857d2e4169ee7"])
}

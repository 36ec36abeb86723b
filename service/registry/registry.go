// Package registry resolves observed on-chain addresses to registered
// project wallets. All comparisons go through canonical address forms so
// that case and encoding variants of the same address match.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chainfund/ledgercore/service/address"
	"github.com/chainfund/ledgercore/service/db"
)

// WalletStore is the subset of db.Store the registry needs.
type WalletStore interface {
	CreateProjectWallet(ctx context.Context, params db.CreateProjectWalletParams) (*db.ProjectWallet, error)
	GetProjectWallet(ctx context.Context, chain, addr string) (*db.ProjectWallet, error)
	ListProjectWallets(ctx context.Context, chain string) ([]*db.ProjectWallet, error)
	DeleteProjectWallet(ctx context.Context, chain, addr string) error
}

// Registry looks up and registers project wallets.
type Registry struct {
	store  WalletStore
	logger *slog.Logger
}

// New creates a Registry backed by the given store.
func New(store WalletStore, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Register validates and canonicalizes the address, then persists the
// wallet. Undecodable addresses are rejected.
func (r *Registry) Register(ctx context.Context, params db.CreateProjectWalletParams) (*db.ProjectWallet, error) {
	canonical, err := address.Canonicalize(params.Chain, params.Address)
	if err != nil {
		return nil, fmt.Errorf("register wallet: %w", err)
	}
	params.Address = canonical

	w, err := r.store.CreateProjectWallet(ctx, params)
	if err != nil {
		return nil, err
	}
	r.logger.Info("registered project wallet",
		"project_id", w.ProjectID, "chain", w.Chain, "address", w.Address)
	return w, nil
}

// Lookup resolves an observed address to a registered wallet. Returns
// nil when the address is not a project wallet. Undecodable observed
// addresses are treated as non-matching rather than as errors, since
// scans see arbitrary third-party addresses.
func (r *Registry) Lookup(ctx context.Context, chain, rawAddr string) (*db.ProjectWallet, error) {
	canonical, err := address.Canonicalize(chain, rawAddr)
	if err != nil {
		if errors.Is(err, address.ErrUndecodableAddress) {
			return nil, nil
		}
		return nil, err
	}
	return r.store.GetProjectWallet(ctx, chain, canonical)
}

// Unregister removes a wallet registration by any decodable form of its
// address.
func (r *Registry) Unregister(ctx context.Context, chain, rawAddr string) error {
	canonical, err := address.Canonicalize(chain, rawAddr)
	if err != nil {
		return fmt.Errorf("unregister wallet: %w", err)
	}
	return r.store.DeleteProjectWallet(ctx, chain, canonical)
}

// Snapshot returns canonical address to wallet ID for one chain. Scans
// use this to filter block transfers without a database round trip per
// transfer.
func (r *Registry) Snapshot(ctx context.Context, chain string) (map[string]int64, error) {
	wallets, err := r.store.ListProjectWallets(ctx, chain)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(wallets))
	for _, w := range wallets {
		out[w.Address] = w.ID
	}
	return out, nil
}

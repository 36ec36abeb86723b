package nats

import (
	"time"

	"github.com/chainfund/ledgercore/service/db"
)

// ContributionEvent represents a verified contribution published to NATS.
// This is published to the subject "contrib.{chain}" in JetStream.
type ContributionEvent struct {
	// Contribution identifiers
	Chain       string `json:"chain"`
	TxHash      string `json:"tx_hash"`
	WalletID    int64  `json:"wallet_id"`
	BlockHeight int64  `json:"block_height"`

	// Amounts
	AmountBase      string `json:"amount_base"`
	AmountCanonical string `json:"amount_canonical"`

	// Source is "claim" or "scan".
	Source string `json:"source"`

	// Timing information
	BlockTime *time.Time `json:"block_time,omitempty"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// FromContribution converts a ledger row to a ContributionEvent for publishing.
func FromContribution(c *db.Contribution) *ContributionEvent {
	return &ContributionEvent{
		Chain:           c.Chain,
		TxHash:          c.TxHash,
		WalletID:        c.WalletID,
		BlockHeight:     c.BlockHeight,
		AmountBase:      c.AmountBase,
		AmountCanonical: c.AmountCanonical,
		Source:          c.Source,
		BlockTime:       c.BlockTime,
		PublishedAt:     time.Now().UTC(),
	}
}

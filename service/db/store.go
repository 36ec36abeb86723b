package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainfund/ledgercore/service/metrics"
)

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithMetrics attaches a collector so query durations get recorded.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// observe records one query when a collector is attached. Callers pass the
// time captured just before issuing the query.
func (s *Store) observe(start time.Time, operation, table string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}

// Migrate applies the schema. Statements are idempotent so this is safe
// to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_wallets (
			id          BIGSERIAL PRIMARY KEY,
			project_id  TEXT NOT NULL,
			chain       TEXT NOT NULL,
			address     TEXT NOT NULL,
			label       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (chain, address)
		)`,
		`CREATE TABLE IF NOT EXISTS contributions (
			id               BIGSERIAL PRIMARY KEY,
			chain            TEXT NOT NULL,
			tx_hash          TEXT NOT NULL,
			wallet_id        BIGINT NOT NULL REFERENCES project_wallets(id),
			amount_base      TEXT NOT NULL,
			amount_canonical TEXT NOT NULL,
			block_height     BIGINT NOT NULL,
			block_time       TIMESTAMPTZ,
			source           TEXT NOT NULL,
			price_usd        TEXT,
			priced_at        TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (chain, tx_hash, wallet_id)
		)`,
		`CREATE INDEX IF NOT EXISTS contributions_wallet_idx ON contributions (wallet_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS scan_cursors (
			chain      TEXT PRIMARY KEY,
			height     BIGINT NOT NULL,
			partial    BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS scan_leases (
			chain      TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ProjectWallet is a registered receiving address for a project on one chain.
// Address is stored in canonical form.
type ProjectWallet struct {
	ID        int64
	ProjectID string
	Chain     string
	Address   string
	Label     string
	CreatedAt time.Time
}

// CreateProjectWalletParams contains the parameters for registering a wallet.
type CreateProjectWalletParams struct {
	ProjectID string
	Chain     string
	Address   string
	Label     string
}

// CreateProjectWallet registers a receiving address for a project.
func (s *Store) CreateProjectWallet(ctx context.Context, params CreateProjectWalletParams) (*ProjectWallet, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO project_wallets (project_id, chain, address, label)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, project_id, chain, address, label, created_at`,
		params.ProjectID, params.Chain, params.Address, params.Label,
	)
	return scanProjectWallet(row)
}

// GetProjectWallet looks up a wallet by chain and canonical address.
// Returns nil without error when no wallet matches.
func (s *Store) GetProjectWallet(ctx context.Context, chain, address string) (*ProjectWallet, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, chain, address, label, created_at
		 FROM project_wallets WHERE chain = $1 AND address = $2`,
		chain, address,
	)
	w, err := scanProjectWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.observe(start, "get", "project_wallets", nil)
		return nil, nil
	}
	s.observe(start, "get", "project_wallets", err)
	return w, err
}

// ListProjectWallets retrieves all registered wallets, optionally filtered
// by chain. An empty chain returns every wallet.
func (s *Store) ListProjectWallets(ctx context.Context, chain string) ([]*ProjectWallet, error) {
	query := `SELECT id, project_id, chain, address, label, created_at
		 FROM project_wallets ORDER BY id`
	args := []any{}
	if chain != "" {
		query = `SELECT id, project_id, chain, address, label, created_at
		 FROM project_wallets WHERE chain = $1 ORDER BY id`
		args = append(args, chain)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*ProjectWallet
	for rows.Next() {
		w, err := scanProjectWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// DeleteProjectWallet removes a wallet registration.
func (s *Store) DeleteProjectWallet(ctx context.Context, chain, address string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM project_wallets WHERE chain = $1 AND address = $2`,
		chain, address,
	)
	return err
}

// Contribution is one verified transfer into a project wallet.
// AmountBase holds base units as a decimal integer string; AmountCanonical
// holds the display-unit form.
type Contribution struct {
	ID              int64
	Chain           string
	TxHash          string
	WalletID        int64
	AmountBase      string
	AmountCanonical string
	BlockHeight     int64
	BlockTime       *time.Time
	Source          string
	PriceUSD        *string
	PricedAt        *time.Time
	CreatedAt       time.Time
}

// InsertContributionParams contains the parameters for recording a contribution.
type InsertContributionParams struct {
	Chain           string
	TxHash          string
	WalletID        int64
	AmountBase      string
	AmountCanonical string
	BlockHeight     int64
	BlockTime       *time.Time
	Source          string
}

// InsertContribution records a contribution exactly once. The natural key
// (chain, tx_hash, wallet_id) dedupes concurrent writers; the returned
// bool reports whether this call inserted the row.
func (s *Store) InsertContribution(ctx context.Context, params InsertContributionParams) (bool, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO contributions
		   (chain, tx_hash, wallet_id, amount_base, amount_canonical, block_height, block_time, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (chain, tx_hash, wallet_id) DO NOTHING`,
		params.Chain, params.TxHash, params.WalletID,
		params.AmountBase, params.AmountCanonical,
		params.BlockHeight, pgTimestamptzFromTimePtr(params.BlockTime), params.Source,
	)
	s.observe(start, "insert", "contributions", err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ContributionExists reports whether any ledger row exists for a
// transaction. The claim path uses it to short-circuit duplicates before
// issuing chain RPCs; the insert conflict remains the authoritative
// at-most-once guard.
func (s *Store) ContributionExists(ctx context.Context, chain, txHash string) (bool, error) {
	start := time.Now()
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM contributions WHERE chain = $1 AND tx_hash = $2
		 )`,
		chain, txHash,
	).Scan(&exists)
	s.observe(start, "exists", "contributions", err)
	return exists, err
}

// ListContributionsParams contains filter and pagination parameters.
// Zero values mean "no filter".
type ListContributionsParams struct {
	Chain     string
	ProjectID string
	WalletID  int64
	Limit     int32
	Offset    int32
}

// ListContributions retrieves contributions newest-first.
func (s *Store) ListContributions(ctx context.Context, params ListContributionsParams) ([]*Contribution, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.chain, c.tx_hash, c.wallet_id, c.amount_base, c.amount_canonical,
		        c.block_height, c.block_time, c.source, c.price_usd, c.priced_at, c.created_at
		 FROM contributions c
		 JOIN project_wallets w ON w.id = c.wallet_id
		 WHERE ($1 = '' OR c.chain = $1)
		   AND ($2 = '' OR w.project_id = $2)
		   AND ($3 = 0 OR c.wallet_id = $3)
		 ORDER BY c.created_at DESC, c.id DESC
		 LIMIT $4 OFFSET $5`,
		params.Chain, params.ProjectID, params.WalletID, limit, params.Offset,
	)
	if err != nil {
		s.observe(start, "list", "contributions", err)
		return nil, err
	}
	defer rows.Close()

	var contributions []*Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, c)
	}
	err = rows.Err()
	s.observe(start, "list", "contributions", err)
	return contributions, err
}

// AttachContributionPrice records the USD price observed for a contribution.
// Pricing is best-effort and happens after insert, so a miss is not an error.
func (s *Store) AttachContributionPrice(ctx context.Context, chain, txHash string, walletID int64, priceUSD string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE contributions SET price_usd = $4, priced_at = NOW()
		 WHERE chain = $1 AND tx_hash = $2 AND wallet_id = $3`,
		chain, txHash, walletID, priceUSD,
	)
	return err
}

// Cursor is a chain's scan checkpoint. Partial marks a pass that skipped
// at least one height, so the next scan should re-cover the window.
type Cursor struct {
	Chain     string
	Height    uint64
	Partial   bool
	UpdatedAt time.Time
}

// GetCursor retrieves a chain's scan cursor. Returns nil without error
// when the chain has never been scanned.
func (s *Store) GetCursor(ctx context.Context, chain string) (*Cursor, error) {
	start := time.Now()
	var c Cursor
	var height int64
	err := s.pool.QueryRow(ctx,
		`SELECT chain, height, partial, updated_at FROM scan_cursors WHERE chain = $1`,
		chain,
	).Scan(&c.Chain, &height, &c.Partial, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.observe(start, "get", "scan_cursors", nil)
		return nil, nil
	}
	s.observe(start, "get", "scan_cursors", err)
	if err != nil {
		return nil, err
	}
	c.Height = uint64(height)
	return &c, nil
}

// SetCursor advances a chain's scan cursor. The cursor is monotonic:
// writes below the stored height are ignored unless override is set
// (used for operator-forced rescans).
func (s *Store) SetCursor(ctx context.Context, chain string, height uint64, partial, override bool) error {
	start := time.Now()
	if override {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO scan_cursors (chain, height, partial, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (chain) DO UPDATE
			   SET height = EXCLUDED.height, partial = EXCLUDED.partial, updated_at = NOW()`,
			chain, int64(height), partial,
		)
		s.observe(start, "set", "scan_cursors", err)
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scan_cursors (chain, height, partial, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (chain) DO UPDATE
		   SET height = EXCLUDED.height, partial = EXCLUDED.partial, updated_at = NOW()
		   WHERE scan_cursors.height <= EXCLUDED.height`,
		chain, int64(height), partial,
	)
	s.observe(start, "set", "scan_cursors", err)
	return err
}

// AcquireScanLease takes the scan lease for a chain if it is free or
// expired. Returns false when another holder has a live lease. The lease
// only guards against duplicate scan work; the contributions unique key
// is what guarantees correctness.
func (s *Store) AcquireScanLease(ctx context.Context, chain, holder string, ttl time.Duration) (bool, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO scan_leases (chain, holder, expires_at)
		 VALUES ($1, $2, NOW() + $3)
		 ON CONFLICT (chain) DO UPDATE
		   SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		   WHERE scan_leases.expires_at < NOW() OR scan_leases.holder = EXCLUDED.holder`,
		chain, holder, pgIntervalFromDuration(ttl),
	)
	s.observe(start, "acquire", "scan_leases", err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseScanLease releases a lease if this holder still owns it.
func (s *Store) ReleaseScanLease(ctx context.Context, chain, holder string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx,
		`DELETE FROM scan_leases WHERE chain = $1 AND holder = $2`,
		chain, holder,
	)
	s.observe(start, "release", "scan_leases", err)
	return err
}

// Row scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjectWallet(row rowScanner) (*ProjectWallet, error) {
	var w ProjectWallet
	if err := row.Scan(&w.ID, &w.ProjectID, &w.Chain, &w.Address, &w.Label, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanContribution(row rowScanner) (*Contribution, error) {
	var c Contribution
	var blockTime, pricedAt pgtype.Timestamptz
	var priceUSD pgtype.Text
	err := row.Scan(
		&c.ID, &c.Chain, &c.TxHash, &c.WalletID, &c.AmountBase, &c.AmountCanonical,
		&c.BlockHeight, &blockTime, &c.Source, &priceUSD, &pricedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.BlockTime = timePtrFromPgTimestamptz(blockTime)
	c.PriceUSD = stringPtrFromPgtext(priceUSD)
	c.PricedAt = timePtrFromPgTimestamptz(pricedAt)
	return &c, nil
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgIntervalFromDuration(d time.Duration) pgtype.Interval {
	return pgtype.Interval{
		Microseconds: d.Microseconds(),
		Valid:        true,
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/chainfund/ledgercore/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listWalletsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-wallets",
		Usage:   "List registered project wallets",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "chain",
				Aliases: []string{"c"},
				Usage:   "Filter by chain (ethereum, bitcoin, cosmos, polkadot, stellar, tron, solana)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallets, err := store.ListProjectWallets(context.Background(), c.String("chain"))
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallets)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tCHAIN\tADDRESS\tLABEL\tCREATED")
			for _, wallet := range wallets {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					wallet.ID,
					wallet.ProjectID,
					wallet.Chain,
					wallet.Address,
					wallet.Label,
					wallet.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func listContributionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-contributions",
		Usage:   "List ledgered contributions",
		Aliases: []string{"contribs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "chain",
				Aliases: []string{"c"},
				Usage:   "Filter by chain",
			},
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "Filter by project ID",
			},
			&cli.Int64Flag{
				Name:  "wallet-id",
				Usage: "Filter by wallet ID",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of contributions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Pagination offset",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			contribs, err := store.ListContributions(context.Background(), db.ListContributionsParams{
				Chain:     c.String("chain"),
				ProjectID: c.String("project"),
				WalletID:  c.Int64("wallet-id"),
				Limit:     int32(c.Int("limit")),
				Offset:    int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list contributions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(contribs)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN\tTX HASH\tWALLET\tAMOUNT\tHEIGHT\tSOURCE\tUSD\tBLOCK TIME")
			for _, contrib := range contribs {
				blockTime := "unknown"
				if contrib.BlockTime != nil {
					blockTime = contrib.BlockTime.Format(time.RFC3339)
				}
				priceUSD := "-"
				if contrib.PriceUSD != nil {
					priceUSD = *contrib.PriceUSD
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
					contrib.Chain,
					truncateHash(contrib.TxHash),
					contrib.WalletID,
					contrib.AmountCanonical,
					contrib.BlockHeight,
					contrib.Source,
					priceUSD,
					blockTime,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d contributions\n", len(contribs))
			return nil
		},
	}
}

func getCursorCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-cursor",
		Usage:     "Show the scan cursor for a chain",
		ArgsUsage: "<chain>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: chain name")
			}

			chainName := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			cursor, err := store.GetCursor(context.Background(), chainName)
			if err != nil {
				return fmt.Errorf("failed to get cursor: %w", err)
			}
			if cursor == nil {
				fmt.Printf("No cursor for chain %s (never scanned)\n", chainName)
				return nil
			}

			if c.Bool("json") {
				return outputJSON(cursor)
			}

			fmt.Printf("Chain:    %s\n", cursor.Chain)
			fmt.Printf("Height:   %d\n", cursor.Height)
			fmt.Printf("Partial:  %v\n", cursor.Partial)
			fmt.Printf("Updated:  %s\n", cursor.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func setCursorCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-cursor",
		Usage:     "Force the scan cursor for a chain (use to rewind or skip ranges)",
		ArgsUsage: "<chain> <height>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "partial",
				Usage: "Mark the cursor as partial (failed heights before it)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: chain height")
			}

			chainName := c.Args().Get(0)
			height, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid height: %w", err)
			}

			// Confirm unless --force; rewinding replays ranges and
			// skipping forward permanently misses blocks.
			if !c.Bool("force") {
				fmt.Printf("Set cursor for %s to %d? (yes/no): ", chainName, height)
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.SetCursor(context.Background(), chainName, height, c.Bool("partial"), true); err != nil {
				return fmt.Errorf("failed to set cursor: %w", err)
			}

			fmt.Printf("✓ Cursor set: %s -> %d\n", chainName, height)
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	// Try to get from parent context first (for global flags)
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateHash shortens long tx hashes for table output.
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + ".." + hash[len(hash)-6:]
}

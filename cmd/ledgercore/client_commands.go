package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chainfund/ledgercore/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the ledgercore service",
		Subcommands: []*cli.Command{
			claimCommand(),
			scanCommand(),
			registerWalletCommand(),
			unregisterWalletCommand(),
			walletsCommand(),
			contributionsCommand(),
		},
	}
}

func claimCommand() *cli.Command {
	return &cli.Command{
		Name:      "claim",
		Usage:     "Submit a transaction hash for verification",
		ArgsUsage: "<chain> <tx-hash>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Free-form note attached to the claim",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: chain tx-hash")
			}

			chainName := c.Args().Get(0)
			txHash := c.Args().Get(1)

			cl := getAPIClient(c)
			result, err := cl.SubmitClaim(context.Background(), chainName, txHash, c.String("note"))
			if err != nil {
				return fmt.Errorf("failed to submit claim: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			if result.OK {
				fmt.Printf("✓ Claim %s: %s\n", result.Code, result.Message)
			} else {
				fmt.Printf("✗ Claim %s: %s\n", result.Code, result.Message)
			}
			for _, contrib := range result.Contributions {
				fmt.Printf("  %s  %s (%s base units) at height %d\n",
					contrib.TxHash, contrib.AmountCanonical, contrib.AmountBase, contrib.BlockHeight)
			}
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "Trigger an on-demand scan for a chain",
		ArgsUsage: "<chain>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "since-height",
				Usage: "Override the stored cursor with this start height",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: chain name")
			}

			chainName := c.Args().First()
			var sinceHeight *uint64
			if c.IsSet("since-height") {
				h := c.Uint64("since-height")
				sinceHeight = &h
			}

			cl := getAPIClient(c)
			summary, err := cl.TriggerScan(context.Background(), chainName, sinceHeight)
			if err != nil {
				return fmt.Errorf("failed to trigger scan: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(summary)
			}

			if summary.Skipped {
				fmt.Printf("Scan skipped: another scanner holds the lease for %s\n", chainName)
				return nil
			}
			fmt.Printf("✓ Scan complete: %s\n", chainName)
			fmt.Printf("  Range:       %d - %d\n", summary.From, summary.To)
			fmt.Printf("  Scanned:     %d heights (%d failed)\n", summary.HeightsScanned, summary.FailedHeights)
			fmt.Printf("  Inserted:    %d\n", summary.Inserted)
			fmt.Printf("  Duplicates:  %d\n", summary.Duplicates)
			if summary.Partial {
				fmt.Printf("  Partial:     some heights failed and will be retried\n")
			}
			return nil
		},
	}
}

func registerWalletCommand() *cli.Command {
	return &cli.Command{
		Name:      "register-wallet",
		Usage:     "Register a project wallet for verification",
		ArgsUsage: "<project-id> <chain> <address>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "label",
				Usage: "Human-readable wallet label",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: project-id chain address")
			}

			cl := getAPIClient(c)
			wallet, err := cl.RegisterWallet(context.Background(),
				c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.String("label"))
			if err != nil {
				return fmt.Errorf("failed to register wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallet)
			}

			fmt.Printf("✓ Wallet registered (id %d)\n", wallet.ID)
			fmt.Printf("  Project: %s\n", wallet.ProjectID)
			fmt.Printf("  Chain:   %s\n", wallet.Chain)
			fmt.Printf("  Address: %s\n", wallet.Address)
			return nil
		},
	}
}

func unregisterWalletCommand() *cli.Command {
	return &cli.Command{
		Name:      "unregister-wallet",
		Usage:     "Remove a project wallet registration",
		ArgsUsage: "<chain> <address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: chain address")
			}

			chainName := c.Args().Get(0)
			address := c.Args().Get(1)

			cl := getAPIClient(c)
			if err := cl.UnregisterWallet(context.Background(), chainName, address); err != nil {
				return fmt.Errorf("failed to unregister wallet: %w", err)
			}

			fmt.Printf("✓ Wallet unregistered: %s on %s\n", address, chainName)
			return nil
		},
	}
}

func walletsCommand() *cli.Command {
	return &cli.Command{
		Name:  "wallets",
		Usage: "List registered wallets via the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "chain",
				Aliases: []string{"c"},
				Usage:   "Filter by chain",
			},
		},
		Action: func(c *cli.Context) error {
			cl := getAPIClient(c)
			wallets, err := cl.ListWallets(context.Background(), c.String("chain"))
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tCHAIN\tADDRESS\tLABEL")
			for _, wallet := range wallets {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					wallet.ID, wallet.ProjectID, wallet.Chain, wallet.Address, wallet.Label)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func contributionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "contributions",
		Usage: "List ledgered contributions via the HTTP API",
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
			cl := getAPIClient(c)
			contribs, err := cl.ListContributions(context.Background(), client.ListContributionsParams{
				Chain:     c.String("chain"),
				ProjectID: c.String("project"),
				WalletID:  c.Int64("wallet-id"),
				Limit:     c.Int("limit"),
				Offset:    c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list contributions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(contribs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN\tTX HASH\tWALLET\tAMOUNT\tHEIGHT\tSOURCE")
			for _, contrib := range contribs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
					contrib.Chain,
					truncateHash(contrib.TxHash),
					contrib.WalletID,
					contrib.AmountCanonical,
					contrib.BlockHeight,
					contrib.Source,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d contributions\n", len(contribs))
			return nil
		},
	}
}

// getAPIClient builds an HTTP API client from the global flags.
func getAPIClient(c *cli.Context) *client.Client {
	serverURL := c.String("server-url")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
	}

	// Only errors to stderr
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	return client.NewClient(serverURL, c.String("api-token"), httpClient, logger)
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/billing"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
)

func openDB() (*database.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return database.New(cfg.DatabaseDriver, cfg.DatabaseURL)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Printf("Schema is up to date (%s)\n", db.Driver())
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var (
		tokenID int64
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent requests for a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			logs, err := db.RecentLogs(context.Background(), tokenID, limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Println("No requests logged.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tMODEL\tCHANNEL\tSTATUS\tPROMPT\tCOMPLETION\tCOST\tLATENCY\tERROR")
			for _, l := range logs {
				errMsg := ""
				if l.ErrorMessage != nil {
					errMsg = *l.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s %s\t%dms\t%s\n",
					l.CreatedAt.Format("2006-01-02 15:04:05"),
					l.Model, l.ChannelID, l.StatusCode,
					l.PromptTokens, l.CompletionTokens,
					billing.NanoToDollars(l.CostNano).StringFixed(6), l.Currency,
					l.LatencyMs, errMsg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&tokenID, "token", 0, "token id")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of rows")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newPricesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Manage model prices",
	}

	var url string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Import list prices from a LiteLLM price file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if url == "" {
				url = cfg.PriceSyncURL
			}
			n, err := billing.NewPriceSync(url, db, nil).Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d model prices from %s\n", n, url)
			return nil
		},
	}
	sync.Flags().StringVar(&url, "url", "", "price file to import (defaults to price_sync_url)")
	cmd.AddCommand(sync)
	return cmd
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/chatquota/pkg/billing"
	"github.com/platinummonkey/chatquota/pkg/chatusers"
	"github.com/platinummonkey/chatquota/pkg/config"
	"github.com/platinummonkey/chatquota/pkg/observability"
	"github.com/platinummonkey/chatquota/pkg/settings"
	pgstore "github.com/platinummonkey/chatquota/pkg/storage/postgres"
	"github.com/platinummonkey/chatquota/pkg/verification"
)

var (
	seedFile      string
	seedOverwrite bool
	seedDryRun    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, _ *config.Config, logger *observability.Logger, db *sql.DB) error {
			applied, err := pgstore.Migrate(ctx, db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", version)
			}
			return nil
		})
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Runtime settings management commands",
}

var settingsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the default (or file-provided) settings into system_settings",
	Long: `Seed inserts every runtime setting into the system_settings table.
Existing rows are kept unless --overwrite is given, so values changed by
operators survive a re-seed. With --file the YAML seed file is layered over
the defaults first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		snap := settings.Defaults()
		if seedFile != "" {
			var err error
			if snap, err = settings.LoadFile(ctx, seedFile); err != nil {
				return err
			}
		}

		if seedDryRun {
			return printSettings(cmd, snap)
		}

		return withDatabase(cmd, func(ctx context.Context, _ *config.Config, _ *observability.Logger, db *sql.DB) error {
			written, err := settings.Seed(ctx, db, snap, seedOverwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d setting(s)\n", written)
			return nil
		})
	},
}

func printSettings(cmd *cobra.Command, snap settings.Snapshot) error {
	values := snap.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, values[k])
	}
	return nil
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Verification token maintenance",
}

var tokensCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete unverified tokens older than the configured lifetime",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, logger *observability.Logger, db *sql.DB) error {
			svc := verification.NewService(db, chatusers.NewStore(), settings.NewStaticStore(settings.Defaults()),
				verification.NewLogMailer(logger), nil, verification.Config{
					Lifetime: cfg.Verification.TokenLifetime,
					BaseURL:  cfg.Verification.BaseURL,
				})
			n, err := svc.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired token(s)\n", n)
			return nil
		})
	},
}

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Subscription reconciliation commands",
}

var subscriptionsStatusCmd = &cobra.Command{
	Use:   "status <provider-subscription-id>",
	Short: "Show a subscription as stored locally and as reported by the provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, _ *observability.Logger, db *sql.DB) error {
			if cfg.Asaas.APIKey == "" {
				return fmt.Errorf("asaas API key is required")
			}
			id := args[0]

			store := billing.NewStore()
			local, err := store.GetByProviderID(ctx, db, id)
			if err != nil {
				return err
			}

			provider := billing.NewAsaasClient(billing.AsaasConfig{
				APIKey:  cfg.Asaas.APIKey,
				BaseURL: cfg.Asaas.BaseURL,
				Timeout: cfg.Asaas.Timeout,
			}, nil)
			orchestrator := billing.NewOrchestrator(db, chatusers.NewStore(), store, provider,
				settings.NewStaticStore(settings.Defaults()), nil, billing.OrchestratorConfig{SiteURL: cfg.Asaas.SiteURL})

			remote, err := orchestrator.ProviderStatus(ctx, id)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"local":    local,
				"provider": remote,
			})
		})
	},
}

func init() {
	settingsSeedCmd.Flags().StringVar(&seedFile, "file", "", "YAML seed file layered over the defaults")
	settingsSeedCmd.Flags().BoolVar(&seedOverwrite, "overwrite", false, "Replace existing values")
	settingsSeedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Print the settings instead of writing them")
	settingsCmd.AddCommand(settingsSeedCmd)

	tokensCmd.AddCommand(tokensCleanupCmd)
	subscriptionsCmd.AddCommand(subscriptionsStatusCmd)
}

// withDatabase loads the maintenance configuration, opens the database and
// runs fn
func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, logger *observability.Logger, db *sql.DB) error) error {
	ctx := commandContext(cmd)
	cfg, logger, err := loadToolConfig()
	if err != nil {
		return err
	}

	db, err := pgstore.Open(ctx, databaseConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, cfg, logger, db)
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/config"
	"github.com/gateway-fm/callbench/internal/keystore"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage benchmark account credentials",
	}
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsImportCmd())
	cmd.AddCommand(newAccountsGenerateCmd())
	cmd.AddCommand(newAccountsDevCmd())
	return cmd
}

func openKeystore(cmd *cobra.Command) (*config.Config, keystore.Store, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := keystore.Open(keystore.Config{
		Backend: cfg.KeystoreBackend,
		Path:    cfg.KeystorePath,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List account ids in pool order with their addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := openKeystore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			ids, err := store.ListKeys(ctx, cfg.KeystoreNamespace)
			if err != nil {
				return err
			}
			keys, err := store.Entries(ctx, cfg.KeystoreNamespace)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tACCOUNT\tADDRESS")
			for i, id := range ids {
				addr := "invalid key"
				if acc, err := account.NewAccountFromHex(id, keys[id]); err == nil {
					addr = acc.Address.Hex()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i, id, addr)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d accounts in %q\n", len(ids), cfg.KeystoreNamespace)
			return nil
		},
	}
}

func newAccountsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import credentials from a JSON file",
		Long: `Import credentials from a JSON file holding either an object of
account id to private key (order preserved) or an array of
{"accountId","privateKey"} objects. Existing ids get the new key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			creds, err := keystore.ParseCredentials(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return putCredentials(cmd, creds)
		},
	}
}

func newAccountsGenerateCmd() *cobra.Command {
	var (
		count  int
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate random accounts (fund them before running writes)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := account.Generate(prefix, count)
			if err != nil {
				return err
			}
			return putCredentials(cmd, creds)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of accounts")
	cmd.Flags().StringVar(&prefix, "prefix", "bench", "account id prefix")
	return cmd
}

func newAccountsDevCmd() *cobra.Command {
	var (
		count  int
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Store the pre-funded development node accounts (anvil, hardhat)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := account.DevCredentials(prefix, count)
			if err != nil {
				return err
			}
			return putCredentials(cmd, creds)
		},
	}
	cmd.Flags().IntVar(&count, "count", len(account.DevPrivateKeys), "number of accounts")
	cmd.Flags().StringVar(&prefix, "prefix", "dev", "account id prefix")
	return cmd
}

func putCredentials(cmd *cobra.Command, creds []account.Credential) error {
	cfg, store, err := openKeystore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put(cmd.Context(), cfg.KeystoreNamespace, creds); err != nil {
		return err
	}
	slog.Info("stored credentials",
		slog.Int("count", len(creds)),
		slog.String("namespace", cfg.KeystoreNamespace),
		slog.String("backend", string(cfg.KeystoreBackend)),
	)
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/callbench/internal/app"
)

func newDeployCmd() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the counter contract the default scenarios call",
		Long: `Deploy the counter contract (getCounter, incrementCounter) from a pool
account. If the address the account's next nonce would create already holds
code, that address is reported without sending a transaction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr, err := app.DeployCounter(cmd.Context(), cfg, accountID, logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr.Hex())
			fmt.Fprintf(cmd.ErrOrStderr(), "run the default scenarios with CONTRACT_ADDRESS=%s\n", addr.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "deploying account id (default: first pool account)")
	return cmd
}

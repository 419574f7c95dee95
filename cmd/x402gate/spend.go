package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var spendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Inspect or reset a wallet policy's spend total",
}

var spendShowCmd = &cobra.Command{
	Use:   "show <policy-id>",
	Short: "Print the recorded spend total for a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpendShow,
}

var spendResetCmd = &cobra.Command{
	Use:   "reset <policy-id>",
	Short: "Reset the spend total for a policy to zero",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpendReset,
}

func init() {
	spendCmd.AddCommand(spendShowCmd, spendResetCmd)
	rootCmd.AddCommand(spendCmd)
}

func runSpendShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	res := newResources(cfg)
	defer res.Close()

	store, err := buildSpendStore(ctx, cfg, res)
	if err != nil {
		return err
	}
	total, err := store.TotalSpend(ctx, args[0])
	if err != nil {
		return fmt.Errorf("reading spend total: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s USD\t(%s backend)\n", args[0], formatUSD(total), cfg.Spend.Backend)
	return nil
}

func runSpendReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	res := newResources(cfg)
	defer res.Close()

	store, err := buildSpendStore(ctx, cfg, res)
	if err != nil {
		return err
	}
	if err := store.Reset(ctx, args[0]); err != nil {
		return fmt.Errorf("resetting spend total: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset spend for %s\n", args[0])
	return nil
}

func formatUSD(v float64) string {
	return fmt.Sprintf("%.6f", v)
}

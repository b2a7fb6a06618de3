package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/generic"
	"github.com/warp/cashback-engine/loyalty"
)

func sweepCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending payments once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), envDir)
			if err != nil {
				return err
			}
			defer a.Close()

			if limit <= 0 {
				limit = a.cfg.ExpirySweepLimit
			}
			n, err := a.bridge.ExpireStale(cmd.Context(), a.engine.Now(), limit)
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d pending payments\n", n)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum payments to expire (default EXPIRY_SWEEP_LIMIT)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var tenant, card string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay a card ledger and compare it with the stored balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), envDir)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.VerifyCard(cmd.Context(), generic.TenantID(tenant), generic.CardID(card))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.OK {
				return fmt.Errorf("ledger mismatch for card %s: %s", card, report.Problem)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&card, "card", "", "card id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage tenant reward rules",
	}

	var tenant, file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace a tenant's rules from a JSON or YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := factory.NewRuleFactory().LoadFile(generic.TenantID(tenant), file)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), envDir)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.ReplaceRules(cmd.Context(), rules); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d cashback rules, %d tiers, %d offers for %s\n",
				len(rules.Cashback), len(rules.Tiers), len(rules.Offers), tenant)
			return nil
		},
	}
	importCmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	importCmd.Flags().StringVarP(&file, "file", "f", "", "rules file (.json, .yaml or .yml)")
	_ = importCmd.MarkFlagRequired("tenant")
	_ = importCmd.MarkFlagRequired("file")

	cmd.AddCommand(importCmd)
	return cmd
}

func issueCmd() *cobra.Command {
	var tenant, store string
	var count int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a batch of unassigned cards",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), envDir)
			if err != nil {
				return err
			}
			defer a.Close()

			cards, err := a.engine.IssueCards(cmd.Context(), loyalty.IssueRequest{
				TenantID: generic.TenantID(tenant),
				StoreID:  generic.StoreID(store),
				Count:    count,
			})
			if err != nil {
				return err
			}
			for _, c := range cards {
				fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&store, "store", "", "issuing store id")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of cards")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

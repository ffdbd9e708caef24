package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/store"
	"github.com/nextlevelbuilder/keeper/internal/usage"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show budget spend and configured providers",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.SQLitePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open database:", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger, err := usage.NewLedger(db, usage.NewPriceTable(nil), usage.Config{
		DailyLimit:   cfg.Budget.DailyLimit,
		MonthlyLimit: cfg.Budget.MonthlyLimit,
		WarningPct:   cfg.Budget.WarningPct,
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to read usage ledger:", err)
		os.Exit(1)
	}

	st := ledger.BudgetStatus()
	fmt.Println("Budget")
	fmt.Printf("  today:      $%.4f%s\n", st.DailySpend, budgetNote(st.DailyBudget, st.IsDailyWarning, st.IsDailyExceeded))
	fmt.Printf("  this month: $%.4f%s\n", st.MonthlySpend, budgetNote(st.MonthlyBudget, st.IsMonthlyWarning, st.IsMonthlyExceeded))

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Providers")
	if len(names) == 0 {
		fmt.Println("  (none configured — set KEEPER_<NAME>_API_KEY)")
	}
	for _, name := range names {
		key := "no API key"
		if cfg.Providers[name].APIKey != "" {
			key = "key set"
		}
		fmt.Printf("  %-12s %s\n", name, key)
	}

	mode := "standalone (sqlite)"
	if cfg.IsManagedMode() {
		mode = "managed (postgres sessions)"
	}
	fmt.Println("Mode")
	fmt.Printf("  %s\n", mode)
}

func budgetNote(limit float64, warning, exceeded bool) string {
	switch {
	case limit <= 0:
		return " (no limit)"
	case exceeded:
		return fmt.Sprintf(" of $%.2f — EXCEEDED", limit)
	case warning:
		return fmt.Sprintf(" of $%.2f — warning", limit)
	default:
		return fmt.Sprintf(" of $%.2f", limit)
	}
}

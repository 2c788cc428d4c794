// export-dashboard writes a business's job backlog, receivable aging and cash
// flow to an .xlsx workbook.
//
// Usage:
//
//	go run ./cmd/export-dashboard -business biz-1 [-as-of 2025-06-30] [-days 30] [-out dashboard.xlsx]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models/reports"
	"github.com/mmdatafocus/garage_backend/utils"
)

func main() {
	businessId := flag.String("business", "", "business id (required)")
	asOfRaw := flag.String("as-of", "", "report date YYYY-MM-DD (default today)")
	days := flag.Int("days", 30, "cash flow window in days")
	out := flag.String("out", "dashboard.xlsx", "output file")
	flag.Parse()

	if *businessId == "" {
		fmt.Fprintln(os.Stderr, "-business is required")
		os.Exit(2)
	}
	asOf := time.Now().UTC()
	if *asOfRaw != "" {
		t, err := time.Parse("2006-01-02", *asOfRaw)
		if err != nil {
			fmt.Fprintln(os.Stderr, "-as-of must be YYYY-MM-DD")
			os.Exit(2)
		}
		asOf = t
	}

	config.ConnectDatabaseWithRetry()
	ctx := utils.SetBusinessIdInContext(context.Background(), *businessId)
	d, err := reports.LoadDashboard(ctx, config.GetDB(), *businessId, asOf, *days)
	if err != nil {
		config.LogError(config.GetLogger(), "export-dashboard", "main", "load", *businessId, err)
		os.Exit(1)
	}
	if err := d.SaveAs(*out); err != nil {
		config.LogError(config.GetLogger(), "export-dashboard", "main", "save", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (backlog=%d aging=%d cash_flow=%d)\n", *out, len(d.Backlog), len(d.Aging), len(d.CashFlow))
}

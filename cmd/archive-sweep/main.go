// archive-sweep archives CLOSED jobs that are still in the live table: closes
// whose synchronous archival failed and customer rejects without cost.
//
// Usage:
//
//	go run ./cmd/archive-sweep [-business biz-1] [-limit 500]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	businessId := flag.String("business", "", "only sweep this business")
	limit := flag.Int("limit", 500, "max jobs per business")
	flag.Parse()

	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(1)
	db := config.GetDB()

	var businesses []string
	if *businessId != "" {
		businesses = []string{*businessId}
	} else if err := db.Model(&models.Job{}).
		Where("status = ? AND is_archived = ?", models.JobStatusClosed, false).
		Distinct().
		Pluck("business_id", &businesses).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list businesses: %v\n", err)
		os.Exit(1)
	}

	st := store.New(db, store.NewMemoryBus(), store.NewSystemClock(), logger)
	coord := workflow.NewCoordinator(st, models.RolePermissionProvider{}, config.LoadEngineSettings(), config.GetRedisLock(), logger)

	failed := 0
	for _, biz := range businesses {
		caller := models.Caller{Id: "archive-sweep", Name: "Archive sweep", Role: models.UserRoleAdmin, BusinessId: biz}
		res, err := coord.ArchiveClosedJobs(context.Background(), caller, *limit)
		if err != nil {
			config.LogError(logger, "archive-sweep", "main", "sweep", biz, err)
			failed++
			continue
		}
		failed += len(res.Failed)
		logger.WithFields(logrus.Fields{
			"business_id": biz,
			"archived":    res.Archived,
			"failed":      len(res.Failed),
		}).Info("archive sweep done")
		fmt.Printf("business=%s archived=%d failed=%d\n", biz, res.Archived, len(res.Failed))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

package models_test

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store/storetest"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func seedDocument(t *testing.T, db *gorm.DB, id string, docNo string, status models.SalesDocumentStatus, issued time.Time, paidAt *time.Time) {
	t.Helper()
	doc := models.SalesDocument{
		ID:         id,
		BusinessId: "biz-1",
		DocType:    models.SalesDocumentTypeTaxInvoice,
		DocNo:      docNo,
		Status:     status,
		IssueDate:  issued,
		PaidAt:     paidAt,
		VatRate:    decimal.Zero,
		CreatedAt:  issued,
	}
	if err := doc.SetItems([]models.NewSalesDocumentItem{{Name: "Service", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1000)}}); err != nil {
		t.Fatalf("set items: %v", err)
	}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("create %s: %v", docNo, err)
	}
}

func TestReceivableAgingBuckets(t *testing.T) {
	db := storetest.OpenDB(t)
	asOf := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

	seedDocument(t, db, "d-1", "INV-000001", models.SalesDocumentStatusApproved, asOf.AddDate(0, 0, -5), nil)
	seedDocument(t, db, "d-2", "INV-000002", models.SalesDocumentStatusPendingReview, asOf.AddDate(0, 0, -45), nil)
	seedDocument(t, db, "d-3", "INV-000003", models.SalesDocumentStatusApproved, asOf.AddDate(0, 0, -200), nil)
	paid := asOf.AddDate(0, 0, -1)
	seedDocument(t, db, "d-4", "INV-000004", models.SalesDocumentStatusPaid, asOf.AddDate(0, 0, -10), &paid)
	seedDocument(t, db, "d-5", "INV-000005", models.SalesDocumentStatusDraft, asOf.AddDate(0, 0, -10), nil)

	buckets, err := models.GetReceivableAging(context.Background(), db, "biz-1", asOf)
	if err != nil {
		t.Fatalf("aging: %v", err)
	}
	want := map[string]int{"0-30": 1, "31-60": 1, "61-90": 0, "90+": 1}
	if len(buckets) != len(want) {
		t.Fatalf("buckets=%v", buckets)
	}
	for _, b := range buckets {
		if b.DocumentCount != want[b.Bucket] {
			t.Fatalf("bucket %s count=%d want %d", b.Bucket, b.DocumentCount, want[b.Bucket])
		}
		if !b.Amount.Equal(decimal.NewFromInt(int64(1000 * want[b.Bucket]))) {
			t.Fatalf("bucket %s amount=%s", b.Bucket, b.Amount)
		}
	}
}

func TestCashFlowGroupsByPaymentDay(t *testing.T) {
	db := storetest.OpenDB(t)
	day1 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	day1Late := day1.Add(8 * time.Hour)
	day2 := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	outside := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	seedDocument(t, db, "d-1", "INV-000001", models.SalesDocumentStatusPaid, day1, &day1)
	seedDocument(t, db, "d-2", "INV-000002", models.SalesDocumentStatusPaid, day1, &day1Late)
	seedDocument(t, db, "d-3", "INV-000003", models.SalesDocumentStatusPaid, day2, &day2)
	seedDocument(t, db, "d-4", "INV-000004", models.SalesDocumentStatusPaid, outside, &outside)

	days, err := models.GetCashFlow(context.Background(), db, "biz-1",
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("cash flow: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("days=%v", days)
	}
	if days[0].Date != "2025-06-01" || days[0].DocumentCount != 2 || !days[0].Amount.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("first day=%+v", days[0])
	}
	if days[1].Date != "2025-06-03" || days[1].DocumentCount != 1 {
		t.Fatalf("second day=%+v", days[1])
	}
}

func TestJobBacklogSkipsClosedJobs(t *testing.T) {
	db := storetest.OpenDB(t)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	jobs := []models.Job{
		{ID: "j-1", BusinessId: "biz-1", JobNo: "JOB-000001", Department: models.DepartmentMechanical, Status: models.JobStatusReceived},
		{ID: "j-2", BusinessId: "biz-1", JobNo: "JOB-000002", Department: models.DepartmentMechanical, Status: models.JobStatusReceived},
		{ID: "j-3", BusinessId: "biz-1", JobNo: "JOB-000003", Department: models.DepartmentBodyPaint, Status: models.JobStatusDone},
		{ID: "j-4", BusinessId: "biz-1", JobNo: "JOB-000004", Department: models.DepartmentBodyPaint, Status: models.JobStatusClosed},
		{ID: "j-5", BusinessId: "biz-2", JobNo: "JOB-000001", Department: models.DepartmentMechanical, Status: models.JobStatusReceived},
	}
	for i := range jobs {
		jobs[i].CreatedAt = now
		jobs[i].LastActivityAt = now
	}
	if err := db.Create(&jobs).Error; err != nil {
		t.Fatalf("create jobs: %v", err)
	}

	rows, err := models.GetJobBacklog(context.Background(), db, "biz-1")
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%v", rows)
	}
	if rows[0].Status != models.JobStatusDone || rows[0].Department != models.DepartmentBodyPaint || rows[0].JobCount != 1 {
		t.Fatalf("first row=%+v", rows[0])
	}
	if rows[1].Status != models.JobStatusReceived || rows[1].JobCount != 2 {
		t.Fatalf("second row=%+v", rows[1])
	}
}

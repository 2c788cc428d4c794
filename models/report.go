package models

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Dashboard readers. They only read job and document rows; nothing here
// writes back into the engine's records.

type JobBacklogRow struct {
	Status     JobStatus  `json:"status"`
	Department Department `json:"department"`
	JobCount   int64      `json:"job_count"`
}

// GetJobBacklog counts open jobs per status and department.
func GetJobBacklog(ctx context.Context, db *gorm.DB, businessId string) ([]JobBacklogRow, error) {
	var rows []JobBacklogRow
	err := db.WithContext(ctx).Model(&Job{}).
		Select("status, department, COUNT(*) AS job_count").
		Where("business_id = ? AND status <> ? AND is_archived = ?", businessId, JobStatusClosed, false).
		Group("status, department").
		Order("status, department").
		Scan(&rows).Error
	return rows, err
}

type ReceivableAgingBucket struct {
	Bucket        string          `json:"bucket"`
	DocumentCount int             `json:"document_count"`
	Amount        decimal.Decimal `json:"amount"`
}

var agingBuckets = []struct {
	name    string
	maxDays int
}{
	{"0-30", 30},
	{"31-60", 60},
	{"61-90", 90},
	{"90+", -1},
}

func agingBucketIndex(days int) int {
	for i, b := range agingBuckets {
		if b.maxDays < 0 || days <= b.maxDays {
			return i
		}
	}
	return len(agingBuckets) - 1
}

// GetReceivableAging buckets unpaid payable documents by age at asOf.
func GetReceivableAging(ctx context.Context, db *gorm.DB, businessId string, asOf time.Time) ([]ReceivableAgingBucket, error) {
	var docs []struct {
		IssueDate  time.Time
		GrandTotal decimal.Decimal
	}
	err := db.WithContext(ctx).Model(&SalesDocument{}).
		Select("issue_date, grand_total").
		Where("business_id = ? AND doc_type IN ? AND status IN ?", businessId,
			[]SalesDocumentType{SalesDocumentTypeTaxInvoice, SalesDocumentTypeReceipt},
			[]SalesDocumentStatus{SalesDocumentStatusPendingReview, SalesDocumentStatusApproved}).
		Scan(&docs).Error
	if err != nil {
		return nil, err
	}

	result := make([]ReceivableAgingBucket, len(agingBuckets))
	for i, b := range agingBuckets {
		result[i] = ReceivableAgingBucket{Bucket: b.name, Amount: decimal.Zero}
	}
	for _, d := range docs {
		days := int(asOf.Sub(d.IssueDate).Hours() / 24)
		if days < 0 {
			days = 0
		}
		i := agingBucketIndex(days)
		result[i].DocumentCount++
		result[i].Amount = result[i].Amount.Add(d.GrandTotal)
	}
	return result, nil
}

type CashFlowDay struct {
	Date          string          `json:"date"`
	DocumentCount int             `json:"document_count"`
	Amount        decimal.Decimal `json:"amount"`
}

// GetCashFlow sums paid documents per day of payment in [from, to).
func GetCashFlow(ctx context.Context, db *gorm.DB, businessId string, from time.Time, to time.Time) ([]CashFlowDay, error) {
	var docs []struct {
		PaidAt     time.Time
		GrandTotal decimal.Decimal
	}
	err := db.WithContext(ctx).Model(&SalesDocument{}).
		Select("paid_at, grand_total").
		Where("business_id = ? AND status = ? AND paid_at >= ? AND paid_at < ?",
			businessId, SalesDocumentStatusPaid, from, to).
		Scan(&docs).Error
	if err != nil {
		return nil, err
	}

	byDay := map[string]*CashFlowDay{}
	for _, d := range docs {
		key := d.PaidAt.UTC().Format("2006-01-02")
		day, ok := byDay[key]
		if !ok {
			day = &CashFlowDay{Date: key, Amount: decimal.Zero}
			byDay[key] = day
		}
		day.DocumentCount++
		day.Amount = day.Amount.Add(d.GrandTotal)
	}
	result := make([]CashFlowDay, 0, len(byDay))
	for _, day := range byDay {
		result = append(result, *day)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

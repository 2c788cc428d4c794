package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DocumentNumberSeries is the per-business counter behind QT/DN/INV/RC/CN and
// job numbers. NextNo is advanced with a guarded update inside the batch that
// uses the number, so two issuers racing for the same number conflict.
type DocumentNumberSeries struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;uniqueIndex:uniq_number_series,priority:1" json:"business_id"`
	DocType    string    `gorm:"size:20;not null;uniqueIndex:uniq_number_series,priority:2" json:"doc_type"`
	Prefix     string    `gorm:"size:10;not null" json:"prefix"`
	NextNo     int       `gorm:"not null" json:"next_no"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobNumberSeries keys the series used for job numbers.
const JobNumberSeries = "JOB"

// ReadNumberSeries returns the stored series, or an unsaved one starting at 1.
func ReadNumberSeries(ctx context.Context, db *gorm.DB, businessId string, docType string, prefix string) (*DocumentNumberSeries, error) {
	var series DocumentNumberSeries
	err := db.WithContext(ctx).
		Where("business_id = ? AND doc_type = ?", businessId, docType).
		Take(&series).Error
	if err == nil {
		return &series, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &DocumentNumberSeries{
		BusinessId: businessId,
		DocType:    docType,
		Prefix:     prefix,
		NextNo:     1,
	}, nil
}

func (series DocumentNumberSeries) IsStored() bool {
	return series.ID != 0
}

func (series DocumentNumberSeries) Current() string {
	return FormatDocumentNumber(series.Prefix, series.NextNo)
}

// FirstFree returns the first sequence at or after NextNo whose number is not
// in taken. Backfilled documents can hold numbers the series has not reached.
func (series DocumentNumberSeries) FirstFree(taken map[string]bool) int {
	seq := series.NextNo
	for taken[FormatDocumentNumber(series.Prefix, seq)] {
		seq++
	}
	return seq
}

// BackfilledDocumentNumbers lists the numbers of backfilled documents of one type.
func BackfilledDocumentNumbers(ctx context.Context, db *gorm.DB, businessId string, docType SalesDocumentType) (map[string]bool, error) {
	var docNos []string
	err := db.WithContext(ctx).Model(&SalesDocument{}).
		Where("business_id = ? AND doc_type = ? AND is_backfilled = ?", businessId, docType, true).
		Pluck("doc_no", &docNos).Error
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(docNos))
	for _, no := range docNos {
		taken[no] = true
	}
	return taken, nil
}

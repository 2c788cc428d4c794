package models

import "time"

// IdempotencyKey remembers the result of a keyed operation so a retried
// request returns the original record instead of creating a second one.
// Unique constraint: (business_id, operation, request_key).
type IdempotencyKey struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_idem,unique" json:"business_id"`
	Operation  string    `gorm:"size:100;not null;index:uniq_idem,unique" json:"operation"`
	RequestKey string    `gorm:"size:255;not null;index:uniq_idem,unique" json:"request_key"`
	ResultId   string    `gorm:"size:36;not null" json:"result_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

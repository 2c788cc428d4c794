package models

import (
	"time"

	"gorm.io/datatypes"
)

// Activity is one entry in a job's append-only audit log.
type Activity struct {
	ID         string                      `gorm:"primary_key;size:36" json:"id"`
	BusinessId string                      `gorm:"size:64;not null;index" json:"business_id"`
	JobId      string                      `gorm:"size:36;not null;index" json:"job_id"`
	Kind       ActivityKind                `gorm:"size:20;not null" json:"kind"`
	Text       string                      `gorm:"type:text;not null" json:"text"`
	AuthorId   string                      `gorm:"size:36" json:"author_id"`
	AuthorName string                      `gorm:"size:100" json:"author_name"`
	PhotoRefs  datatypes.JSONSlice[string] `json:"photo_refs"`
	CreatedAt  time.Time                   `gorm:"not null;index" json:"created_at"`
}

type NewActivity struct {
	Kind      ActivityKind `json:"kind"`
	Text      string       `json:"text"`
	PhotoRefs []string     `json:"photo_refs"`
}

// IsUserEntry is true for kinds a caller may append directly. Transition and
// document entries are only written by the engine.
func (k ActivityKind) IsUserEntry() bool {
	return k == ActivityKindNote || k == ActivityKindPhoto
}

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/garage_backend/utils"
)

// Job is one repair work order. Status, assignee and sales document linkage are
// only written through the job state machine inside a store batch.
type Job struct {
	ID             string             `gorm:"primary_key;size:36" json:"id"`
	BusinessId     string             `gorm:"size:64;not null;index" json:"business_id"`
	JobNo          string             `gorm:"size:50;index" json:"job_no"`
	Department     Department         `gorm:"size:30;not null;index" json:"department"`
	Description    string             `gorm:"type:text" json:"description"`
	CustomerName   string             `gorm:"size:255" json:"customer_name"`
	CustomerPhone  string             `gorm:"size:30" json:"customer_phone"`
	VehiclePlate   string             `gorm:"size:30;index" json:"vehicle_plate"`
	Status         JobStatus          `gorm:"size:30;not null;index" json:"status"`
	AssigneeId     *string            `gorm:"size:36" json:"assignee_id"`
	AssigneeName   *string            `gorm:"size:100" json:"assignee_name"`
	SalesDocId     *string            `gorm:"size:36" json:"sales_doc_id"`
	SalesDocNo     *string            `gorm:"size:50" json:"sales_doc_no"`
	SalesDocType   *SalesDocumentType `gorm:"size:20" json:"sales_doc_type"`
	ClosedDate     *time.Time         `json:"closed_date"`
	IsArchived     bool               `gorm:"not null;default:false;index" json:"is_archived"`
	ArchiveYear    *int               `json:"archive_year"`
	CreatedAt      time.Time          `gorm:"not null" json:"created_at"`
	LastActivityAt time.Time          `gorm:"not null;index" json:"last_activity_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewJob struct {
	Department    Department `json:"department" binding:"required"`
	Description   string     `json:"description"`
	CustomerName  string     `json:"customer_name" binding:"required"`
	CustomerPhone string     `json:"customer_phone"`
	VehiclePlate  string     `json:"vehicle_plate" binding:"required"`
}

func (input *NewJob) Validate() error {
	if !input.Department.IsValid() {
		return errors.New("invalid department")
	}
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	if input.CustomerName == "" {
		return errors.New("customer name is required")
	}
	input.VehiclePlate = strings.ToUpper(strings.TrimSpace(input.VehiclePlate))
	if input.VehiclePlate == "" {
		return errors.New("vehicle plate is required")
	}
	if phone := strings.TrimSpace(input.CustomerPhone); phone != "" {
		region := utils.DefaultPhoneRegion()
		if err := utils.ValidatePhoneNumber(phone, region); err != nil {
			return err
		}
		normalized, err := utils.NormalizePhoneNumber(phone, region)
		if err != nil {
			return err
		}
		input.CustomerPhone = normalized
	}
	return nil
}

func (job Job) HasLinkage() bool {
	return job.SalesDocId != nil
}

// LinkageConsistent reports whether sales_doc_id/no/type are all set or all empty.
func (job Job) LinkageConsistent() bool {
	set := 0
	if job.SalesDocId != nil {
		set++
	}
	if job.SalesDocNo != nil {
		set++
	}
	if job.SalesDocType != nil {
		set++
	}
	return set == 0 || set == 3
}

func (job Job) IsCurrentDocument(docId string) bool {
	return job.SalesDocId != nil && *job.SalesDocId == docId
}

func (job *Job) setLinkage(doc *SalesDocument) {
	if doc == nil {
		job.SalesDocId = nil
		job.SalesDocNo = nil
		job.SalesDocType = nil
		return
	}
	id, no, docType := doc.ID, doc.DocNo, doc.DocType
	job.SalesDocId = &id
	job.SalesDocNo = &no
	job.SalesDocType = &docType
}

func (job Job) Describe() string {
	if job.JobNo != "" {
		return job.JobNo
	}
	return job.ID
}

// ArchiveJobTable is the partition holding jobs closed in year.
func ArchiveJobTable(year int) string {
	return fmt.Sprintf("archive_%d_jobs", year)
}

func ArchiveActivityTable(year int) string {
	return fmt.Sprintf("archive_%d_activities", year)
}

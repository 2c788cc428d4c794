package models

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

func (job Job) GetCursor() time.Time {
	return job.LastActivityAt
}

func (job Job) GetId() string {
	return job.ID
}

type JobFilter struct {
	Status       *JobStatus  `form:"status"`
	Department   *Department `form:"department"`
	AssigneeId   string      `form:"assignee_id"`
	VehiclePlate string      `form:"vehicle_plate"`
	OpenOnly     bool        `form:"open_only"`
}

type JobsConnection struct {
	Edges    []Edge[Job] `json:"edges"`
	PageInfo *PageInfo   `json:"pageInfo"`
}

// ListJobs pages live jobs of a business, most recently active first.
func ListJobs(ctx context.Context, db *gorm.DB, businessId string, filter JobFilter, limit int, after *string) (*JobsConnection, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	dbCtx := db.WithContext(ctx).Model(&Job{}).
		Where("business_id = ? AND is_archived = ?", businessId, false)
	if filter.Status != nil {
		dbCtx = dbCtx.Where("status = ?", *filter.Status)
	}
	if filter.Department != nil {
		dbCtx = dbCtx.Where("department = ?", *filter.Department)
	}
	if filter.AssigneeId != "" {
		dbCtx = dbCtx.Where("assignee_id = ?", filter.AssigneeId)
	}
	if plate := strings.TrimSpace(filter.VehiclePlate); plate != "" {
		dbCtx = dbCtx.Where("vehicle_plate LIKE ?", "%"+strings.ToUpper(plate)+"%")
	}
	if filter.OpenOnly {
		dbCtx = dbCtx.Where("status <> ?", JobStatusClosed)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[Job](dbCtx, limit, after, "last_activity_at", "<")
	if err != nil {
		return nil, err
	}
	return &JobsConnection{Edges: edges, PageInfo: pageInfo}, nil
}

// GetJobDocuments lists every sales document linked to the job, cancelled ones included.
func GetJobDocuments(ctx context.Context, db *gorm.DB, jobId string) ([]*SalesDocument, error) {
	var docs []*SalesDocument
	err := db.WithContext(ctx).
		Where("job_id = ?", jobId).
		Order("created_at, id").
		Find(&docs).Error
	return docs, err
}

// GetSalesDocumentsByIds backs the document loader.
func GetSalesDocumentsByIds(ctx context.Context, db *gorm.DB, ids []string) ([]*SalesDocument, error) {
	var docs []*SalesDocument
	if len(ids) == 0 {
		return docs, nil
	}
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error
	return docs, err
}

func GetUsersByIds(ctx context.Context, db *gorm.DB, ids []string) ([]*User, error) {
	var users []*User
	if len(ids) == 0 {
		return users, nil
	}
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/gorm"
)

const defaultActivityLimit = 50

// Archive moves a CLOSED job into the partition of its closing year. The live
// row stays behind as a tombstone (is_archived, archive_year) pointing at the
// copy; the activity log moves with the job. Archiving an archived job is a
// no-op.
func (c *Coordinator) Archive(ctx context.Context, caller models.Caller, jobId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "Archive", caller)
	defer func() { c.end(span, "Archive", err) }()

	if err := c.authorize(ctx, caller, models.ActionArchiveJob); err != nil {
		return nil, err
	}
	return c.archive(ctx, caller, jobId)
}

func (c *Coordinator) archive(ctx context.Context, caller models.Caller, jobId string) (*models.Job, error) {
	unlock := c.lockJob(ctx, jobId)
	defer unlock()

	job, err := c.loadJob(ctx, jobId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		// purged tombstone: fine as long as the copy exists
		return c.findArchivedJob(ctx, jobId)
	}
	if err != nil {
		return nil, err
	}
	if job.IsArchived {
		return c.FindJob(ctx, caller, jobId)
	}
	if job.Status != models.JobStatusClosed || job.ClosedDate == nil {
		return nil, utils.InvalidTransition("job %s is %s; only closed jobs are archived", job.Describe(), job.Status)
	}

	year := job.ClosedDate.UTC().Year()
	if err := models.MigrateArchivePartition(c.Store.DB.WithContext(ctx), year); err != nil {
		return nil, utils.StorageUnavailable(err)
	}
	acts, err := c.liveActivities(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	now := c.Store.ServerTimestamp()
	archived := *job
	archived.IsArchived = true
	archived.ArchiveYear = &year
	archived.LastActivityAt = now
	entry := c.newActivity(caller, archived, models.ActivityKindTransition, fmt.Sprintf("Archived to %d", year), now)

	b := store.NewBatch()
	b.Update(&models.Job{}, job.ID, store.Guard(job.Expectation()), map[string]interface{}{
		"is_archived":      true,
		"archive_year":     year,
		"last_activity_at": now,
	})
	b.Check(activityCountIs("", job.ID, len(acts)))
	b.CreateIn(models.ArchiveJobTable(year), &archived)
	if len(acts) > 0 {
		b.CreateIn(models.ArchiveActivityTable(year), &acts)
	}
	b.CreateIn(models.ArchiveActivityTable(year), entry)
	b.DeleteWhere("", &models.Activity{}, "job_id = ?", job.ID)
	if err := c.addOutbox(ctx, b, job.BusinessId, models.EventJobArchived, models.OutboxReferenceJob, job.ID, now, archived); err != nil {
		return nil, err
	}
	b.Notify(jobTopics(job.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return &archived, nil
}

// SweepResult reports one ArchiveClosedJobs run.
type SweepResult struct {
	Archived int      `json:"archived"`
	Failed   []string `json:"failed"`
}

// ArchiveClosedJobs archives up to limit CLOSED jobs of the caller's business
// that are still live. It picks up closes whose synchronous archival failed and
// closes that never archive on their own (customer rejects without cost).
func (c *Coordinator) ArchiveClosedJobs(ctx context.Context, caller models.Caller, limit int) (res SweepResult, err error) {
	ctx, span := c.begin(ctx, "ArchiveClosedJobs", caller)
	defer func() { c.end(span, "ArchiveClosedJobs", err) }()

	if err := c.authorize(ctx, caller, models.ActionArchiveJob); err != nil {
		return res, err
	}
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := c.Store.DB.WithContext(ctx).Model(&models.Job{}).
		Where("business_id = ? AND status = ? AND is_archived = ?", caller.BusinessId, models.JobStatusClosed, false).
		Order("closed_date, id").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return res, utils.StorageUnavailable(err)
	}
	for _, id := range ids {
		if _, err := c.archive(ctx, caller, id); err != nil {
			config.LogError(c.Logger, "Coordinator", "ArchiveClosedJobs", "archive", id, err)
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Archived++
	}
	return res, nil
}

// restoreForRollback adds to b the writes that bring an archived job and its
// activity log back to the live tables, then the documentCancelled rollback.
func (c *Coordinator) restoreForRollback(ctx context.Context, b *store.Batch, job models.Job, doc *models.SalesDocument, now time.Time) (*models.JobTransition, error) {
	if job.ArchiveYear == nil {
		return nil, utils.InvariantViolation("archived job %s has no archive year", job.Describe())
	}
	year := *job.ArchiveYear
	var acts []models.Activity
	err := c.Store.DB.WithContext(ctx).Table(models.ArchiveActivityTable(year)).
		Where("job_id = ?", job.ID).
		Order("created_at").
		Find(&acts).Error
	if err != nil {
		return nil, utils.StorageUnavailable(err)
	}

	restored := job
	restored.IsArchived = false
	restored.ArchiveYear = nil
	jt, err := restored.Apply(now, models.JobEvent{Type: models.JobEventDocumentCancelled, Document: doc})
	if err != nil {
		return nil, err
	}
	jt.Activity = joinActivity(fmt.Sprintf("Restored from archive %d", year), jt.Activity)
	jt.Changes["is_archived"] = false
	jt.Changes["archive_year"] = nil

	b.Update(&models.Job{}, job.ID, store.Guard(job.Expectation()), jt.Changes)
	b.Check(activityCountIs(models.ArchiveActivityTable(year), job.ID, len(acts)))
	if len(acts) > 0 {
		b.Create(&acts)
	}
	b.DeleteWhere(models.ArchiveActivityTable(year), &models.Activity{}, "job_id = ?", job.ID)
	b.DeleteWhere(models.ArchiveJobTable(year), &models.Job{}, "id = ?", job.ID)
	return jt, nil
}

// activityCountIs fails the batch when entries were appended to the job's log
// since it was read. An empty table means the live activity table.
func activityCountIs(table string, jobId string, want int) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		var n int64
		q := tx.Model(&models.Activity{})
		if table != "" {
			q = q.Table(table)
		}
		if err := q.Where("job_id = ?", jobId).Count(&n).Error; err != nil {
			return err
		}
		if int(n) != want {
			return utils.StateConflict("activity log of job %s changed since it was read", jobId)
		}
		return nil
	}
}

func (c *Coordinator) liveActivities(ctx context.Context, jobId string) ([]models.Activity, error) {
	var acts []models.Activity
	err := c.Store.DB.WithContext(ctx).
		Where("job_id = ?", jobId).
		Order("created_at").
		Find(&acts).Error
	if err != nil {
		return nil, utils.StorageUnavailable(err)
	}
	return acts, nil
}

// FindJob looks a job up in the live table first. A tombstone resolves to its
// archive copy; a miss probes the archive partitions newest year first, up to
// the configured horizon.
func (c *Coordinator) FindJob(ctx context.Context, caller models.Caller, jobId string) (*models.Job, error) {
	ctx = caller.WithContext(ctx)
	job, err := c.loadJob(ctx, jobId)
	if err == nil {
		if !job.IsArchived || job.ArchiveYear == nil {
			return job, nil
		}
		var archived models.Job
		err := c.Store.GetIn(ctx, models.ArchiveJobTable(*job.ArchiveYear), &archived, jobId)
		if err == nil {
			return &archived, nil
		}
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return job, nil
		}
		return nil, err
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}
	return c.findArchivedJob(ctx, jobId)
}

func (c *Coordinator) findArchivedJob(ctx context.Context, jobId string) (*models.Job, error) {
	newest := c.Store.ServerTimestamp().UTC().Year()
	migrator := c.Store.DB.WithContext(ctx).Migrator()
	for year := newest; year > newest-c.Settings.ArchiveHorizonYears; year-- {
		table := models.ArchiveJobTable(year)
		if !migrator.HasTable(table) {
			continue
		}
		var job models.Job
		err := c.Store.GetIn(ctx, table, &job, jobId)
		if err == nil {
			return &job, nil
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}
	}
	return nil, utils.NotFound("job %s not found", jobId)
}

// ListActivities returns a job's log newest first, from the live table or the
// job's archive partition.
func (c *Coordinator) ListActivities(ctx context.Context, caller models.Caller, jobId string, limit int) ([]models.Activity, error) {
	job, err := c.FindJob(ctx, caller, jobId)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	q := c.Store.DB.WithContext(caller.WithContext(ctx))
	if job.IsArchived && job.ArchiveYear != nil {
		q = q.Table(models.ArchiveActivityTable(*job.ArchiveYear))
	}
	acts := []models.Activity{}
	err = q.Where("job_id = ?", jobId).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&acts).Error
	if err != nil {
		return nil, utils.StorageUnavailable(err)
	}
	return acts, nil
}

// SubscribeActivities sends the current activity list and a fresh one after
// every committed change to the job's log, until ctx is done.
func (c *Coordinator) SubscribeActivities(ctx context.Context, caller models.Caller, jobId string, limit int) (<-chan []models.Activity, error) {
	first, err := c.ListActivities(ctx, caller, jobId, limit)
	if err != nil {
		return nil, err
	}
	changes, err := c.Store.Subscribe(ctx, store.JobActivitiesTopic(jobId))
	if err != nil {
		return nil, err
	}

	out := make(chan []models.Activity, 1)
	out <- first
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				acts, err := c.ListActivities(ctx, caller, jobId, limit)
				if err != nil {
					c.Logger.WithField("job_id", jobId).Warn("activity feed refresh failed: " + err.Error())
					continue
				}
				select {
				case out <- acts:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

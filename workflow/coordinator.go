package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("garage-backend")

const jobLockTTL = 10 * time.Second

// Coordinator is the only writer for jobs, sales documents and activities.
// Every operation checks permission, re-reads the records it guards, runs the
// state machines and commits one batch: guarded updates, exactly one activity
// entry and one outbox event.
type Coordinator struct {
	Store       *store.Store
	Permissions models.PermissionProvider
	Settings    config.EngineSettings
	Locker      *redislock.Client
	Logger      *logrus.Logger
}

func NewCoordinator(st *store.Store, permissions models.PermissionProvider, settings config.EngineSettings, locker *redislock.Client, logger *logrus.Logger) *Coordinator {
	if permissions == nil {
		permissions = models.RolePermissionProvider{}
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Coordinator{
		Store:       st,
		Permissions: permissions,
		Settings:    settings,
		Locker:      locker,
		Logger:      logger,
	}
}

func (c *Coordinator) begin(ctx context.Context, op string, caller models.Caller) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "Coordinator."+op)
	span.SetAttributes(
		attribute.String("caller.id", caller.Id),
		attribute.String("business.id", caller.BusinessId),
	)
	return caller.WithContext(ctx), span
}

func (c *Coordinator) end(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(utils.KindOf(err)))
	if utils.KindOf(err) == utils.KindStorageUnavailable {
		config.LogError(c.Logger, "Coordinator", op, "commit", nil, err)
	}
}

func (c *Coordinator) authorize(ctx context.Context, caller models.Caller, actions ...models.Action) error {
	if caller.Id == "" || caller.BusinessId == "" {
		return utils.PermissionDenied()
	}
	for _, action := range actions {
		if !c.Permissions.Can(ctx, caller, action) {
			return utils.PermissionDenied()
		}
	}
	return nil
}

func (c *Coordinator) can(ctx context.Context, caller models.Caller, action models.Action) bool {
	return c.Permissions.Can(ctx, caller, action)
}

// lockJob serializes writers of one job across instances when Redis is
// configured. It is best effort: the guarded writes decide races either way.
func (c *Coordinator) lockJob(ctx context.Context, jobId string) func() {
	if c.Locker == nil || jobId == "" {
		return func() {}
	}
	lock, err := c.Locker.Obtain(ctx, "job-lock:"+jobId, jobLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if err != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":  "Coordinator",
			"job_id": jobId,
		}).Warn("job lock not obtained, continuing without it: " + err.Error())
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			config.LogError(c.Logger, "Coordinator", "lockJob", "release", jobId, err)
		}
	}
}

func (c *Coordinator) loadJob(ctx context.Context, jobId string) (*models.Job, error) {
	var job models.Job
	if err := c.Store.Get(ctx, &job, jobId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NotFound("job %s not found", jobId)
		}
		return nil, err
	}
	return &job, nil
}

func (c *Coordinator) loadDocument(ctx context.Context, docId string) (*models.SalesDocument, error) {
	var doc models.SalesDocument
	if err := c.Store.Get(ctx, &doc, docId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NotFound("document %s not found", docId)
		}
		return nil, err
	}
	return &doc, nil
}

func (c *Coordinator) newActivity(caller models.Caller, job models.Job, kind models.ActivityKind, text string, at time.Time) *models.Activity {
	return &models.Activity{
		ID:         c.Store.NewID(),
		BusinessId: job.BusinessId,
		JobId:      job.ID,
		Kind:       kind,
		Text:       text,
		AuthorId:   caller.Id,
		AuthorName: caller.Name,
		PhotoRefs:  []string{},
		CreatedAt:  at,
	}
}

func (c *Coordinator) addOutbox(ctx context.Context, b *store.Batch, businessId string, eventType string, refType string, refId string, at time.Time, payload interface{}) error {
	rec, err := models.NewOutboxRecord(ctx, businessId, eventType, refType, refId, at, payload)
	if err != nil {
		return err
	}
	b.Create(rec)
	return nil
}

// addJobTransition writes t to the live job row, guarded on what was read.
func addJobTransition(b *store.Batch, t *models.JobTransition) {
	b.Update(&models.Job{}, t.Job.ID, store.Guard(t.Expect), t.Changes)
}

// touchJob records text on job without changing its state. Archived jobs take
// the entry in their archive partition.
func (c *Coordinator) touchJob(b *store.Batch, caller models.Caller, job models.Job, kind models.ActivityKind, text string, at time.Time) *models.Activity {
	act := c.newActivity(caller, job, kind, text, at)
	if job.IsArchived && job.ArchiveYear != nil {
		b.Update(&models.Job{}, job.ID, store.Guard{"is_archived": true}, map[string]interface{}{"last_activity_at": at})
		b.UpdateIn(models.ArchiveJobTable(*job.ArchiveYear), &models.Job{}, job.ID, nil, map[string]interface{}{"last_activity_at": at})
		b.CreateIn(models.ArchiveActivityTable(*job.ArchiveYear), act)
		return act
	}
	b.Update(&models.Job{}, job.ID, store.Guard{"is_archived": false}, map[string]interface{}{"last_activity_at": at})
	b.Create(act)
	return act
}

func jobTopics(jobId string) []string {
	return []string{store.TopicJobs, store.JobTopic(jobId), store.JobActivitiesTopic(jobId)}
}

func documentTopics(docId string) []string {
	return []string{store.TopicDocuments, store.DocumentTopic(docId)}
}

func joinActivity(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "; ")
}

// afterClose archives a job that was just closed by payment. The close is
// already committed; a failed archive leaves a CLOSED live job that the
// archive sweep picks up later.
func (c *Coordinator) afterClose(ctx context.Context, caller models.Caller, t *models.JobTransition) {
	if t == nil || t.To != models.JobStatusClosed || !c.Settings.ArchiveOnPaid {
		return
	}
	if _, err := c.archive(ctx, caller, t.Job.ID); err != nil {
		config.LogError(c.Logger, "Coordinator", "afterClose", "archive job", t.Job.ID, err)
	}
}

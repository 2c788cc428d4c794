package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
)

const numberSeriesAttempts = 3

// CreateJob registers a new job in RECEIVED with the next job number.
func (c *Coordinator) CreateJob(ctx context.Context, caller models.Caller, input models.NewJob) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "CreateJob", caller)
	defer func() { c.end(span, "CreateJob", err) }()

	if err := c.authorize(ctx, caller, models.ActionCreateJob); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	// a racing intake takes the same number; read the series again and retry
	for attempt := 1; ; attempt++ {
		job, err = c.createJob(ctx, caller, input)
		if err == nil || !errors.Is(err, utils.ErrStateConflict) || attempt == numberSeriesAttempts {
			return job, err
		}
	}
}

func (c *Coordinator) createJob(ctx context.Context, caller models.Caller, input models.NewJob) (*models.Job, error) {
	series, err := models.ReadNumberSeries(ctx, c.Store.DB, caller.BusinessId, models.JobNumberSeries, models.JobNumberSeries)
	if err != nil {
		return nil, utils.StorageUnavailable(err)
	}
	now := c.Store.ServerTimestamp()
	job := &models.Job{
		ID:             c.Store.NewID(),
		BusinessId:     caller.BusinessId,
		JobNo:          series.Current(),
		Department:     input.Department,
		Description:    strings.TrimSpace(input.Description),
		CustomerName:   input.CustomerName,
		CustomerPhone:  input.CustomerPhone,
		VehiclePlate:   input.VehiclePlate,
		Status:         models.JobStatusReceived,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	b := store.NewBatch()
	advanceSeries(b, series, series.NextNo)
	b.Create(job)
	b.Create(c.newActivity(caller, *job, models.ActivityKindTransition, "Job received by "+string(job.Department), now))
	if err := c.addOutbox(ctx, b, job.BusinessId, models.EventJobCreated, models.OutboxReferenceJob, job.ID, now, job); err != nil {
		return nil, err
	}
	b.Notify(jobTopics(job.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return job, nil
}

// advanceSeries moves the series past used, the number taken inside b. Two
// batches reading the same series conflict on the guard or on the unique
// series key.
func advanceSeries(b *store.Batch, series *models.DocumentNumberSeries, used int) {
	if series.IsStored() {
		b.Update(&models.DocumentNumberSeries{}, series.ID,
			store.Guard{"next_no": series.NextNo},
			map[string]interface{}{"next_no": used + 1})
		return
	}
	created := *series
	created.NextNo = used + 1
	b.Create(&created)
}

// runJobEvents is the common path for events that touch only the job.
func (c *Coordinator) runJobEvents(ctx context.Context, caller models.Caller, jobId string, events ...models.JobEvent) (*models.Job, error) {
	unlock := c.lockJob(ctx, jobId)
	defer unlock()

	job, err := c.loadJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	now := c.Store.ServerTimestamp()
	t, err := job.Apply(now, events...)
	if err != nil {
		return nil, err
	}

	b := store.NewBatch()
	addJobTransition(b, t)
	b.Create(c.newActivity(caller, t.Job, models.ActivityKindTransition, t.Activity, now))
	if err := c.addOutbox(ctx, b, job.BusinessId, models.EventJobTransitioned, models.OutboxReferenceJob, job.ID, now, t); err != nil {
		return nil, err
	}
	b.Notify(jobTopics(job.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return &t.Job, nil
}

// AcceptJob assigns workerId (the caller when empty) and starts work.
func (c *Coordinator) AcceptJob(ctx context.Context, caller models.Caller, jobId string, workerId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "AcceptJob", caller)
	defer func() { c.end(span, "AcceptJob", err) }()

	if err := c.authorize(ctx, caller, models.ActionAcceptJob); err != nil {
		return nil, err
	}
	if workerId == "" {
		workerId = caller.Id
	}
	worker, err := models.GetUser(ctx, c.Store.DB, workerId)
	if err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventAcceptJob, Worker: worker})
}

func (c *Coordinator) RequestQuotation(ctx context.Context, caller models.Caller, jobId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "RequestQuotation", caller)
	defer func() { c.end(span, "RequestQuotation", err) }()

	if err := c.authorize(ctx, caller, models.ActionJobTransition); err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventRequestQuotation})
}

func (c *Coordinator) MarkDone(ctx context.Context, caller models.Caller, jobId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "MarkDone", caller)
	defer func() { c.end(span, "MarkDone", err) }()

	if err := c.authorize(ctx, caller, models.ActionJobTransition); err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventMarkDone})
}

func (c *Coordinator) CustomerApprove(ctx context.Context, caller models.Caller, jobId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "CustomerApprove", caller)
	defer func() { c.end(span, "CustomerApprove", err) }()

	if err := c.authorize(ctx, caller, models.ActionJobTransition); err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventCustomerApprove})
}

// CustomerReject closes the job when withCost is false; otherwise the job
// goes to DONE so the inspection can be billed.
func (c *Coordinator) CustomerReject(ctx context.Context, caller models.Caller, jobId string, withCost bool) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "CustomerReject", caller)
	defer func() { c.end(span, "CustomerReject", err) }()

	if err := c.authorize(ctx, caller, models.ActionJobTransition); err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventCustomerReject, WithCost: withCost})
}

func (c *Coordinator) PartsReady(ctx context.Context, caller models.Caller, jobId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "PartsReady", caller)
	defer func() { c.end(span, "PartsReady", err) }()

	if err := c.authorize(ctx, caller, models.ActionJobTransition); err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventPartsReady})
}

// TransferDepartment sends the job back to RECEIVED in another department.
// Closed jobs need override, which needs its own permission.
func (c *Coordinator) TransferDepartment(ctx context.Context, caller models.Caller, jobId string, department models.Department, override bool) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "TransferDepartment", caller)
	defer func() { c.end(span, "TransferDepartment", err) }()

	actions := []models.Action{models.ActionTransferDepartment}
	if override {
		actions = append(actions, models.ActionOverrideClosedJob)
	}
	if err := c.authorize(ctx, caller, actions...); err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{
		Type:       models.JobEventTransferDepartment,
		Department: department,
		Override:   override,
	})
}

func (c *Coordinator) ReassignWorker(ctx context.Context, caller models.Caller, jobId string, workerId string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "ReassignWorker", caller)
	defer func() { c.end(span, "ReassignWorker", err) }()

	if err := c.authorize(ctx, caller, models.ActionReassignWorker); err != nil {
		return nil, err
	}
	worker, err := models.GetUser(ctx, c.Store.DB, workerId)
	if err != nil {
		return nil, err
	}
	return c.runJobEvents(ctx, caller, jobId, models.JobEvent{Type: models.JobEventReassignWorker, Worker: worker})
}

// AppendActivity adds a note or photo entry. Archived jobs accept entries only
// from callers allowed to write to the archive.
func (c *Coordinator) AppendActivity(ctx context.Context, caller models.Caller, jobId string, input models.NewActivity) (act *models.Activity, err error) {
	ctx, span := c.begin(ctx, "AppendActivity", caller)
	defer func() { c.end(span, "AppendActivity", err) }()

	if err := c.authorize(ctx, caller, models.ActionAppendActivity); err != nil {
		return nil, err
	}
	if !input.Kind.IsUserEntry() {
		return nil, errors.New("only NOTE and PHOTO entries can be appended")
	}
	input.Text = strings.TrimSpace(input.Text)
	photos := utils.UniqueSlice(input.PhotoRefs)
	if input.Kind == models.ActivityKindPhoto && len(photos) == 0 {
		return nil, errors.New("photo entries need at least one photo reference")
	}
	if input.Kind == models.ActivityKindNote && input.Text == "" {
		return nil, errors.New("note text is required")
	}

	job, err := c.loadJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if job.IsArchived && !c.can(ctx, caller, models.ActionAppendArchivedActivity) {
		return nil, utils.PermissionDenied()
	}

	now := c.Store.ServerTimestamp()
	b := store.NewBatch()
	act = c.touchJob(b, caller, *job, input.Kind, input.Text, now)
	act.PhotoRefs = photos
	if err := c.addOutbox(ctx, b, job.BusinessId, models.EventActivityAppended, models.OutboxReferenceJob, job.ID, now, act); err != nil {
		return nil, err
	}
	b.Notify(store.JobTopic(job.ID), store.JobActivitiesTopic(job.ID))
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return act, nil
}

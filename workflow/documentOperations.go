package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// issuePlan is everything one issuing batch writes.
type issuePlan struct {
	now      time.Time
	doc      *models.SalesDocument
	series   *models.DocumentNumberSeries
	job      *models.Job
	jobT     *models.JobTransition
	cancels  []*models.DocumentTransition
	activity string
	key      string
}

type documentIssued struct {
	Document  *models.SalesDocument `json:"document"`
	Job       *models.Job           `json:"job,omitempty"`
	Cancelled []string              `json:"cancelled,omitempty"`
}

// IssueDocument creates a sales document, optionally for a job. A job keeps
// at most one active document per type; Supersede cancels the existing one in
// the same batch. Billable documents attach to the job, a quotation moves a
// job waiting for one to customer approval.
func (c *Coordinator) IssueDocument(ctx context.Context, caller models.Caller, input models.NewSalesDocument) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "IssueDocument", caller)
	defer func() { c.end(span, "IssueDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionIssueDocument); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if input.IdempotencyKey != "" {
		if doc, found, err := c.replayIssue(ctx, caller, input); err != nil || found {
			return doc, err
		}
	}
	if input.JobId != nil {
		unlock := c.lockJob(ctx, *input.JobId)
		defer unlock()
	}

	plan, err := c.planIssue(ctx, caller, input, "")
	if err != nil {
		return nil, err
	}
	if err := c.commitIssue(ctx, caller, plan); err != nil {
		if input.IdempotencyKey != "" && errors.Is(err, utils.ErrStateConflict) {
			if doc, found, rerr := c.replayIssue(ctx, caller, input); found || errors.Is(rerr, utils.ErrInvariantViolation) {
				return doc, rerr
			}
		}
		return nil, err
	}
	return plan.doc, nil
}

// planIssue reads current state and evaluates the issue without writing.
// replaceType names a second document type whose active documents on the job
// are cancelled in favour of the new one.
func (c *Coordinator) planIssue(ctx context.Context, caller models.Caller, input models.NewSalesDocument, replaceType models.SalesDocumentType) (*issuePlan, error) {
	now := c.Store.ServerTimestamp()
	plan := &issuePlan{now: now, key: strings.TrimSpace(input.IdempotencyKey)}

	doc := &models.SalesDocument{
		ID:               c.Store.NewID(),
		BusinessId:       caller.BusinessId,
		DocType:          input.DocType,
		JobId:            input.JobId,
		ReferencesDocIds: append([]string{}, input.ReferencesDocIds...),
		CustomerName:     input.CustomerName,
		IssueDate:        now,
		TaxApplicable:    input.TaxApplicable,
		VatRate:          c.Settings.VatRate,
		DiscountType:     input.DiscountType,
		Discount:         input.Discount,
		CreatedById:      caller.Id,
		CreatedByName:    caller.Name,
		CreatedAt:        now,
	}
	if input.IssueDate != nil {
		doc.IssueDate = input.IssueDate.UTC()
	}
	if err := doc.SetItems(input.Items); err != nil {
		return nil, err
	}
	if input.Status == models.SalesDocumentStatusPaid {
		paidAt := doc.IssueDate
		doc.Status = models.SalesDocumentStatusPaid
		doc.PaidAt = &paidAt
	} else {
		status, err := models.InitialDocumentStatus(input.Status, c.Settings.RequiresReview(string(doc.DocType)))
		if err != nil {
			return nil, err
		}
		doc.Status = status
	}

	if input.Backfill {
		var taken int64
		err := c.Store.DB.WithContext(ctx).Model(&models.SalesDocument{}).
			Where("doc_type = ? AND doc_no = ?", doc.DocType, input.DocNo).
			Count(&taken).Error
		if err != nil {
			return nil, utils.StorageUnavailable(err)
		}
		if taken > 0 {
			return nil, utils.InvariantViolation("%s number %s already exists", doc.DocType, input.DocNo)
		}
		doc.DocNo = input.DocNo
		doc.IsBackfilled = true
	} else {
		series, err := models.ReadNumberSeries(ctx, c.Store.DB, caller.BusinessId, string(doc.DocType), doc.DocType.Prefix())
		if err != nil {
			return nil, utils.StorageUnavailable(err)
		}
		taken, err := models.BackfilledDocumentNumbers(ctx, c.Store.DB, caller.BusinessId, doc.DocType)
		if err != nil {
			return nil, utils.StorageUnavailable(err)
		}
		doc.SequenceNo = series.FirstFree(taken)
		doc.DocNo = models.FormatDocumentNumber(series.Prefix, doc.SequenceNo)
		plan.series = series
	}
	plan.doc = doc

	for _, refId := range doc.ReferencesDocIds {
		if _, err := c.loadDocument(ctx, refId); err != nil {
			return nil, err
		}
	}

	issued := fmt.Sprintf("%s %s issued", doc.DocType, doc.DocNo)
	if doc.IsBackfilled {
		issued = fmt.Sprintf("%s %s recorded from an existing paper document", doc.DocType, doc.DocNo)
	}
	if input.JobId == nil {
		plan.activity = issued
		return plan, nil
	}

	job, err := c.loadJob(ctx, *input.JobId)
	if err != nil {
		return nil, err
	}
	if job.IsArchived {
		return nil, utils.InvalidTransition("job %s is archived", job.Describe())
	}
	plan.job = job

	if doc.DocType.IsReconciling() {
		existing, err := c.activeDocuments(ctx, job.ID, doc.DocType)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 && !input.Supersede {
			return nil, utils.InvariantViolation("job %s already has %s %s; supersede it to issue another",
				job.Describe(), existing[0].DocType, existing[0].DocNo)
		}
		if err := plan.cancelInFavour(existing, doc, now); err != nil {
			return nil, err
		}
	}
	if replaceType != "" {
		olds, err := c.activeDocuments(ctx, job.ID, replaceType)
		if err != nil {
			return nil, err
		}
		if len(olds) == 0 {
			return nil, utils.InvalidTransition("job %s has no active %s to replace", job.Describe(), replaceType)
		}
		if err := plan.cancelInFavour(olds, doc, now); err != nil {
			return nil, err
		}
	}

	var events []models.JobEvent
	if doc.DocType == models.SalesDocumentTypeQuotation && job.Status == models.JobStatusWaitingQuotation {
		events = append(events, models.JobEvent{Type: models.JobEventQuotationIssued, Document: doc})
	}
	if doc.DocType.IsBillable() {
		events = append(events, models.JobEvent{Type: models.JobEventAttachBillableDocument, Document: doc})
	}
	parts := []string{issued}
	for _, t := range plan.cancels {
		parts = append(parts, t.Activity)
	}
	if len(events) > 0 {
		jt, err := job.Apply(now, events...)
		if err != nil {
			return nil, err
		}
		plan.jobT = jt
		parts = append(parts, jt.Activity)
	}
	plan.activity = joinActivity(parts...)
	return plan, nil
}

func (plan *issuePlan) cancelInFavour(docs []models.SalesDocument, doc *models.SalesDocument, now time.Time) error {
	for i := range docs {
		old := docs[i]
		if old.Status == models.SalesDocumentStatusPaid {
			return utils.InvariantViolation("%s %s is paid and cannot be superseded", old.DocType, old.DocNo)
		}
		t, err := old.Apply(models.DocumentEvent{
			Type:           models.DocumentEventCancel,
			Reason:         "superseded by " + doc.DocNo,
			SupersededById: &doc.ID,
		}, now)
		if err != nil {
			return err
		}
		plan.cancels = append(plan.cancels, t)
	}
	return nil
}

func (c *Coordinator) commitIssue(ctx context.Context, caller models.Caller, plan *issuePlan) error {
	doc := plan.doc
	b := store.NewBatch()
	if plan.series != nil {
		advanceSeries(b, plan.series, doc.SequenceNo)
	}
	if plan.job != nil {
		if plan.jobT != nil {
			addJobTransition(b, plan.jobT)
		} else {
			b.Update(&models.Job{}, plan.job.ID, store.Guard(plan.job.Expectation()),
				map[string]interface{}{"last_activity_at": plan.now})
		}
	}
	var cancelled []string
	for _, t := range plan.cancels {
		b.Update(&models.SalesDocument{}, t.Document.ID, store.Guard(t.Expect), t.Changes)
		b.Notify(documentTopics(t.Document.ID)...)
		cancelled = append(cancelled, t.Document.ID)
	}
	b.Create(doc)
	if plan.job != nil && doc.DocType.IsReconciling() {
		b.Check(singleActiveDocument(plan.job.ID, doc.DocType, doc.ID))
	}
	if plan.key != "" {
		recordIdempotentResult(b, doc.BusinessId, issueDocumentOperation, plan.key, doc.ID, plan.now)
	}

	payload := documentIssued{Document: doc, Cancelled: cancelled}
	if plan.job != nil {
		job := *plan.job
		if plan.jobT != nil {
			job = plan.jobT.Job
		} else {
			job.LastActivityAt = plan.now
		}
		payload.Job = &job
		b.Create(c.newActivity(caller, job, models.ActivityKindDocument, plan.activity, plan.now))
		b.Notify(jobTopics(job.ID)...)
	}
	if err := c.addOutbox(ctx, b, doc.BusinessId, models.EventDocumentIssued, models.OutboxReferenceSalesDocument, doc.ID, plan.now, payload); err != nil {
		return err
	}
	b.Notify(documentTopics(doc.ID)...)
	return c.Store.CommitBatch(ctx, b)
}

// activeDocuments lists the job's non-cancelled documents of docType.
func (c *Coordinator) activeDocuments(ctx context.Context, jobId string, docType models.SalesDocumentType) ([]models.SalesDocument, error) {
	var docs []models.SalesDocument
	err := c.Store.DB.WithContext(ctx).
		Where("job_id = ? AND doc_type = ? AND status <> ?", jobId, docType, models.SalesDocumentStatusCancelled).
		Order("created_at").
		Find(&docs).Error
	if err != nil {
		return nil, utils.StorageUnavailable(err)
	}
	return docs, nil
}

// singleActiveDocument re-checks inside the batch that docId is the only
// active document of its type on the job.
func singleActiveDocument(jobId string, docType models.SalesDocumentType, docId string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.SalesDocument{}).
			Where("job_id = ? AND doc_type = ? AND status <> ? AND id <> ?", jobId, docType, models.SalesDocumentStatusCancelled, docId).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return utils.InvariantViolation("job already has an active %s", docType)
		}
		return nil
	}
}

func referencedBy(docId string) clause.Expression {
	return clause.Or(
		clause.Eq{Column: clause.Column{Name: "superseded_by_id"}, Value: docId},
		datatypes.JSONArrayQuery("references_doc_ids").Contains(docId),
	)
}

// notReferenced fails when another document supersedes or references docId.
func notReferenced(doc models.SalesDocument) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.SalesDocument{}).Where(referencedBy(doc.ID)).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return utils.InvariantViolation("%s %s is referenced by another document", doc.DocType, doc.DocNo)
		}
		return nil
	}
}

// UpdateDocumentItems replaces the items of a DRAFT document and recomputes its totals.
func (c *Coordinator) UpdateDocumentItems(ctx context.Context, caller models.Caller, docId string, input models.UpdateSalesDocumentItems) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "UpdateDocumentItems", caller)
	defer func() { c.end(span, "UpdateDocumentItems", err) }()

	if err := c.authorize(ctx, caller, models.ActionEditDocument); err != nil {
		return nil, err
	}
	doc, err = c.loadDocument(ctx, docId)
	if err != nil {
		return nil, err
	}
	if doc.JobId != nil {
		unlock := c.lockJob(ctx, *doc.JobId)
		defer unlock()
	}
	if err := doc.CanEditItems(); err != nil {
		return nil, err
	}
	changes, err := doc.ApplyItems(input)
	if err != nil {
		return nil, err
	}

	now := c.Store.ServerTimestamp()
	b := store.NewBatch()
	if doc.JobId != nil {
		job, err := c.loadJob(ctx, *doc.JobId)
		if err != nil {
			return nil, err
		}
		text := fmt.Sprintf("%s %s items updated, total %s", doc.DocType, doc.DocNo, doc.GrandTotal.StringFixed(2))
		c.touchJob(b, caller, *job, models.ActivityKindDocument, text, now)
		b.Notify(store.JobTopic(job.ID), store.JobActivitiesTopic(job.ID))
	}
	b.Update(&models.SalesDocument{}, doc.ID, store.Guard{"status": models.SalesDocumentStatusDraft}, changes)
	if err := c.addOutbox(ctx, b, doc.BusinessId, models.EventDocumentUpdated, models.OutboxReferenceSalesDocument, doc.ID, now, doc); err != nil {
		return nil, err
	}
	b.Notify(documentTopics(doc.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return doc, nil
}

// runDocumentEvent is the common path for document events that leave the
// job's status alone.
func (c *Coordinator) runDocumentEvent(ctx context.Context, caller models.Caller, docId string, ev models.DocumentEvent) (*models.SalesDocument, error) {
	doc, err := c.loadDocument(ctx, docId)
	if err != nil {
		return nil, err
	}
	if doc.JobId != nil {
		unlock := c.lockJob(ctx, *doc.JobId)
		defer unlock()
	}
	now := c.Store.ServerTimestamp()
	t, err := doc.Apply(ev, now)
	if err != nil {
		return nil, err
	}

	b := store.NewBatch()
	if doc.JobId != nil {
		job, err := c.loadJob(ctx, *doc.JobId)
		if err != nil {
			return nil, err
		}
		c.touchJob(b, caller, *job, models.ActivityKindDocument, t.Activity, now)
		b.Notify(store.JobTopic(job.ID), store.JobActivitiesTopic(job.ID))
	}
	b.Update(&models.SalesDocument{}, doc.ID, store.Guard(t.Expect), t.Changes)
	if err := c.addOutbox(ctx, b, doc.BusinessId, models.EventDocumentTransitioned, models.OutboxReferenceSalesDocument, doc.ID, now, t); err != nil {
		return nil, err
	}
	b.Notify(documentTopics(doc.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return &t.Document, nil
}

func (c *Coordinator) SubmitDocument(ctx context.Context, caller models.Caller, docId string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "SubmitDocument", caller)
	defer func() { c.end(span, "SubmitDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionSubmitDocument); err != nil {
		return nil, err
	}
	return c.runDocumentEvent(ctx, caller, docId, models.DocumentEvent{Type: models.DocumentEventSubmit})
}

func (c *Coordinator) ApproveDocument(ctx context.Context, caller models.Caller, docId string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "ApproveDocument", caller)
	defer func() { c.end(span, "ApproveDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionReviewDocument); err != nil {
		return nil, err
	}
	return c.runDocumentEvent(ctx, caller, docId, models.DocumentEvent{Type: models.DocumentEventApprove})
}

func (c *Coordinator) RejectDocument(ctx context.Context, caller models.Caller, docId string, reason string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "RejectDocument", caller)
	defer func() { c.end(span, "RejectDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionReviewDocument); err != nil {
		return nil, err
	}
	return c.runDocumentEvent(ctx, caller, docId, models.DocumentEvent{Type: models.DocumentEventReject, Reason: reason})
}

// ReviseDocument reopens a REJECTED document as DRAFT.
func (c *Coordinator) ReviseDocument(ctx context.Context, caller models.Caller, docId string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "ReviseDocument", caller)
	defer func() { c.end(span, "ReviseDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionEditDocument); err != nil {
		return nil, err
	}
	return c.runDocumentEvent(ctx, caller, docId, models.DocumentEvent{Type: models.DocumentEventRevise})
}

// ConfirmPaid marks a payable document PAID. When it is the current document
// of its job the job closes in the same batch and is then archived.
func (c *Coordinator) ConfirmPaid(ctx context.Context, caller models.Caller, docId string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "ConfirmPaid", caller)
	defer func() { c.end(span, "ConfirmPaid", err) }()

	if err := c.authorize(ctx, caller, models.ActionConfirmPayment); err != nil {
		return nil, err
	}
	doc, err = c.loadDocument(ctx, docId)
	if err != nil {
		return nil, err
	}
	if doc.JobId != nil {
		unlock := c.lockJob(ctx, *doc.JobId)
		defer unlock()
	}
	now := c.Store.ServerTimestamp()
	dt, err := doc.Apply(models.DocumentEvent{
		Type:         models.DocumentEventConfirmPaid,
		SkipApproval: c.Settings.SkipsApproval(string(doc.DocType)),
	}, now)
	if err != nil {
		return nil, err
	}

	b := store.NewBatch()
	var jt *models.JobTransition
	if doc.JobId != nil {
		job, err := c.loadJob(ctx, *doc.JobId)
		if err != nil {
			return nil, err
		}
		if !job.IsCurrentDocument(doc.ID) {
			return nil, utils.InvariantViolation("%s %s is not the current document of job %s", doc.DocType, doc.DocNo, job.Describe())
		}
		jt, err = job.Apply(now, models.JobEvent{Type: models.JobEventDocumentPaid, Document: &dt.Document})
		if err != nil {
			return nil, err
		}
		addJobTransition(b, jt)
		b.Create(c.newActivity(caller, jt.Job, models.ActivityKindDocument, joinActivity(dt.Activity, jt.Activity), now))
		b.Notify(jobTopics(job.ID)...)
	}
	b.Update(&models.SalesDocument{}, doc.ID, store.Guard(dt.Expect), dt.Changes)
	if err := c.addOutbox(ctx, b, doc.BusinessId, models.EventDocumentTransitioned, models.OutboxReferenceSalesDocument, doc.ID, now, dt); err != nil {
		return nil, err
	}
	b.Notify(documentTopics(doc.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	c.afterClose(ctx, caller, jt)
	return &dt.Document, nil
}

// CancelDocument cancels a document. Cancelling the current document of a job
// returns the job to DONE with no linkage, restoring it from the archive first
// when the job was already archived.
func (c *Coordinator) CancelDocument(ctx context.Context, caller models.Caller, docId string, reason string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "CancelDocument", caller)
	defer func() { c.end(span, "CancelDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionCancelDocument); err != nil {
		return nil, err
	}
	// decided before the read so the answer never depends on the document
	elevated := c.can(ctx, caller, models.ActionCancelPaidDocument)
	doc, err = c.loadDocument(ctx, docId)
	if err != nil {
		return nil, err
	}
	if doc.JobId != nil {
		unlock := c.lockJob(ctx, *doc.JobId)
		defer unlock()
	}
	now := c.Store.ServerTimestamp()
	dt, err := doc.Apply(models.DocumentEvent{
		Type:     models.DocumentEventCancel,
		Reason:   reason,
		Elevated: elevated,
	}, now)
	if err != nil {
		return nil, err
	}

	b := store.NewBatch()
	if doc.JobId != nil {
		job, err := c.loadJob(ctx, *doc.JobId)
		if err != nil {
			return nil, err
		}
		if job.IsCurrentDocument(doc.ID) {
			var jt *models.JobTransition
			if job.IsArchived {
				jt, err = c.restoreForRollback(ctx, b, *job, doc, now)
			} else {
				jt, err = job.Apply(now, models.JobEvent{Type: models.JobEventDocumentCancelled, Document: doc})
				if err == nil {
					addJobTransition(b, jt)
				}
			}
			if err != nil {
				return nil, err
			}
			b.Create(c.newActivity(caller, jt.Job, models.ActivityKindDocument, joinActivity(dt.Activity, jt.Activity), now))
		} else {
			c.touchJob(b, caller, *job, models.ActivityKindDocument, dt.Activity, now)
		}
		b.Notify(jobTopics(job.ID)...)
	}
	b.Update(&models.SalesDocument{}, doc.ID, store.Guard(dt.Expect), dt.Changes)
	if err := c.addOutbox(ctx, b, doc.BusinessId, models.EventDocumentTransitioned, models.OutboxReferenceSalesDocument, doc.ID, now, dt); err != nil {
		return nil, err
	}
	b.Notify(documentTopics(doc.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return &dt.Document, nil
}

// DeleteDocument removes a document that is not PAID and that no other
// document supersedes or references. Deleting the current document of a job
// rolls the job back like a cancellation.
func (c *Coordinator) DeleteDocument(ctx context.Context, caller models.Caller, docId string) (err error) {
	ctx, span := c.begin(ctx, "DeleteDocument", caller)
	defer func() { c.end(span, "DeleteDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionDeleteDocument); err != nil {
		return err
	}
	doc, err := c.loadDocument(ctx, docId)
	if err != nil {
		return err
	}
	if doc.JobId != nil {
		unlock := c.lockJob(ctx, *doc.JobId)
		defer unlock()
	}
	if err := doc.CanDelete(); err != nil {
		return err
	}
	if err := notReferenced(*doc)(c.Store.DB.WithContext(ctx)); err != nil {
		if utils.KindOf(err) == "" {
			return utils.StorageUnavailable(err)
		}
		return err
	}

	now := c.Store.ServerTimestamp()
	text := fmt.Sprintf("%s %s deleted", doc.DocType, doc.DocNo)
	b := store.NewBatch()
	if doc.JobId != nil {
		job, err := c.loadJob(ctx, *doc.JobId)
		if err != nil {
			return err
		}
		if job.IsCurrentDocument(doc.ID) {
			jt, err := job.Apply(now, models.JobEvent{Type: models.JobEventDocumentCancelled, Document: doc})
			if err != nil {
				return err
			}
			addJobTransition(b, jt)
			b.Create(c.newActivity(caller, jt.Job, models.ActivityKindDocument, joinActivity(text, jt.Activity), now))
		} else {
			c.touchJob(b, caller, *job, models.ActivityKindDocument, text, now)
		}
		b.Notify(jobTopics(job.ID)...)
	}
	b.Delete(&models.SalesDocument{}, doc.ID, store.Guard{"status": doc.Status})
	b.Check(notReferenced(*doc))
	if err := c.addOutbox(ctx, b, doc.BusinessId, models.EventDocumentDeleted, models.OutboxReferenceSalesDocument, doc.ID, now, doc); err != nil {
		return err
	}
	b.Notify(documentTopics(doc.ID)...)
	return c.Store.CommitBatch(ctx, b)
}

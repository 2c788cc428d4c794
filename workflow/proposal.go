package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
)

const (
	ProposalLinkExistingDocument   = "link_existing_document"
	ProposalReplaceSupersededDraft = "replace_superseded_draft"
)

type ProposedCancellation struct {
	DocumentId string                   `json:"document_id"`
	DocType    models.SalesDocumentType `json:"doc_type"`
	DocNo      string                   `json:"doc_no"`
}

// Proposal describes what a confirm call would do, computed without writing.
// Token is a digest of the records it was computed from; confirming with a
// token that no longer matches fails with a state conflict.
type Proposal struct {
	Operation     string                 `json:"operation"`
	JobId         string                 `json:"job_id"`
	JobNo         string                 `json:"job_no"`
	JobStatusFrom models.JobStatus       `json:"job_status_from"`
	JobStatusTo   models.JobStatus       `json:"job_status_to"`
	DocumentId    string                 `json:"document_id,omitempty"`
	DocumentNo    string                 `json:"document_no,omitempty"`
	Cancels       []ProposedCancellation `json:"cancels"`
	Effects       []string               `json:"effects"`
	Token         string                 `json:"token"`
}

type docState struct {
	id     string
	status models.SalesDocumentStatus
	jobId  *string
}

func proposalToken(op string, job models.Job, docs ...docState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%t|%d", op, job.ID, job.Status, job.Department,
		utils.DereferencePtr(job.AssigneeId), utils.DereferencePtr(job.SalesDocId), job.IsArchived, job.LastActivityAt.UnixNano())
	for _, d := range docs {
		fmt.Fprintf(h, "|%s|%s|%s", d.id, d.status, utils.DereferencePtr(d.jobId))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func checkToken(want, got string) error {
	if got == "" || want != got {
		return utils.StateConflict("the job or document changed since the proposal; review it again")
	}
	return nil
}

// planLink evaluates linking doc to job. A PAID document attaches and closes
// the job in one step.
func (c *Coordinator) planLink(ctx context.Context, job models.Job, doc models.SalesDocument, now time.Time) (*models.JobTransition, error) {
	if job.IsArchived {
		return nil, utils.InvalidTransition("job %s is archived", job.Describe())
	}
	if !doc.DocType.IsBillable() {
		return nil, utils.InvalidTransition("%s %s cannot represent a job", doc.DocType, doc.DocNo)
	}
	if doc.Status == models.SalesDocumentStatusCancelled {
		return nil, utils.InvalidTransition("%s %s is cancelled", doc.DocType, doc.DocNo)
	}
	if doc.JobId != nil && *doc.JobId != job.ID {
		return nil, utils.InvariantViolation("%s %s already belongs to another job", doc.DocType, doc.DocNo)
	}
	if job.IsCurrentDocument(doc.ID) {
		return nil, utils.InvalidTransition("%s %s already represents job %s", doc.DocType, doc.DocNo, job.Describe())
	}
	active, err := c.activeDocuments(ctx, job.ID, doc.DocType)
	if err != nil {
		return nil, err
	}
	for _, other := range active {
		if other.ID != doc.ID {
			return nil, utils.InvariantViolation("job %s already has %s %s", job.Describe(), other.DocType, other.DocNo)
		}
	}

	events := []models.JobEvent{{Type: models.JobEventAttachBillableDocument, Document: &doc}}
	if doc.Status == models.SalesDocumentStatusPaid {
		events = append(events, models.JobEvent{Type: models.JobEventDocumentPaid, Document: &doc})
	}
	return job.Apply(now, events...)
}

// ProposeLinkExistingDocument shows the effect of making docId the current
// document of jobId without changing anything.
func (c *Coordinator) ProposeLinkExistingDocument(ctx context.Context, caller models.Caller, jobId string, docId string) (p *Proposal, err error) {
	ctx, span := c.begin(ctx, "ProposeLinkExistingDocument", caller)
	defer func() { c.end(span, "ProposeLinkExistingDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionLinkDocument); err != nil {
		return nil, err
	}
	job, doc, err := c.loadJobAndDocument(ctx, jobId, docId)
	if err != nil {
		return nil, err
	}
	jt, err := c.planLink(ctx, *job, *doc, c.Store.ServerTimestamp())
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Operation:     ProposalLinkExistingDocument,
		JobId:         job.ID,
		JobNo:         job.JobNo,
		JobStatusFrom: jt.From,
		JobStatusTo:   jt.To,
		DocumentId:    doc.ID,
		DocumentNo:    doc.DocNo,
		Cancels:       []ProposedCancellation{},
		Effects:       []string{jt.Activity},
		Token:         proposalToken(ProposalLinkExistingDocument, *job, docState{doc.ID, doc.Status, doc.JobId}),
	}, nil
}

// ConfirmLinkExistingDocument links docId to jobId if nothing moved since the
// proposal carrying token was made.
func (c *Coordinator) ConfirmLinkExistingDocument(ctx context.Context, caller models.Caller, jobId string, docId string, token string) (job *models.Job, err error) {
	ctx, span := c.begin(ctx, "ConfirmLinkExistingDocument", caller)
	defer func() { c.end(span, "ConfirmLinkExistingDocument", err) }()

	if err := c.authorize(ctx, caller, models.ActionLinkDocument); err != nil {
		return nil, err
	}
	unlock := c.lockJob(ctx, jobId)
	defer unlock()

	job, doc, err := c.loadJobAndDocument(ctx, jobId, docId)
	if err != nil {
		return nil, err
	}
	if err := checkToken(proposalToken(ProposalLinkExistingDocument, *job, docState{doc.ID, doc.Status, doc.JobId}), token); err != nil {
		return nil, err
	}
	now := c.Store.ServerTimestamp()
	jt, err := c.planLink(ctx, *job, *doc, now)
	if err != nil {
		return nil, err
	}

	b := store.NewBatch()
	addJobTransition(b, jt)
	b.Update(&models.SalesDocument{}, doc.ID,
		store.Guard{"status": doc.Status, "job_id": doc.JobId},
		map[string]interface{}{"job_id": job.ID})
	b.Check(singleActiveDocument(job.ID, doc.DocType, doc.ID))
	text := joinActivity(fmt.Sprintf("Existing %s %s linked", doc.DocType, doc.DocNo), jt.Activity)
	b.Create(c.newActivity(caller, jt.Job, models.ActivityKindDocument, text, now))
	if err := c.addOutbox(ctx, b, job.BusinessId, models.EventDocumentLinked, models.OutboxReferenceSalesDocument, doc.ID, now, jt); err != nil {
		return nil, err
	}
	b.Notify(jobTopics(job.ID)...)
	b.Notify(documentTopics(doc.ID)...)
	if err := c.Store.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	c.afterClose(ctx, caller, jt)
	return &jt.Job, nil
}

func (c *Coordinator) loadJobAndDocument(ctx context.Context, jobId string, docId string) (*models.Job, *models.SalesDocument, error) {
	job, err := c.loadJob(ctx, jobId)
	if err != nil {
		return nil, nil, err
	}
	doc, err := c.loadDocument(ctx, docId)
	if err != nil {
		return nil, nil, err
	}
	return job, doc, nil
}

func prepareReplace(jobId string, oldDocType models.SalesDocumentType, input *models.NewSalesDocument) error {
	if !oldDocType.IsBillable() {
		return utils.InvalidTransition("%s is not a billable document type", oldDocType)
	}
	if !input.DocType.IsBillable() || input.DocType == oldDocType {
		return utils.InvalidTransition("%s cannot replace %s", input.DocType, oldDocType)
	}
	input.JobId = &jobId
	input.Supersede = false
	return input.Validate()
}

func replaceProposalToken(plan *issuePlan) string {
	states := make([]docState, 0, len(plan.cancels))
	for _, t := range plan.cancels {
		states = append(states, docState{t.Document.ID, t.From, t.Document.JobId})
	}
	return proposalToken(ProposalReplaceSupersededDraft, *plan.job, states...)
}

// ProposeReplaceSupersededDraft shows the effect of issuing input for jobId
// while cancelling the job's active documents of oldDocType, typically a tax
// invoice replacing a delivery note.
func (c *Coordinator) ProposeReplaceSupersededDraft(ctx context.Context, caller models.Caller, jobId string, oldDocType models.SalesDocumentType, input models.NewSalesDocument) (p *Proposal, err error) {
	ctx, span := c.begin(ctx, "ProposeReplaceSupersededDraft", caller)
	defer func() { c.end(span, "ProposeReplaceSupersededDraft", err) }()

	if err := c.authorize(ctx, caller, models.ActionIssueDocument, models.ActionCancelDocument); err != nil {
		return nil, err
	}
	if err := prepareReplace(jobId, oldDocType, &input); err != nil {
		return nil, err
	}
	plan, err := c.planIssue(ctx, caller, input, oldDocType)
	if err != nil {
		return nil, err
	}

	p = &Proposal{
		Operation:     ProposalReplaceSupersededDraft,
		JobId:         plan.job.ID,
		JobNo:         plan.job.JobNo,
		JobStatusFrom: plan.job.Status,
		JobStatusTo:   plan.job.Status,
		Cancels:       []ProposedCancellation{},
		Effects:       []string{fmt.Sprintf("%s will be issued", input.DocType)},
		Token:         replaceProposalToken(plan),
	}
	for _, t := range plan.cancels {
		p.Cancels = append(p.Cancels, ProposedCancellation{DocumentId: t.Document.ID, DocType: t.Document.DocType, DocNo: t.Document.DocNo})
		p.Effects = append(p.Effects, fmt.Sprintf("%s %s will be cancelled", t.Document.DocType, t.Document.DocNo))
	}
	if plan.jobT != nil {
		p.JobStatusTo = plan.jobT.To
	}
	return p, nil
}

// ConfirmReplaceSupersededDraft issues input and cancels the replaced
// documents in one batch, if nothing moved since the proposal.
func (c *Coordinator) ConfirmReplaceSupersededDraft(ctx context.Context, caller models.Caller, jobId string, oldDocType models.SalesDocumentType, input models.NewSalesDocument, token string) (doc *models.SalesDocument, err error) {
	ctx, span := c.begin(ctx, "ConfirmReplaceSupersededDraft", caller)
	defer func() { c.end(span, "ConfirmReplaceSupersededDraft", err) }()

	if err := c.authorize(ctx, caller, models.ActionIssueDocument, models.ActionCancelDocument); err != nil {
		return nil, err
	}
	if err := prepareReplace(jobId, oldDocType, &input); err != nil {
		return nil, err
	}
	unlock := c.lockJob(ctx, jobId)
	defer unlock()

	plan, err := c.planIssue(ctx, caller, input, oldDocType)
	if err != nil {
		return nil, err
	}
	if err := checkToken(replaceProposalToken(plan), token); err != nil {
		return nil, err
	}
	if err := c.commitIssue(ctx, caller, plan); err != nil {
		return nil, err
	}
	return plan.doc, nil
}

package workflow

import (
	"testing"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCreateJobNumbersJobsAndLogsIntake(t *testing.T) {
	env := newTestEnv(t)

	first := env.newJob(t)
	second := env.newJob(t)

	require.Equal(t, "JOB-000001", first.JobNo)
	require.Equal(t, "JOB-000002", second.JobNo)
	require.Equal(t, models.JobStatusReceived, first.Status)
	require.Equal(t, "1AB-2345", first.VehiclePlate)

	acts, err := env.c.ListActivities(env.ctx, env.owner, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, models.ActivityKindTransition, acts[0].Kind)
	require.Equal(t, "Job received by MECHANICAL", acts[0].Text)

	var outbox int64
	require.NoError(t, env.c.Store.DB.Model(&models.PubSubMessageRecord{}).
		Where("event_type = ?", models.EventJobCreated).Count(&outbox).Error)
	require.EqualValues(t, 2, outbox)
}

func TestCreateJobValidatesInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.c.CreateJob(env.ctx, env.owner, models.NewJob{Department: "PAINTING", CustomerName: "A", VehiclePlate: "B"})
	require.Error(t, err)

	_, err = env.c.CreateJob(env.ctx, env.owner, models.NewJob{Department: models.DepartmentMechanical, CustomerName: " ", VehiclePlate: "B"})
	require.Error(t, err)
}

// requestQuotation -> markDone -> IssueDocument(TAX_INVOICE)
func TestScenarioInvoiceAttachesToDoneJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)

	job, err := env.c.AcceptJob(env.ctx, env.owner, job.ID, env.worker.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusInProgress, job.Status)
	require.Equal(t, env.worker.ID, *job.AssigneeId)

	job, err = env.c.RequestQuotation(env.ctx, env.owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusWaitingQuotation, job.Status)

	job, err = env.c.MarkDone(env.ctx, env.owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDone, job.Status)

	doc, err := env.c.IssueDocument(env.ctx, env.owner, documentInput(job.ID, models.SalesDocumentTypeTaxInvoice))
	require.NoError(t, err)
	require.Equal(t, "INV-000001", doc.DocNo)
	require.Equal(t, models.SalesDocumentStatusPendingReview, doc.Status)
	require.True(t, doc.GrandTotal.Equal(decimal.NewFromInt(3210)), "grand total %s", doc.GrandTotal)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusWaitingCustomerPickup, got.Status)
	require.Equal(t, models.SalesDocumentTypeTaxInvoice, *got.SalesDocType)
	require.Equal(t, doc.ID, *got.SalesDocId)
	require.Equal(t, doc.DocNo, *got.SalesDocNo)
	require.True(t, got.LinkageConsistent())
}

// continuing the invoice scenario: payment closes the job on the invoice date
func TestScenarioPaymentClosesAndArchivesJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.doneJob(t)
	doc, err := env.c.IssueDocument(env.ctx, env.owner, documentInput(job.ID, models.SalesDocumentTypeTaxInvoice))
	require.NoError(t, err)

	// invoices need approval before payment
	_, err = env.c.ConfirmPaid(env.ctx, env.owner, doc.ID)
	requireKind(t, err, utils.KindInvalidTransition)

	_, err = env.c.ApproveDocument(env.ctx, env.manager, doc.ID)
	require.NoError(t, err)
	paid, err := env.c.ConfirmPaid(env.ctx, env.manager, doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.SalesDocumentStatusPaid, paid.Status)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusClosed, got.Status)
	require.NotNil(t, got.ClosedDate)
	require.True(t, got.ClosedDate.Equal(doc.IssueDate), "closed %s issued %s", got.ClosedDate, doc.IssueDate)
	require.True(t, got.IsArchived)
	require.Equal(t, 2025, *got.ArchiveYear)

	require.Zero(t, env.countRows(t, "activities", job.ID))
	require.Positive(t, env.countRows(t, models.ArchiveActivityTable(2025), job.ID))
}

// continuing the payment scenario: an elevated cancel rolls the job back
func TestScenarioCancelPaidInvoiceRestoresJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.doneJob(t)
	doc, err := env.c.IssueDocument(env.ctx, env.owner, documentInput(job.ID, models.SalesDocumentTypeTaxInvoice))
	require.NoError(t, err)
	_, err = env.c.ApproveDocument(env.ctx, env.owner, doc.ID)
	require.NoError(t, err)
	_, err = env.c.ConfirmPaid(env.ctx, env.owner, doc.ID)
	require.NoError(t, err)

	archived := env.countRows(t, models.ArchiveActivityTable(2025), job.ID)

	// managers cannot cancel paid documents
	_, err = env.c.CancelDocument(env.ctx, env.manager, doc.ID, "customer disputed")
	requireKind(t, err, utils.KindInvalidTransition)

	cancelled, err := env.c.CancelDocument(env.ctx, env.owner, doc.ID, "customer disputed")
	require.NoError(t, err)
	require.Equal(t, models.SalesDocumentStatusCancelled, cancelled.Status)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusDone, got.Status)
	require.Nil(t, got.SalesDocId)
	require.Nil(t, got.SalesDocNo)
	require.Nil(t, got.SalesDocType)
	require.Nil(t, got.ClosedDate)
	require.False(t, got.IsArchived)
	require.Nil(t, got.ArchiveYear)

	require.Equal(t, archived+1, env.countRows(t, "activities", job.ID))
	require.Zero(t, env.countRows(t, models.ArchiveActivityTable(2025), job.ID))
	var copies int64
	require.NoError(t, env.c.Store.DB.Table(models.ArchiveJobTable(2025)).Where("id = ?", job.ID).Count(&copies).Error)
	require.Zero(t, copies)

	acts, err := env.c.ListActivities(env.ctx, env.owner, job.ID, 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Contains(t, acts[0].Text, "Restored from archive 2025")
	require.Contains(t, acts[0].Text, "cancelled")

	// the job can be billed again
	_, err = env.c.IssueDocument(env.ctx, env.owner, documentInput(job.ID, models.SalesDocumentTypeTaxInvoice))
	require.NoError(t, err)
}

func TestCancelPaidInvoiceOnLiveClosedJob(t *testing.T) {
	env := newTestEnv(t, withoutArchiveOnPaid)
	job := env.doneJob(t)
	input := documentInput(job.ID, models.SalesDocumentTypeReceipt)
	doc, err := env.c.IssueDocument(env.ctx, env.owner, input)
	require.NoError(t, err)
	require.Equal(t, models.SalesDocumentStatusDraft, doc.Status)
	_, err = env.c.SubmitDocument(env.ctx, env.owner, doc.ID)
	require.NoError(t, err)
	// receipts skip explicit approval
	_, err = env.c.ConfirmPaid(env.ctx, env.owner, doc.ID)
	require.NoError(t, err)

	closed := env.job(t, job.ID)
	require.Equal(t, models.JobStatusClosed, closed.Status)
	require.False(t, closed.IsArchived)
	before := env.countRows(t, "activities", job.ID)

	_, err = env.c.CancelDocument(env.ctx, env.owner, doc.ID, "refunded")
	require.NoError(t, err)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusDone, got.Status)
	require.Nil(t, got.SalesDocId)
	require.Equal(t, before+1, env.countRows(t, "activities", job.ID))
}

// customerReject(withCost=false) is the one path to CLOSED without a document
func TestScenarioRejectWithoutCostClosesWithoutDocument(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)
	_, err := env.c.AcceptJob(env.ctx, env.tech, job.ID, "")
	require.NoError(t, err)
	_, err = env.c.RequestQuotation(env.ctx, env.tech, job.ID)
	require.NoError(t, err)

	quote, err := env.c.IssueDocument(env.ctx, env.tech, documentInput(job.ID, models.SalesDocumentTypeQuotation))
	require.NoError(t, err)
	require.Equal(t, "QT-000001", quote.DocNo)
	require.Equal(t, models.JobStatusWaitingApprove, env.job(t, job.ID).Status)

	closed, err := env.c.CustomerReject(env.ctx, env.tech, job.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedDate)
	require.Nil(t, closed.SalesDocId)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusClosed, got.Status)
	require.Nil(t, got.SalesDocId)
	require.True(t, got.LinkageConsistent())
}

func TestRejectWithCostGoesBackToBilling(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)
	_, err := env.c.AcceptJob(env.ctx, env.tech, job.ID, "")
	require.NoError(t, err)
	_, err = env.c.RequestQuotation(env.ctx, env.tech, job.ID)
	require.NoError(t, err)
	_, err = env.c.IssueDocument(env.ctx, env.tech, documentInput(job.ID, models.SalesDocumentTypeQuotation))
	require.NoError(t, err)

	got, err := env.c.CustomerReject(env.ctx, env.tech, job.ID, true)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDone, got.Status)
	require.Nil(t, got.ClosedDate)
}

func TestApprovedQuotationFlowsThroughParts(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)
	_, err := env.c.AcceptJob(env.ctx, env.tech, job.ID, "")
	require.NoError(t, err)
	_, err = env.c.RequestQuotation(env.ctx, env.tech, job.ID)
	require.NoError(t, err)
	_, err = env.c.IssueDocument(env.ctx, env.tech, documentInput(job.ID, models.SalesDocumentTypeQuotation))
	require.NoError(t, err)

	got, err := env.c.CustomerApprove(env.ctx, env.tech, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPendingParts, got.Status)

	_, err = env.c.MarkDone(env.ctx, env.tech, job.ID)
	requireKind(t, err, utils.KindInvalidTransition)

	got, err = env.c.PartsReady(env.ctx, env.tech, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusInRepairProcess, got.Status)

	got, err = env.c.MarkDone(env.ctx, env.tech, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDone, got.Status)
}

func TestInvalidTransitionLeavesJobUntouched(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)

	_, err := env.c.RequestQuotation(env.ctx, env.owner, job.ID)
	requireKind(t, err, utils.KindInvalidTransition)

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusReceived, got.Status)
	require.True(t, got.LastActivityAt.Equal(job.LastActivityAt))
	require.EqualValues(t, 1, env.countRows(t, "activities", job.ID))
}

func TestTransferDepartmentClearsAssignee(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)
	_, err := env.c.AcceptJob(env.ctx, env.owner, job.ID, env.worker.ID)
	require.NoError(t, err)

	_, err = env.c.TransferDepartment(env.ctx, env.tech, job.ID, models.DepartmentElectrical, false)
	requireKind(t, err, utils.KindPermissionDenied)

	got, err := env.c.TransferDepartment(env.ctx, env.owner, job.ID, models.DepartmentElectrical, false)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusReceived, got.Status)
	require.Equal(t, models.DepartmentElectrical, got.Department)
	require.Nil(t, got.AssigneeId)
	require.Nil(t, got.AssigneeName)

	// the mechanic no longer belongs to the job's department
	_, err = env.c.AcceptJob(env.ctx, env.owner, job.ID, env.worker.ID)
	requireKind(t, err, utils.KindInvalidTransition)
}

func TestTransferClosedJobNeedsOverride(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)
	_, err := env.c.AcceptJob(env.ctx, env.owner, job.ID, "u-tech")
	require.NoError(t, err)
	_, err = env.c.RequestQuotation(env.ctx, env.owner, job.ID)
	require.NoError(t, err)
	_, err = env.c.IssueDocument(env.ctx, env.owner, documentInput(job.ID, models.SalesDocumentTypeQuotation))
	require.NoError(t, err)
	_, err = env.c.CustomerReject(env.ctx, env.owner, job.ID, false)
	require.NoError(t, err)

	_, err = env.c.TransferDepartment(env.ctx, env.owner, job.ID, models.DepartmentBodyPaint, false)
	requireKind(t, err, utils.KindInvalidTransition)

	got, err := env.c.TransferDepartment(env.ctx, env.owner, job.ID, models.DepartmentBodyPaint, true)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusReceived, got.Status)
	require.Nil(t, got.ClosedDate)
}

func TestReassignWorkerRules(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)

	other := &models.User{
		ID:         "u-tech-2",
		BusinessId: testBusinessId,
		Username:   "anan",
		Name:       "Anan",
		Department: models.DepartmentMechanical,
		Role:       models.UserRoleTechnician,
		IsActive:   true,
	}
	require.NoError(t, env.c.Store.DB.Create(other).Error)

	// nobody to replace yet
	_, err := env.c.ReassignWorker(env.ctx, env.owner, job.ID, other.ID)
	requireKind(t, err, utils.KindInvalidTransition)

	_, err = env.c.AcceptJob(env.ctx, env.owner, job.ID, env.worker.ID)
	require.NoError(t, err)

	got, err := env.c.ReassignWorker(env.ctx, env.owner, job.ID, other.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusInProgress, got.Status)
	require.Equal(t, other.ID, *got.AssigneeId)
	require.Equal(t, "Anan", *got.AssigneeName)

	_, err = env.c.ReassignWorker(env.ctx, env.owner, job.ID, "missing")
	requireKind(t, err, utils.KindNotFound)
}

func TestAppendActivityNotesAndPhotos(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t)

	_, err := env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{Kind: models.ActivityKindTransition, Text: "forged"})
	require.Error(t, err)
	_, err = env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{Kind: models.ActivityKindPhoto})
	require.Error(t, err)
	_, err = env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{Kind: models.ActivityKindNote, Text: "  "})
	require.Error(t, err)

	note, err := env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{Kind: models.ActivityKindNote, Text: " rear pads worn "})
	require.NoError(t, err)
	require.Equal(t, "rear pads worn", note.Text)
	require.Equal(t, env.tech.Id, note.AuthorId)

	photo, err := env.c.AppendActivity(env.ctx, env.tech, job.ID, models.NewActivity{
		Kind:      models.ActivityKindPhoto,
		PhotoRefs: []string{"jobs/1/a.jpg", "jobs/1/a.jpg", "jobs/1/b.jpg"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"jobs/1/a.jpg", "jobs/1/b.jpg"}, []string(photo.PhotoRefs))

	acts, err := env.c.ListActivities(env.ctx, env.owner, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	require.Equal(t, photo.ID, acts[0].ID)
	require.Equal(t, note.ID, acts[1].ID)
	require.Equal(t, []string{"jobs/1/a.jpg", "jobs/1/b.jpg"}, []string(acts[0].PhotoRefs))

	got := env.job(t, job.ID)
	require.Equal(t, models.JobStatusReceived, got.Status)
	require.True(t, got.LastActivityAt.Equal(photo.CreatedAt))
}

package models

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/garage_backend/utils"
)

type JobEventType string

const (
	JobEventAcceptJob              JobEventType = "acceptJob"
	JobEventRequestQuotation       JobEventType = "requestQuotation"
	JobEventMarkDone               JobEventType = "markDone"
	JobEventCustomerApprove        JobEventType = "customerApprove"
	JobEventCustomerReject         JobEventType = "customerReject"
	JobEventPartsReady             JobEventType = "partsReady"
	JobEventTransferDepartment     JobEventType = "transferDepartment"
	JobEventReassignWorker         JobEventType = "reassignWorker"
	JobEventQuotationIssued        JobEventType = "quotationIssued"
	JobEventAttachBillableDocument JobEventType = "attachBillableDocument"
	JobEventDocumentPaid           JobEventType = "documentPaid"
	JobEventDocumentCancelled      JobEventType = "documentCancelled"
)

var AllJobEvents = []JobEventType{
	JobEventAcceptJob,
	JobEventRequestQuotation,
	JobEventMarkDone,
	JobEventCustomerApprove,
	JobEventCustomerReject,
	JobEventPartsReady,
	JobEventTransferDepartment,
	JobEventReassignWorker,
	JobEventQuotationIssued,
	JobEventAttachBillableDocument,
	JobEventDocumentPaid,
	JobEventDocumentCancelled,
}

// JobEvent carries the event type plus whatever input that event needs.
type JobEvent struct {
	Type       JobEventType
	WithCost   bool
	Department Department
	Override   bool
	Worker     *User
	Document   *SalesDocument
}

// JobTransition is the pure result of applying events to a job: the job after
// the change, the column updates, the columns the stored row must still hold
// for the update to be valid, and the activity text describing it.
type JobTransition struct {
	Events   []JobEventType
	From     JobStatus
	To       JobStatus
	Job      Job
	Expect   map[string]interface{}
	Changes  map[string]interface{}
	Activity string
}

type jobRule struct {
	// allowed source states; nil means every non-terminal state
	from   []JobStatus
	guard  func(job Job, ev JobEvent) error
	apply  func(job *Job, ev JobEvent, now time.Time)
	detail func(before Job, ev JobEvent) string
}

func anyStatus() []JobStatus { return AllJobStatuses }

func requireDocument(job Job, ev JobEvent) error {
	if ev.Document == nil {
		return utils.InvalidTransition("%s requires a document", ev.Type)
	}
	return nil
}

func requireCurrentDocument(job Job, ev JobEvent) error {
	if err := requireDocument(job, ev); err != nil {
		return err
	}
	if !job.IsCurrentDocument(ev.Document.ID) {
		return utils.InvalidTransition("document %s is not the current document of job %s", ev.Document.DocNo, job.Describe())
	}
	return nil
}

func requireDepartmentWorker(job Job, ev JobEvent) error {
	if ev.Worker == nil {
		return utils.InvalidTransition("%s requires a worker", ev.Type)
	}
	if !ev.Worker.IsActive {
		return utils.InvalidTransition("worker %s is not active", ev.Worker.Name)
	}
	if ev.Worker.Department != job.Department {
		return utils.InvalidTransition("worker %s does not belong to department %s", ev.Worker.Name, job.Department)
	}
	return nil
}

func setStatus(status JobStatus) func(job *Job, ev JobEvent, now time.Time) {
	return func(job *Job, ev JobEvent, now time.Time) {
		job.Status = status
	}
}

func fixedDetail(text string) func(before Job, ev JobEvent) string {
	return func(before Job, ev JobEvent) string { return text }
}

var jobRules = map[JobEventType]jobRule{
	JobEventAcceptJob: {
		from:  []JobStatus{JobStatusReceived},
		guard: requireDepartmentWorker,
		apply: func(job *Job, ev JobEvent, now time.Time) {
			id, name := ev.Worker.ID, ev.Worker.Name
			job.Status = JobStatusInProgress
			job.AssigneeId = &id
			job.AssigneeName = &name
		},
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("Job accepted by %s", ev.Worker.Name)
		},
	},
	JobEventRequestQuotation: {
		from:   []JobStatus{JobStatusInProgress},
		apply:  setStatus(JobStatusWaitingQuotation),
		detail: fixedDetail("Quotation requested"),
	},
	JobEventMarkDone: {
		from: []JobStatus{
			JobStatusInProgress,
			JobStatusWaitingQuotation,
			JobStatusWaitingApprove,
			JobStatusInRepairProcess,
		},
		apply:  setStatus(JobStatusDone),
		detail: fixedDetail("Work marked done"),
	},
	JobEventCustomerApprove: {
		from:   []JobStatus{JobStatusWaitingApprove},
		apply:  setStatus(JobStatusPendingParts),
		detail: fixedDetail("Customer approved the quotation"),
	},
	JobEventCustomerReject: {
		from: []JobStatus{JobStatusWaitingApprove},
		apply: func(job *Job, ev JobEvent, now time.Time) {
			if ev.WithCost {
				job.Status = JobStatusDone
				return
			}
			// no repair performed and nothing to bill
			closed := now
			job.Status = JobStatusClosed
			job.ClosedDate = &closed
		},
		detail: func(before Job, ev JobEvent) string {
			if ev.WithCost {
				return "Customer rejected the quotation; inspection cost will be billed"
			}
			return "Customer rejected the quotation; closed without charge"
		},
	},
	JobEventPartsReady: {
		from:   []JobStatus{JobStatusPendingParts},
		apply:  setStatus(JobStatusInRepairProcess),
		detail: fixedDetail("Parts ready, repair started"),
	},
	JobEventTransferDepartment: {
		from: anyStatus(),
		guard: func(job Job, ev JobEvent) error {
			if job.Status.IsTerminal() && !ev.Override {
				return utils.InvalidTransition("job %s is closed; transfer needs an override", job.Describe())
			}
			if !ev.Department.IsValid() {
				return utils.InvalidTransition("invalid department %q", ev.Department)
			}
			if ev.Department == job.Department {
				return utils.InvalidTransition("job %s is already in department %s", job.Describe(), job.Department)
			}
			return nil
		},
		apply: func(job *Job, ev JobEvent, now time.Time) {
			job.Status = JobStatusReceived
			job.Department = ev.Department
			job.AssigneeId = nil
			job.AssigneeName = nil
			job.ClosedDate = nil
		},
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("Transferred from %s to %s", before.Department, ev.Department)
		},
	},
	JobEventReassignWorker: {
		guard: func(job Job, ev JobEvent) error {
			if job.AssigneeId == nil {
				return utils.InvalidTransition("job %s has no assignee to replace", job.Describe())
			}
			if err := requireDepartmentWorker(job, ev); err != nil {
				return err
			}
			if *job.AssigneeId == ev.Worker.ID {
				return utils.InvalidTransition("job %s is already assigned to %s", job.Describe(), ev.Worker.Name)
			}
			return nil
		},
		apply: func(job *Job, ev JobEvent, now time.Time) {
			id, name := ev.Worker.ID, ev.Worker.Name
			job.AssigneeId = &id
			job.AssigneeName = &name
		},
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("Reassigned from %s to %s", utils.DereferencePtr(before.AssigneeName), ev.Worker.Name)
		},
	},
	JobEventQuotationIssued: {
		from: []JobStatus{JobStatusWaitingQuotation},
		guard: func(job Job, ev JobEvent) error {
			if err := requireDocument(job, ev); err != nil {
				return err
			}
			if ev.Document.DocType != SalesDocumentTypeQuotation {
				return utils.InvalidTransition("%s is not a quotation", ev.Document.DocNo)
			}
			return nil
		},
		apply: setStatus(JobStatusWaitingApprove),
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("Quotation %s sent for customer approval", ev.Document.DocNo)
		},
	},
	JobEventAttachBillableDocument: {
		from: []JobStatus{JobStatusDone, JobStatusWaitingCustomerPickup},
		guard: func(job Job, ev JobEvent) error {
			if err := requireDocument(job, ev); err != nil {
				return err
			}
			if !ev.Document.DocType.IsBillable() {
				return utils.InvalidTransition("%s %s cannot bill a job", ev.Document.DocType, ev.Document.DocNo)
			}
			return nil
		},
		apply: func(job *Job, ev JobEvent, now time.Time) {
			job.Status = JobStatusWaitingCustomerPickup
			job.setLinkage(ev.Document)
		},
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("%s %s attached", ev.Document.DocType, ev.Document.DocNo)
		},
	},
	JobEventDocumentPaid: {
		from:  []JobStatus{JobStatusWaitingCustomerPickup},
		guard: requireCurrentDocument,
		apply: func(job *Job, ev JobEvent, now time.Time) {
			closed := ev.Document.IssueDate
			job.Status = JobStatusClosed
			job.ClosedDate = &closed
		},
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("%s %s paid", ev.Document.DocType, ev.Document.DocNo)
		},
	},
	JobEventDocumentCancelled: {
		from:  anyStatus(),
		guard: requireCurrentDocument,
		apply: func(job *Job, ev JobEvent, now time.Time) {
			job.Status = JobStatusDone
			job.ClosedDate = nil
			job.setLinkage(nil)
		},
		detail: func(before Job, ev JobEvent) string {
			return fmt.Sprintf("%s %s cancelled; job ready to be billed again", ev.Document.DocType, ev.Document.DocNo)
		},
	},
}

func (r jobRule) allows(status JobStatus) bool {
	if r.from == nil {
		return !status.IsTerminal()
	}
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

// Apply evaluates events in order against job without touching storage.
// A failure leaves job unchanged and reports an InvalidTransition.
func (job Job) Apply(now time.Time, events ...JobEvent) (*JobTransition, error) {
	if len(events) == 0 {
		return nil, utils.InvalidTransition("no job event given")
	}
	if job.IsArchived {
		return nil, utils.InvalidTransition("job %s is archived", job.Describe())
	}

	after := job
	var details []string
	var types []JobEventType
	for _, ev := range events {
		rule, ok := jobRules[ev.Type]
		if !ok {
			return nil, utils.InvalidTransition("unknown job event %q", ev.Type)
		}
		if !rule.allows(after.Status) {
			return nil, utils.InvalidTransition("cannot %s job %s in status %s", ev.Type, job.Describe(), after.Status)
		}
		if rule.guard != nil {
			if err := rule.guard(after, ev); err != nil {
				return nil, err
			}
		}
		before := after
		rule.apply(&after, ev, now)
		details = append(details, rule.detail(before, ev))
		types = append(types, ev.Type)
	}
	after.LastActivityAt = now

	return &JobTransition{
		Events:   types,
		From:     job.Status,
		To:       after.Status,
		Job:      after,
		Expect:   job.Expectation(),
		Changes:  jobChanges(job, after),
		Activity: describeJobTransition(job.Status, after.Status, details),
	}, nil
}

// Expectation is the set of columns that must still hold the values read
// before a transition was evaluated.
func (job Job) Expectation() map[string]interface{} {
	return map[string]interface{}{
		"status":       job.Status,
		"department":   job.Department,
		"assignee_id":  job.AssigneeId,
		"sales_doc_id": job.SalesDocId,
		"is_archived":  job.IsArchived,
	}
}

func jobChanges(before, after Job) map[string]interface{} {
	changes := map[string]interface{}{
		"last_activity_at": after.LastActivityAt,
	}
	if before.Status != after.Status {
		changes["status"] = after.Status
	}
	if before.Department != after.Department {
		changes["department"] = after.Department
	}
	if !utils.PtrEqual(before.AssigneeId, after.AssigneeId) || !utils.PtrEqual(before.AssigneeName, after.AssigneeName) {
		changes["assignee_id"] = after.AssigneeId
		changes["assignee_name"] = after.AssigneeName
	}
	if !utils.PtrEqual(before.SalesDocId, after.SalesDocId) ||
		!utils.PtrEqual(before.SalesDocNo, after.SalesDocNo) ||
		!utils.PtrEqual(before.SalesDocType, after.SalesDocType) {
		changes["sales_doc_id"] = after.SalesDocId
		changes["sales_doc_no"] = after.SalesDocNo
		changes["sales_doc_type"] = after.SalesDocType
	}
	if !sameTime(before.ClosedDate, after.ClosedDate) {
		changes["closed_date"] = after.ClosedDate
	}
	return changes
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func describeJobTransition(from, to JobStatus, details []string) string {
	text := ""
	for i, d := range details {
		if i > 0 {
			text += "; "
		}
		text += d
	}
	if from != to {
		text += fmt.Sprintf(" (%s -> %s)", from, to)
	}
	return text
}

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/garage_backend/utils"
)

type DocumentEventType string

const (
	DocumentEventSubmit      DocumentEventType = "submitForReview"
	DocumentEventReject      DocumentEventType = "reject"
	DocumentEventApprove     DocumentEventType = "approve"
	DocumentEventConfirmPaid DocumentEventType = "confirmPaid"
	DocumentEventCancel      DocumentEventType = "cancel"
	DocumentEventRevise      DocumentEventType = "revise"
)

var AllDocumentEvents = []DocumentEventType{
	DocumentEventSubmit,
	DocumentEventReject,
	DocumentEventApprove,
	DocumentEventConfirmPaid,
	DocumentEventCancel,
	DocumentEventRevise,
}

type DocumentEvent struct {
	Type   DocumentEventType
	Reason string
	// SkipApproval lets the document type go straight from PENDING_REVIEW to PAID.
	SkipApproval bool
	// Elevated callers may cancel a PAID document.
	Elevated       bool
	SupersededById *string
}

type DocumentTransition struct {
	Event    DocumentEventType
	From     SalesDocumentStatus
	To       SalesDocumentStatus
	Document SalesDocument
	Expect   map[string]interface{}
	Changes  map[string]interface{}
	Activity string
}

type documentRule struct {
	from  []SalesDocumentStatus
	to    SalesDocumentStatus
	guard func(doc SalesDocument, ev DocumentEvent) error
	apply func(doc *SalesDocument, ev DocumentEvent, now time.Time) map[string]interface{}
	verb  string
}

var documentRules = map[DocumentEventType]documentRule{
	DocumentEventSubmit: {
		from: []SalesDocumentStatus{SalesDocumentStatusDraft},
		to:   SalesDocumentStatusPendingReview,
		verb: "submitted for review",
	},
	DocumentEventReject: {
		from: []SalesDocumentStatus{SalesDocumentStatusPendingReview},
		to:   SalesDocumentStatusRejected,
		guard: func(doc SalesDocument, ev DocumentEvent) error {
			if strings.TrimSpace(ev.Reason) == "" {
				return errors.New("reject reason is required")
			}
			return nil
		},
		apply: func(doc *SalesDocument, ev DocumentEvent, now time.Time) map[string]interface{} {
			reason := strings.TrimSpace(ev.Reason)
			doc.RejectReason = &reason
			return map[string]interface{}{"reject_reason": doc.RejectReason}
		},
		verb: "rejected",
	},
	DocumentEventApprove: {
		from: []SalesDocumentStatus{SalesDocumentStatusPendingReview},
		to:   SalesDocumentStatusApproved,
		verb: "approved",
	},
	DocumentEventConfirmPaid: {
		from: []SalesDocumentStatus{SalesDocumentStatusApproved, SalesDocumentStatusPendingReview},
		to:   SalesDocumentStatusPaid,
		guard: func(doc SalesDocument, ev DocumentEvent) error {
			if !doc.DocType.IsPayable() {
				return utils.InvalidTransition("%s %s cannot be paid", doc.DocType, doc.DocNo)
			}
			if doc.Status == SalesDocumentStatusPendingReview && !ev.SkipApproval {
				return utils.InvalidTransition("%s %s must be approved before payment", doc.DocType, doc.DocNo)
			}
			return nil
		},
		apply: func(doc *SalesDocument, ev DocumentEvent, now time.Time) map[string]interface{} {
			paidAt := now
			doc.PaidAt = &paidAt
			return map[string]interface{}{"paid_at": doc.PaidAt}
		},
		verb: "paid",
	},
	DocumentEventCancel: {
		from: []SalesDocumentStatus{
			SalesDocumentStatusDraft,
			SalesDocumentStatusPendingReview,
			SalesDocumentStatusRejected,
			SalesDocumentStatusApproved,
			SalesDocumentStatusPaid,
		},
		to: SalesDocumentStatusCancelled,
		guard: func(doc SalesDocument, ev DocumentEvent) error {
			if doc.Status == SalesDocumentStatusPaid && !ev.Elevated {
				return utils.InvalidTransition("%s %s is paid; only an owner or admin may cancel it", doc.DocType, doc.DocNo)
			}
			return nil
		},
		apply: func(doc *SalesDocument, ev DocumentEvent, now time.Time) map[string]interface{} {
			cancelledAt := now
			doc.CancelledAt = &cancelledAt
			doc.CancelReason = utils.NilIfEmpty(strings.TrimSpace(ev.Reason))
			doc.SupersededById = ev.SupersededById
			return map[string]interface{}{
				"cancelled_at":     doc.CancelledAt,
				"cancel_reason":    doc.CancelReason,
				"superseded_by_id": doc.SupersededById,
			}
		},
		verb: "cancelled",
	},
	DocumentEventRevise: {
		from: []SalesDocumentStatus{SalesDocumentStatusRejected},
		to:   SalesDocumentStatusDraft,
		apply: func(doc *SalesDocument, ev DocumentEvent, now time.Time) map[string]interface{} {
			doc.RejectReason = nil
			return map[string]interface{}{"reject_reason": nil}
		},
		verb: "reopened as draft",
	},
}

// Apply evaluates ev against doc without touching storage.
func (doc SalesDocument) Apply(ev DocumentEvent, now time.Time) (*DocumentTransition, error) {
	rule, ok := documentRules[ev.Type]
	if !ok {
		return nil, utils.InvalidTransition("unknown document event %q", ev.Type)
	}
	allowed := false
	for _, s := range rule.from {
		if s == doc.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, utils.InvalidTransition("cannot %s %s %s in status %s", ev.Type, doc.DocType, doc.DocNo, doc.Status)
	}
	if rule.guard != nil {
		if err := rule.guard(doc, ev); err != nil {
			return nil, err
		}
	}

	after := doc
	changes := map[string]interface{}{}
	if rule.apply != nil {
		changes = rule.apply(&after, ev, now)
	}
	after.Status = rule.to
	changes["status"] = after.Status

	text := fmt.Sprintf("%s %s %s", doc.DocType, doc.DocNo, rule.verb)
	if ev.Type == DocumentEventReject || ev.Type == DocumentEventCancel {
		if reason := strings.TrimSpace(ev.Reason); reason != "" {
			text += ": " + reason
		}
	}

	return &DocumentTransition{
		Event:    ev.Type,
		From:     doc.Status,
		To:       after.Status,
		Document: after,
		Expect:   map[string]interface{}{"status": doc.Status},
		Changes:  changes,
		Activity: text,
	}, nil
}

// CanDelete refuses paid documents; they are part of the financial record.
func (doc SalesDocument) CanDelete() error {
	if doc.Status == SalesDocumentStatusPaid {
		return utils.InvariantViolation("paid %s %s cannot be deleted", doc.DocType, doc.DocNo)
	}
	return nil
}

func (doc SalesDocument) CanEditItems() error {
	if doc.Status != SalesDocumentStatusDraft {
		return utils.InvalidTransition("items of %s %s can only change in DRAFT, status is %s", doc.DocType, doc.DocNo, doc.Status)
	}
	return nil
}

// InitialDocumentStatus picks DRAFT or PENDING_REVIEW for a new document.
// requested wins when given; otherwise review-required types start in review.
func InitialDocumentStatus(requested SalesDocumentStatus, reviewRequired bool) (SalesDocumentStatus, error) {
	switch requested {
	case SalesDocumentStatusDraft, SalesDocumentStatusPendingReview:
		return requested, nil
	case "":
		if reviewRequired {
			return SalesDocumentStatusPendingReview, nil
		}
		return SalesDocumentStatusDraft, nil
	}
	return "", errors.New("new documents start in DRAFT or PENDING_REVIEW")
}

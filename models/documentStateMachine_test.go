package models

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
)

func TestEveryDocumentEventHasARule(t *testing.T) {
	for _, ev := range AllDocumentEvents {
		if _, ok := documentRules[ev]; !ok {
			t.Fatalf("document event %s has no rule", ev)
		}
	}
}

func TestDocumentTransitions(t *testing.T) {
	tests := []struct {
		name    string
		docType SalesDocumentType
		from    SalesDocumentStatus
		ev      DocumentEvent
		want    SalesDocumentStatus
		wantErr error
	}{
		{"submit", SalesDocumentTypeTaxInvoice, SalesDocumentStatusDraft, DocumentEvent{Type: DocumentEventSubmit}, SalesDocumentStatusPendingReview, nil},
		{"submit twice", SalesDocumentTypeTaxInvoice, SalesDocumentStatusPendingReview, DocumentEvent{Type: DocumentEventSubmit}, "", utils.ErrInvalidTransition},
		{"approve", SalesDocumentTypeTaxInvoice, SalesDocumentStatusPendingReview, DocumentEvent{Type: DocumentEventApprove}, SalesDocumentStatusApproved, nil},
		{"approve draft", SalesDocumentTypeTaxInvoice, SalesDocumentStatusDraft, DocumentEvent{Type: DocumentEventApprove}, "", utils.ErrInvalidTransition},
		{"reject", SalesDocumentTypeTaxInvoice, SalesDocumentStatusPendingReview, DocumentEvent{Type: DocumentEventReject, Reason: "wrong plate"}, SalesDocumentStatusRejected, nil},
		{"revise", SalesDocumentTypeTaxInvoice, SalesDocumentStatusRejected, DocumentEvent{Type: DocumentEventRevise}, SalesDocumentStatusDraft, nil},
		{"pay approved", SalesDocumentTypeTaxInvoice, SalesDocumentStatusApproved, DocumentEvent{Type: DocumentEventConfirmPaid}, SalesDocumentStatusPaid, nil},
		{"pay unapproved", SalesDocumentTypeTaxInvoice, SalesDocumentStatusPendingReview, DocumentEvent{Type: DocumentEventConfirmPaid}, "", utils.ErrInvalidTransition},
		{"pay receipt skipping approval", SalesDocumentTypeReceipt, SalesDocumentStatusPendingReview, DocumentEvent{Type: DocumentEventConfirmPaid, SkipApproval: true}, SalesDocumentStatusPaid, nil},
		{"pay delivery note", SalesDocumentTypeDeliveryNote, SalesDocumentStatusApproved, DocumentEvent{Type: DocumentEventConfirmPaid}, "", utils.ErrInvalidTransition},
		{"pay twice", SalesDocumentTypeReceipt, SalesDocumentStatusPaid, DocumentEvent{Type: DocumentEventConfirmPaid}, "", utils.ErrInvalidTransition},
		{"cancel draft", SalesDocumentTypeQuotation, SalesDocumentStatusDraft, DocumentEvent{Type: DocumentEventCancel}, SalesDocumentStatusCancelled, nil},
		{"cancel paid", SalesDocumentTypeReceipt, SalesDocumentStatusPaid, DocumentEvent{Type: DocumentEventCancel}, "", utils.ErrInvalidTransition},
		{"cancel paid elevated", SalesDocumentTypeReceipt, SalesDocumentStatusPaid, DocumentEvent{Type: DocumentEventCancel, Elevated: true}, SalesDocumentStatusCancelled, nil},
		{"cancel cancelled", SalesDocumentTypeReceipt, SalesDocumentStatusCancelled, DocumentEvent{Type: DocumentEventCancel, Elevated: true}, "", utils.ErrInvalidTransition},
		{"unknown", SalesDocumentTypeReceipt, SalesDocumentStatusDraft, DocumentEvent{Type: "shred"}, "", utils.ErrInvalidTransition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := *testDocument("doc-1", tc.docType, tc.from)
			dt, err := doc.Apply(tc.ev, machineNow)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if dt.To != tc.want || dt.Document.Status != tc.want {
				t.Fatalf("to=%s want %s", dt.To, tc.want)
			}
			if dt.Changes["status"] != tc.want {
				t.Fatalf("status missing from changes: %v", dt.Changes)
			}
			if dt.Expect["status"] != tc.from {
				t.Fatalf("expectation %v, want %s", dt.Expect, tc.from)
			}
			if doc.Status != tc.from {
				t.Fatalf("input document mutated")
			}
		})
	}
}

func TestRejectNeedsReason(t *testing.T) {
	doc := *testDocument("doc-1", SalesDocumentTypeTaxInvoice, SalesDocumentStatusPendingReview)
	dt, err := doc.Apply(DocumentEvent{Type: DocumentEventReject, Reason: "  "}, machineNow)
	if err == nil {
		t.Fatalf("expected error, got %s", dt.To)
	}
	if utils.KindOf(err) != "" {
		t.Fatalf("blank reason should be a validation error, got %v", err)
	}

	dt, err = doc.Apply(DocumentEvent{Type: DocumentEventReject, Reason: " labour missing "}, machineNow)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if *dt.Document.RejectReason != "labour missing" {
		t.Fatalf("reason=%q", *dt.Document.RejectReason)
	}
	if dt.Activity != "TAX_INVOICE INV-000001 rejected: labour missing" {
		t.Fatalf("activity=%q", dt.Activity)
	}

	revised, err := dt.Document.Apply(DocumentEvent{Type: DocumentEventRevise}, machineNow)
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.Document.RejectReason != nil {
		t.Fatalf("reject reason kept after revise")
	}
}

func TestCancelRecordsSupersession(t *testing.T) {
	doc := *testDocument("doc-1", SalesDocumentTypeTaxInvoice, SalesDocumentStatusApproved)
	by := "doc-2"
	dt, err := doc.Apply(DocumentEvent{Type: DocumentEventCancel, Reason: "superseded by INV-000002", SupersededById: &by}, machineNow)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if dt.Document.CancelledAt == nil || !dt.Document.CancelledAt.Equal(machineNow) {
		t.Fatalf("cancelled_at=%v", dt.Document.CancelledAt)
	}
	if *dt.Document.SupersededById != by || dt.Changes["superseded_by_id"] != &by {
		t.Fatalf("superseded_by not recorded: %v", dt.Changes)
	}
	if *dt.Document.CancelReason != "superseded by INV-000002" {
		t.Fatalf("cancel reason=%q", *dt.Document.CancelReason)
	}
}

func TestInitialDocumentStatus(t *testing.T) {
	tests := []struct {
		requested SalesDocumentStatus
		review    bool
		want      SalesDocumentStatus
		err       bool
	}{
		{"", false, SalesDocumentStatusDraft, false},
		{"", true, SalesDocumentStatusPendingReview, false},
		{SalesDocumentStatusDraft, true, SalesDocumentStatusDraft, false},
		{SalesDocumentStatusPendingReview, false, SalesDocumentStatusPendingReview, false},
		{SalesDocumentStatusApproved, false, "", true},
	}
	for _, tc := range tests {
		got, err := InitialDocumentStatus(tc.requested, tc.review)
		if tc.err != (err != nil) {
			t.Fatalf("InitialDocumentStatus(%q, %t) err=%v", tc.requested, tc.review, err)
		}
		if got != tc.want {
			t.Fatalf("InitialDocumentStatus(%q, %t)=%s want %s", tc.requested, tc.review, got, tc.want)
		}
	}
}

func TestDeleteAndEditGuards(t *testing.T) {
	paid := *testDocument("doc-1", SalesDocumentTypeReceipt, SalesDocumentStatusPaid)
	if !errors.Is(paid.CanDelete(), utils.ErrInvariantViolation) {
		t.Fatalf("paid document deletable")
	}
	if !errors.Is(paid.CanEditItems(), utils.ErrInvalidTransition) {
		t.Fatalf("paid document editable")
	}
	draft := *testDocument("doc-2", SalesDocumentTypeReceipt, SalesDocumentStatusDraft)
	if draft.CanDelete() != nil || draft.CanEditItems() != nil {
		t.Fatalf("draft should be deletable and editable")
	}
}

func TestCalculateTotals(t *testing.T) {
	items := []NewSalesDocumentItem{
		{Name: "Brake pads", Qty: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(1500)},
		{Name: "Labour", Qty: decimal.RequireFromString("1.5"), UnitPrice: decimal.NewFromInt(400)},
	}
	tests := []struct {
		name         string
		discountType DiscountType
		discount     string
		tax          bool
		grandTotal   string
	}{
		{"no discount with vat", "", "0", true, "3852"},
		{"amount discount", DiscountTypeAmount, "600", true, "3210"},
		{"percent discount", DiscountTypePercent, "10", true, "3466.8"},
		{"no vat", DiscountTypePercent, "10", false, "3240"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := SalesDocument{
				DocNo:         "INV-000001",
				TaxApplicable: tc.tax,
				VatRate:       decimal.RequireFromString("0.07"),
				DiscountType:  tc.discountType,
				Discount:      decimal.RequireFromString(tc.discount),
			}
			if err := doc.SetItems(items); err != nil {
				t.Fatalf("set items: %v", err)
			}
			if !doc.Subtotal.Equal(decimal.NewFromInt(3600)) {
				t.Fatalf("subtotal=%s", doc.Subtotal)
			}
			if !doc.GrandTotal.Equal(decimal.RequireFromString(tc.grandTotal)) {
				t.Fatalf("grand total=%s want %s", doc.GrandTotal, tc.grandTotal)
			}
			if !doc.Net.Add(doc.VatAmount).Equal(doc.GrandTotal) || !doc.Subtotal.Sub(doc.DiscountAmount).Equal(doc.Net) {
				t.Fatalf("totals do not add up: %+v", doc)
			}
			if err := doc.VerifyTotals(); err != nil {
				t.Fatalf("verify: %v", err)
			}
		})
	}
}

func TestVerifyTotalsCatchesTampering(t *testing.T) {
	doc := SalesDocument{DocNo: "RC-000001", TaxApplicable: true, VatRate: decimal.RequireFromString("0.07")}
	if err := doc.SetItems([]NewSalesDocumentItem{{Name: "Oil", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(900)}}); err != nil {
		t.Fatalf("set items: %v", err)
	}
	doc.GrandTotal = doc.GrandTotal.Add(decimal.NewFromInt(1))
	if !errors.Is(doc.VerifyTotals(), utils.ErrInvariantViolation) {
		t.Fatalf("tampered grand total accepted")
	}

	doc.Discount = decimal.NewFromInt(5000)
	if err := doc.CalculateTotals(); err == nil {
		t.Fatalf("discount above subtotal accepted")
	}
}

func TestSetItemsValidatesLines(t *testing.T) {
	bad := [][]NewSalesDocumentItem{
		{{Name: " ", Qty: decimal.NewFromInt(1)}},
		{{Name: "Oil", Qty: decimal.Zero}},
		{{Name: "Oil", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(-1)}},
	}
	for i, items := range bad {
		var doc SalesDocument
		if err := doc.SetItems(items); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestNewSalesDocumentValidate(t *testing.T) {
	item := []NewSalesDocumentItem{{Name: "Oil", Qty: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(900)}}
	tests := []struct {
		name  string
		input NewSalesDocument
		ok    bool
	}{
		{"plain invoice", NewSalesDocument{DocType: SalesDocumentTypeTaxInvoice, Items: item}, true},
		{"bad type", NewSalesDocument{DocType: "MEMO", Items: item}, false},
		{"no items", NewSalesDocument{DocType: SalesDocumentTypeTaxInvoice}, false},
		{"backfill without number", NewSalesDocument{DocType: SalesDocumentTypeReceipt, Backfill: true, Items: item}, false},
		{"number without backfill", NewSalesDocument{DocType: SalesDocumentTypeReceipt, DocNo: "RC-1", Items: item}, false},
		{"credit note without reference", NewSalesDocument{DocType: SalesDocumentTypeCreditNote, Items: item}, false},
		{"paid paper receipt", NewSalesDocument{DocType: SalesDocumentTypeReceipt, Backfill: true, DocNo: "RC-1", Status: SalesDocumentStatusPaid, Items: item}, true},
		{"paid paper delivery note", NewSalesDocument{DocType: SalesDocumentTypeDeliveryNote, Backfill: true, DocNo: "DN-1", Status: SalesDocumentStatusPaid, Items: item}, false},
		{"paid new receipt", NewSalesDocument{DocType: SalesDocumentTypeReceipt, Status: SalesDocumentStatusPaid, Items: item}, false},
		{"paid paper receipt on a job", NewSalesDocument{DocType: SalesDocumentTypeReceipt, Backfill: true, DocNo: "RC-1", Status: SalesDocumentStatusPaid, JobId: strPtr("job-1"), Items: item}, false},
		{"starts approved", NewSalesDocument{DocType: SalesDocumentTypeReceipt, Status: SalesDocumentStatusApproved, Items: item}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := tc.input
			err := input.Validate()
			if tc.ok != (err == nil) {
				t.Fatalf("ok=%t err=%v", tc.ok, err)
			}
		})
	}
}

func TestRolePermissions(t *testing.T) {
	p := RolePermissionProvider{}
	ctx := context.Background()
	tests := []struct {
		role   UserRole
		action Action
		want   bool
	}{
		{UserRoleTechnician, ActionCreateJob, true},
		{UserRoleTechnician, ActionLinkDocument, true},
		{UserRoleTechnician, ActionReviewDocument, false},
		{UserRoleTechnician, ActionTransferDepartment, false},
		{UserRoleManager, ActionConfirmPayment, true},
		{UserRoleManager, ActionArchiveJob, true},
		{UserRoleManager, ActionCancelPaidDocument, false},
		{UserRoleManager, ActionAppendArchivedActivity, false},
		{UserRoleOwner, ActionCancelPaidDocument, true},
		{UserRoleAdmin, ActionOverrideClosedJob, true},
		{"X", ActionCreateJob, false},
	}
	for _, tc := range tests {
		if got := p.Can(ctx, Caller{Id: "u-1", Role: tc.role}, tc.action); got != tc.want {
			t.Fatalf("%s %s: got %t want %t", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestCallerContextRoundTrip(t *testing.T) {
	caller := Caller{Id: "u-1", Name: "Ploy", Role: UserRoleOwner, BusinessId: "biz-1"}
	got, err := CallerFromContext(caller.WithContext(context.Background()))
	if err != nil {
		t.Fatalf("caller from context: %v", err)
	}
	if got != caller {
		t.Fatalf("got %+v want %+v", got, caller)
	}
	if _, err := CallerFromContext(context.Background()); err == nil {
		t.Fatalf("expected error without a user id")
	}
}

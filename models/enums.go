package models

import (
	"errors"
	"strings"
)

type Department string

const (
	DepartmentMechanical      Department = "MECHANICAL"
	DepartmentBodyPaint       Department = "BODY_PAINT"
	DepartmentElectrical      Department = "ELECTRICAL"
	DepartmentAirConditioning Department = "AIR_CONDITIONING"
	DepartmentTireService     Department = "TIRE_SERVICE"
)

func (t Department) IsValid() bool {
	switch t {
	case DepartmentMechanical, DepartmentBodyPaint, DepartmentElectrical,
		DepartmentAirConditioning, DepartmentTireService:
		return true
	}
	return false
}

// convert input to enum type
func (t *Department) UnmarshalText(b []byte) error {
	v := Department(strings.ToUpper(strings.TrimSpace(string(b))))
	if !v.IsValid() {
		return errors.New("invalid department")
	}
	*t = v
	return nil
}

type JobStatus string

const (
	JobStatusReceived              JobStatus = "RECEIVED"
	JobStatusInProgress            JobStatus = "IN_PROGRESS"
	JobStatusWaitingQuotation      JobStatus = "WAITING_QUOTATION"
	JobStatusWaitingApprove        JobStatus = "WAITING_APPROVE"
	JobStatusPendingParts          JobStatus = "PENDING_PARTS"
	JobStatusInRepairProcess       JobStatus = "IN_REPAIR_PROCESS"
	JobStatusDone                  JobStatus = "DONE"
	JobStatusWaitingCustomerPickup JobStatus = "WAITING_CUSTOMER_PICKUP"
	JobStatusClosed                JobStatus = "CLOSED"
)

var AllJobStatuses = []JobStatus{
	JobStatusReceived,
	JobStatusInProgress,
	JobStatusWaitingQuotation,
	JobStatusWaitingApprove,
	JobStatusPendingParts,
	JobStatusInRepairProcess,
	JobStatusDone,
	JobStatusWaitingCustomerPickup,
	JobStatusClosed,
}

func (t JobStatus) IsValid() bool {
	for _, s := range AllJobStatuses {
		if s == t {
			return true
		}
	}
	return false
}

func (t JobStatus) IsTerminal() bool {
	return t == JobStatusClosed
}

func (t *JobStatus) UnmarshalText(b []byte) error {
	v := JobStatus(strings.ToUpper(strings.TrimSpace(string(b))))
	if !v.IsValid() {
		return errors.New("invalid job status")
	}
	*t = v
	return nil
}

type SalesDocumentType string

const (
	SalesDocumentTypeQuotation    SalesDocumentType = "QUOTATION"
	SalesDocumentTypeDeliveryNote SalesDocumentType = "DELIVERY_NOTE"
	SalesDocumentTypeTaxInvoice   SalesDocumentType = "TAX_INVOICE"
	SalesDocumentTypeReceipt      SalesDocumentType = "RECEIPT"
	SalesDocumentTypeCreditNote   SalesDocumentType = "CREDIT_NOTE"
)

var AllSalesDocumentTypes = []SalesDocumentType{
	SalesDocumentTypeQuotation,
	SalesDocumentTypeDeliveryNote,
	SalesDocumentTypeTaxInvoice,
	SalesDocumentTypeReceipt,
	SalesDocumentTypeCreditNote,
}

func (t SalesDocumentType) IsValid() bool {
	switch t {
	case SalesDocumentTypeQuotation, SalesDocumentTypeDeliveryNote, SalesDocumentTypeTaxInvoice,
		SalesDocumentTypeReceipt, SalesDocumentTypeCreditNote:
		return true
	}
	return false
}

// Prefix is the human-readable number prefix, e.g. INV-000012.
func (t SalesDocumentType) Prefix() string {
	switch t {
	case SalesDocumentTypeQuotation:
		return "QT"
	case SalesDocumentTypeDeliveryNote:
		return "DN"
	case SalesDocumentTypeTaxInvoice:
		return "INV"
	case SalesDocumentTypeReceipt:
		return "RC"
	case SalesDocumentTypeCreditNote:
		return "CN"
	}
	return ""
}

// IsBillable types attach to the job and move it to WAITING_CUSTOMER_PICKUP.
func (t SalesDocumentType) IsBillable() bool {
	return t == SalesDocumentTypeDeliveryNote || t == SalesDocumentTypeTaxInvoice || t == SalesDocumentTypeReceipt
}

// IsPayable types accept confirmPaid and close the job they represent.
func (t SalesDocumentType) IsPayable() bool {
	return t == SalesDocumentTypeTaxInvoice || t == SalesDocumentTypeReceipt
}

// IsReconciling is false for reference-only documents. They never drive a job
// transition and are exempt from the one-current-per-type rule.
func (t SalesDocumentType) IsReconciling() bool {
	return t != SalesDocumentTypeCreditNote
}

func (t *SalesDocumentType) UnmarshalText(b []byte) error {
	v := SalesDocumentType(strings.ToUpper(strings.TrimSpace(string(b))))
	if !v.IsValid() {
		return errors.New("invalid document type")
	}
	*t = v
	return nil
}

type SalesDocumentStatus string

const (
	SalesDocumentStatusDraft         SalesDocumentStatus = "DRAFT"
	SalesDocumentStatusPendingReview SalesDocumentStatus = "PENDING_REVIEW"
	SalesDocumentStatusRejected      SalesDocumentStatus = "REJECTED"
	SalesDocumentStatusApproved      SalesDocumentStatus = "APPROVED"
	SalesDocumentStatusPaid          SalesDocumentStatus = "PAID"
	SalesDocumentStatusCancelled     SalesDocumentStatus = "CANCELLED"
)

func (t SalesDocumentStatus) IsValid() bool {
	switch t {
	case SalesDocumentStatusDraft, SalesDocumentStatusPendingReview, SalesDocumentStatusRejected,
		SalesDocumentStatusApproved, SalesDocumentStatusPaid, SalesDocumentStatusCancelled:
		return true
	}
	return false
}

func (t SalesDocumentStatus) IsTerminal() bool {
	return t == SalesDocumentStatusPaid || t == SalesDocumentStatusCancelled
}

func (t *SalesDocumentStatus) UnmarshalText(b []byte) error {
	v := SalesDocumentStatus(strings.ToUpper(strings.TrimSpace(string(b))))
	if !v.IsValid() {
		return errors.New("invalid document status")
	}
	*t = v
	return nil
}

type DiscountType string

const (
	DiscountTypeAmount  DiscountType = "A"
	DiscountTypePercent DiscountType = "P"
)

func (t DiscountType) IsValid() bool {
	return t == DiscountTypeAmount || t == DiscountTypePercent
}

func (t *DiscountType) UnmarshalText(b []byte) error {
	switch v := DiscountType(strings.ToUpper(strings.TrimSpace(string(b)))); v {
	case DiscountTypeAmount, DiscountTypePercent:
		*t = v
	case "":
		*t = DiscountTypeAmount
	default:
		return errors.New("invalid discount type")
	}
	return nil
}

type UserRole string

const (
	UserRoleAdmin      UserRole = "A"
	UserRoleOwner      UserRole = "O"
	UserRoleManager    UserRole = "M"
	UserRoleTechnician UserRole = "T"
)

func (t UserRole) IsValid() bool {
	switch t {
	case UserRoleAdmin, UserRoleOwner, UserRoleManager, UserRoleTechnician:
		return true
	}
	return false
}

func (t *UserRole) UnmarshalText(b []byte) error {
	v := UserRole(strings.ToUpper(strings.TrimSpace(string(b))))
	if !v.IsValid() {
		return errors.New("invalid user role")
	}
	*t = v
	return nil
}

type ActivityKind string

const (
	ActivityKindTransition ActivityKind = "TRANSITION"
	ActivityKindDocument   ActivityKind = "DOCUMENT"
	ActivityKindNote       ActivityKind = "NOTE"
	ActivityKindPhoto      ActivityKind = "PHOTO"
)

func (t *ActivityKind) UnmarshalText(b []byte) error {
	switch v := ActivityKind(strings.ToUpper(strings.TrimSpace(string(b)))); v {
	case ActivityKindTransition, ActivityKindDocument, ActivityKindNote, ActivityKindPhoto:
		*t = v
	default:
		return errors.New("invalid activity kind")
	}
	return nil
}

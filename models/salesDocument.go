package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SalesDocument struct {
	ID               string                                 `gorm:"primary_key;size:36" json:"id"`
	BusinessId       string                                 `gorm:"size:64;not null;index;uniqueIndex:uniq_sales_doc_no,priority:1" json:"business_id"`
	DocType          SalesDocumentType                      `gorm:"size:20;not null;index:idx_sales_doc_job_type,priority:2;uniqueIndex:uniq_sales_doc_no,priority:2" json:"doc_type"`
	DocNo            string                                 `gorm:"size:50;not null;uniqueIndex:uniq_sales_doc_no,priority:3" json:"doc_no"`
	SequenceNo       int                                    `gorm:"not null;default:0" json:"sequence_no"`
	IsBackfilled     bool                                   `gorm:"not null;default:false" json:"is_backfilled"`
	Status           SalesDocumentStatus                    `gorm:"size:20;not null;index" json:"status"`
	JobId            *string                                `gorm:"size:36;index:idx_sales_doc_job_type,priority:1" json:"job_id"`
	ReferencesDocIds datatypes.JSONSlice[string]            `json:"references_doc_ids"`
	CustomerName     string                                 `gorm:"size:255" json:"customer_name"`
	IssueDate        time.Time                              `gorm:"not null;index" json:"issue_date"`
	TaxApplicable    bool                                   `gorm:"not null" json:"tax_applicable"`
	VatRate          decimal.Decimal                        `gorm:"type:decimal(10,4);default:0" json:"vat_rate"`
	DiscountType     DiscountType                           `gorm:"size:1;not null;default:'A'" json:"discount_type"`
	Discount         decimal.Decimal                        `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Items            datatypes.JSONSlice[SalesDocumentItem] `json:"items"`
	Subtotal         decimal.Decimal                        `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	DiscountAmount   decimal.Decimal                        `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	Net              decimal.Decimal                        `gorm:"type:decimal(20,4);default:0" json:"net"`
	VatAmount        decimal.Decimal                        `gorm:"type:decimal(20,4);default:0" json:"vat_amount"`
	GrandTotal       decimal.Decimal                        `gorm:"type:decimal(20,4);default:0" json:"grand_total"`
	RejectReason     *string                                `gorm:"type:text" json:"reject_reason"`
	CancelReason     *string                                `gorm:"type:text" json:"cancel_reason"`
	PaidAt           *time.Time                             `json:"paid_at"`
	CancelledAt      *time.Time                             `json:"cancelled_at"`
	SupersededById   *string                                `gorm:"size:36;index" json:"superseded_by_id"`
	CreatedById      string                                 `gorm:"size:36" json:"created_by_id"`
	CreatedByName    string                                 `gorm:"size:100" json:"created_by_name"`
	CreatedAt        time.Time                              `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time                              `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesDocumentItem struct {
	Name      string          `json:"name"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

type NewSalesDocumentItem struct {
	Name      string          `json:"name" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func mapSalesDocumentItems(input []NewSalesDocumentItem) ([]SalesDocumentItem, error) {
	items := make([]SalesDocumentItem, 0, len(input))
	for i, in := range input {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("item %d: name is required", i+1)
		}
		if !in.Qty.IsPositive() {
			return nil, fmt.Errorf("item %d: qty must be positive", i+1)
		}
		if in.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("item %d: unit price must not be negative", i+1)
		}
		items = append(items, SalesDocumentItem{
			Name:      name,
			Qty:       in.Qty,
			UnitPrice: in.UnitPrice,
			Amount:    in.Qty.Mul(in.UnitPrice).Round(4),
		})
	}
	return items, nil
}

// SetItems replaces the line items and recomputes every derived total.
func (doc *SalesDocument) SetItems(input []NewSalesDocumentItem) error {
	items, err := mapSalesDocumentItems(input)
	if err != nil {
		return err
	}
	doc.Items = items
	return doc.CalculateTotals()
}

// CalculateTotals derives subtotal, discount amount, net, VAT and grand total
// from the items, the discount input and the VAT rate.
func (doc *SalesDocument) CalculateTotals() error {
	if doc.Discount.IsNegative() {
		return errors.New("discount must not be negative")
	}
	if doc.DiscountType == "" {
		doc.DiscountType = DiscountTypeAmount
	}
	subtotal := decimal.Zero
	for _, item := range doc.Items {
		subtotal = subtotal.Add(item.Amount)
	}
	discountAmount := utils.CalculateDiscountAmount(subtotal, doc.Discount, string(doc.DiscountType))
	if discountAmount.GreaterThan(subtotal) {
		return errors.New("discount exceeds subtotal")
	}
	net := subtotal.Sub(discountAmount)
	vat := utils.CalculateVatAmount(net, doc.VatRate, doc.TaxApplicable)

	doc.Subtotal = subtotal
	doc.DiscountAmount = discountAmount
	doc.Net = net
	doc.VatAmount = vat
	doc.GrandTotal = net.Add(vat)
	return nil
}

// VerifyTotals fails when any stored total differs from its derivation.
func (doc SalesDocument) VerifyTotals() error {
	expected := doc
	expected.Items = append(datatypes.JSONSlice[SalesDocumentItem](nil), doc.Items...)
	for i := range expected.Items {
		expected.Items[i].Amount = expected.Items[i].Qty.Mul(expected.Items[i].UnitPrice).Round(4)
		if !expected.Items[i].Amount.Equal(doc.Items[i].Amount) {
			return utils.InvariantViolation("document %s item %d amount is not qty x unit price", doc.DocNo, i+1)
		}
	}
	if err := expected.CalculateTotals(); err != nil {
		return utils.InvariantViolation("document %s: %s", doc.DocNo, err.Error())
	}
	if !expected.Subtotal.Equal(doc.Subtotal) ||
		!expected.DiscountAmount.Equal(doc.DiscountAmount) ||
		!expected.Net.Equal(doc.Net) ||
		!expected.VatAmount.Equal(doc.VatAmount) ||
		!expected.GrandTotal.Equal(doc.GrandTotal) {
		return utils.InvariantViolation("document %s totals do not match its items", doc.DocNo)
	}
	return nil
}

func (doc *SalesDocument) BeforeCreate(tx *gorm.DB) error {
	return doc.VerifyTotals()
}

func (doc SalesDocument) IsLinkedTo(jobId string) bool {
	return doc.JobId != nil && *doc.JobId == jobId
}

func (doc SalesDocument) References(docId string) bool {
	for _, id := range doc.ReferencesDocIds {
		if id == docId {
			return true
		}
	}
	return false
}

// FormatDocumentNumber renders a series number, e.g. INV-000042.
func FormatDocumentNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}

// NewSalesDocument is the input for issuing a document. DocNo is only given
// for backfilled documents copied from paper or a legacy system.
type NewSalesDocument struct {
	JobId            *string                `json:"job_id"`
	DocType          SalesDocumentType      `json:"doc_type" binding:"required"`
	Backfill         bool                   `json:"backfill"`
	DocNo            string                 `json:"doc_no"`
	Status           SalesDocumentStatus    `json:"status"`
	CustomerName     string                 `json:"customer_name"`
	IssueDate        *time.Time             `json:"issue_date"`
	TaxApplicable    bool                   `json:"tax_applicable"`
	DiscountType     DiscountType           `json:"discount_type"`
	Discount         decimal.Decimal        `json:"discount"`
	Items            []NewSalesDocumentItem `json:"items" binding:"required,dive"`
	ReferencesDocIds []string               `json:"references_doc_ids"`
	Supersede        bool                   `json:"supersede"`
	IdempotencyKey   string                 `json:"idempotency_key"`
}

func (input *NewSalesDocument) Validate() error {
	if !input.DocType.IsValid() {
		return errors.New("invalid document type")
	}
	if input.DiscountType != "" && !input.DiscountType.IsValid() {
		return errors.New("invalid discount type")
	}
	if len(input.Items) == 0 {
		return errors.New("at least one item is required")
	}
	input.DocNo = strings.TrimSpace(input.DocNo)
	if input.Backfill && input.DocNo == "" {
		return errors.New("backfilled documents need the original document number")
	}
	if !input.Backfill && input.DocNo != "" {
		return errors.New("document number is assigned by the series")
	}
	if input.JobId != nil && strings.TrimSpace(*input.JobId) == "" {
		input.JobId = nil
	}
	if input.DocType == SalesDocumentTypeCreditNote && len(input.ReferencesDocIds) == 0 {
		return errors.New("credit notes must reference the document they credit")
	}
	switch input.Status {
	case "", SalesDocumentStatusDraft, SalesDocumentStatusPendingReview:
	case SalesDocumentStatusPaid:
		// recorded payments from before the system existed; linked to a job later
		if !input.Backfill || !input.DocType.IsPayable() || input.JobId != nil {
			return errors.New("only backfilled payable documents without a job may start as PAID")
		}
	default:
		return errors.New("new documents start in DRAFT or PENDING_REVIEW")
	}
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	input.ReferencesDocIds = utils.UniqueSlice(input.ReferencesDocIds)
	return nil
}

// UpdateSalesDocumentItems replaces the priced content of a DRAFT document.
type UpdateSalesDocumentItems struct {
	Items         []NewSalesDocumentItem `json:"items" binding:"required,dive"`
	DiscountType  DiscountType           `json:"discount_type"`
	Discount      decimal.Decimal        `json:"discount"`
	TaxApplicable *bool                  `json:"tax_applicable"`
}

// ApplyItems edits doc in memory and returns the columns to write.
func (doc *SalesDocument) ApplyItems(input UpdateSalesDocumentItems) (map[string]interface{}, error) {
	if len(input.Items) == 0 {
		return nil, errors.New("at least one item is required")
	}
	if input.DiscountType != "" {
		if !input.DiscountType.IsValid() {
			return nil, errors.New("invalid discount type")
		}
		doc.DiscountType = input.DiscountType
	}
	doc.Discount = input.Discount
	if input.TaxApplicable != nil {
		doc.TaxApplicable = *input.TaxApplicable
	}
	if err := doc.SetItems(input.Items); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"items":           doc.Items,
		"discount_type":   doc.DiscountType,
		"discount":        doc.Discount,
		"tax_applicable":  doc.TaxApplicable,
		"subtotal":        doc.Subtotal,
		"discount_amount": doc.DiscountAmount,
		"net":             doc.Net,
		"vat_amount":      doc.VatAmount,
		"grand_total":     doc.GrandTotal,
	}, nil
}

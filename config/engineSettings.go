package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	defaultArchiveHorizonYears = 5
	maxArchiveHorizonYears     = 50
)

// EngineSettings holds the reconciliation knobs read from env.
//
// Set via env:
// - ARCHIVE_HORIZON_YEARS=5
// - VAT_RATE=0.07
// - REVIEW_REQUIRED_DOC_TYPES="TAX_INVOICE"
// - SKIP_APPROVAL_DOC_TYPES="RECEIPT"
// - ARCHIVE_ON_PAID=true
type EngineSettings struct {
	ArchiveHorizonYears    int
	VatRate                decimal.Decimal
	ReviewRequiredDocTypes []string
	SkipApprovalDocTypes   []string
	ArchiveOnPaid          bool
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		ArchiveHorizonYears:    defaultArchiveHorizonYears,
		VatRate:                decimal.NewFromFloat(0.07),
		ReviewRequiredDocTypes: []string{"TAX_INVOICE"},
		SkipApprovalDocTypes:   []string{"RECEIPT"},
		ArchiveOnPaid:          true,
	}
}

func LoadEngineSettings() EngineSettings {
	s := DefaultEngineSettings()

	if v := strings.TrimSpace(os.Getenv("ARCHIVE_HORIZON_YEARS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.ArchiveHorizonYears = n
		}
	}
	s.ArchiveHorizonYears = ClampArchiveHorizon(s.ArchiveHorizonYears)

	if v := strings.TrimSpace(os.Getenv("VAT_RATE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			s.VatRate = d
		}
	}
	if v, ok := os.LookupEnv("REVIEW_REQUIRED_DOC_TYPES"); ok {
		s.ReviewRequiredDocTypes = docTypeList(v)
	}
	if v, ok := os.LookupEnv("SKIP_APPROVAL_DOC_TYPES"); ok {
		s.SkipApprovalDocTypes = docTypeList(v)
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("ARCHIVE_ON_PAID"))); v != "" {
		s.ArchiveOnPaid = v == "1" || v == "true" || v == "yes" || v == "y"
	}
	return s
}

func ClampArchiveHorizon(years int) int {
	if years < 1 {
		return 1
	}
	if years > maxArchiveHorizonYears {
		return maxArchiveHorizonYears
	}
	return years
}

// RequiresReview reports whether new documents of docType start in PENDING_REVIEW.
// Doc keys are case-insensitive.
func (s EngineSettings) RequiresReview(docType string) bool {
	return containsDocType(s.ReviewRequiredDocTypes, docType)
}

func (s EngineSettings) SkipsApproval(docType string) bool {
	return containsDocType(s.SkipApprovalDocTypes, docType)
}

func docTypeList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsDocType(list []string, docType string) bool {
	docType = strings.ToUpper(strings.TrimSpace(docType))
	if docType == "" {
		return false
	}
	for _, d := range list {
		if d == docType {
			return true
		}
	}
	return false
}

package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store"
	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/gorm"
)

const issueDocumentOperation = "IssueDocument"

// lookupIdempotentResult returns the result id stored for key, if any.
func lookupIdempotentResult(ctx context.Context, db *gorm.DB, businessId, operation, key string) (string, bool, error) {
	var existing models.IdempotencyKey
	err := db.WithContext(ctx).
		Where("business_id = ? AND operation = ? AND request_key = ?", businessId, operation, key).
		Take(&existing).Error
	if err == nil {
		return existing.ResultId, true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	return "", false, utils.StorageUnavailable(err)
}

// recordIdempotentResult adds the key to b, so the key and the result it
// points to commit together. A racing request with the same key loses on the
// unique index.
func recordIdempotentResult(b *store.Batch, businessId, operation, key, resultId string, at time.Time) {
	b.Create(&models.IdempotencyKey{
		BusinessId: businessId,
		Operation:  operation,
		RequestKey: strings.TrimSpace(key),
		ResultId:   resultId,
		CreatedAt:  at,
	})
}

// replayIssue returns the document an earlier request with the same key
// issued. A key reused for another job or document type is refused.
func (c *Coordinator) replayIssue(ctx context.Context, caller models.Caller, input models.NewSalesDocument) (*models.SalesDocument, bool, error) {
	key := strings.TrimSpace(input.IdempotencyKey)
	resultId, found, err := lookupIdempotentResult(ctx, c.Store.DB, caller.BusinessId, issueDocumentOperation, key)
	if err != nil || !found {
		return nil, false, err
	}
	doc, err := c.loadDocument(ctx, resultId)
	if err != nil {
		return nil, false, err
	}
	if doc.DocType != input.DocType || utils.DereferencePtr(doc.JobId) != utils.DereferencePtr(input.JobId) {
		return nil, false, utils.InvariantViolation("idempotency key %s was used for %s %s", key, doc.DocType, doc.DocNo)
	}
	return doc, true, nil
}

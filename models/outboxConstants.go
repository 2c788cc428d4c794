package models

// Outbox publish statuses for PubSubMessageRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Reference types carried by outbox events.
const (
	OutboxReferenceJob           = "JOB"
	OutboxReferenceSalesDocument = "SALES_DOCUMENT"
)

// Event types published for downstream read models.
const (
	EventJobCreated           = "job.created"
	EventJobTransitioned      = "job.transitioned"
	EventJobArchived          = "job.archived"
	EventActivityAppended     = "activity.appended"
	EventDocumentIssued       = "document.issued"
	EventDocumentTransitioned = "document.transitioned"
	EventDocumentUpdated      = "document.updated"
	EventDocumentDeleted      = "document.deleted"
	EventDocumentLinked       = "document.linked"
)

package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/garage_backend/models"
	"gorm.io/gorm"
)

type salesDocumentReader struct {
	db *gorm.DB
}

func (r *salesDocumentReader) getSalesDocuments(ctx context.Context, ids []string) []*dataloader.Result[*models.SalesDocument] {
	docs, err := models.GetSalesDocumentsByIds(ctx, r.db, ids)
	if err != nil {
		return handleError[*models.SalesDocument](len(ids), err)
	}
	return generateLoaderResults(docs, func(d *models.SalesDocument) string { return d.ID }, ids)
}

func GetSalesDocument(ctx context.Context, id string) (*models.SalesDocument, error) {
	loaders := For(ctx)
	return loaders.salesDocumentLoader.Load(ctx, id)()
}

func GetSalesDocuments(ctx context.Context, ids []string) ([]*models.SalesDocument, []error) {
	loaders := For(ctx)
	return loaders.salesDocumentLoader.LoadMany(ctx, ids)()
}

package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the lookups a job listing fans out into: the assignee and the
// linked sales document of every row.
type Loaders struct {
	userLoader          *dataloader.Loader[string, *models.User]
	salesDocumentLoader *dataloader.Loader[string, *models.SalesDocument]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	userReader := &userReader{db: conn}
	salesDocumentReader := &salesDocumentReader{db: conn}

	return &Loaders{
		userLoader:          dataloader.NewBatchedLoader(userReader.getUsers, dataloader.WithWait[string, *models.User](time.Millisecond)),
		salesDocumentLoader: dataloader.NewBatchedLoader(salesDocumentReader.getSalesDocuments, dataloader.WithWait[string, *models.SalesDocument](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return NewLoaderMiddleware(config.GetDB)
}

// NewLoaderMiddleware builds fresh loaders per request on the database getDB returns.
func NewLoaderMiddleware(getDB func() *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(getDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders rows by the requested keys; a missing key gets a nil result.
func generateLoaderResults[T any](rows []*T, keyOf func(*T) string, keys []string) []*dataloader.Result[*T] {
	resultMap := make(map[string]*T, len(rows))
	for _, row := range rows {
		resultMap[keyOf(row)] = row
	}
	loaderResults := make([]*dataloader.Result[*T], 0, len(keys))
	for _, key := range keys {
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: resultMap[key]})
	}
	return loaderResults
}

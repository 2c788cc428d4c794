package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/garage_backend/models"
	"gorm.io/gorm"
)

type userReader struct {
	db *gorm.DB
}

func (r *userReader) getUsers(ctx context.Context, ids []string) []*dataloader.Result[*models.User] {
	users, err := models.GetUsersByIds(ctx, r.db, ids)
	if err != nil {
		return handleError[*models.User](len(ids), err)
	}
	return generateLoaderResults(users, func(u *models.User) string { return u.ID }, ids)
}

func GetUser(ctx context.Context, id string) (*models.User, error) {
	loaders := For(ctx)
	return loaders.userLoader.Load(ctx, id)()
}

func GetUsers(ctx context.Context, ids []string) ([]*models.User, []error) {
	loaders := For(ctx)
	return loaders.userLoader.LoadMany(ctx, ids)()
}

package middlewares

import (
	"context"
	"testing"

	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestUserLoaderBatchesAndKeepsOrder(t *testing.T) {
	db := storetest.OpenDB(t)
	users := []models.User{
		{ID: "u-1", BusinessId: "biz-1", Username: "aye", Password: "x", Name: "Aye", Role: models.UserRoleTechnician, Department: models.DepartmentMechanical, IsActive: true},
		{ID: "u-2", BusinessId: "biz-1", Username: "mya", Password: "x", Name: "Mya", Role: models.UserRoleManager, IsActive: true},
	}
	require.NoError(t, db.Create(&users).Error)

	ctx := context.WithValue(context.Background(), loadersKey, NewLoaders(db))
	got, errs := GetUsers(ctx, []string{"u-2", "missing", "u-1"})
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, got, 3)
	require.Equal(t, "Mya", got[0].Name)
	require.Nil(t, got[1])
	require.Equal(t, "Aye", got[2].Name)

	user, err := GetUser(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, "aye", user.Username)
}

func TestSalesDocumentLoaderMissingKey(t *testing.T) {
	db := storetest.OpenDB(t)
	ctx := context.WithValue(context.Background(), loadersKey, NewLoaders(db))
	doc, err := GetSalesDocument(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, doc)
}

// seed-admin creates or updates an owner account for a business.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-admin -business biz-1 -username owner -password secret -name "Garage Owner"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/utils"
)

func main() {
	businessId := flag.String("business", "", "business id the owner belongs to")
	username := flag.String("username", "owner", "login name")
	password := flag.String("password", "", "password (required)")
	name := flag.String("name", "Garage Owner", "display name")
	role := flag.String("role", string(models.UserRoleOwner), "role: A admin, O owner")
	flag.Parse()

	if *businessId == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "-business and -password are required")
		os.Exit(2)
	}
	userRole := models.UserRole(*role)
	if userRole != models.UserRoleOwner && userRole != models.UserRoleAdmin {
		fmt.Fprintln(os.Stderr, "-role must be O or A")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(1)
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessId)
	user, err := models.SaveUser(ctx, db, *businessId, models.NewUser{
		Username: *username,
		Password: *password,
		Name:     *name,
		Role:     userRole,
		IsActive: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to save user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Saved user: username=%q role=%s business=%s\n", user.Username, user.Role, user.BusinessId)
}

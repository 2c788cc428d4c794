package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every live table. Archive partitions are
// created on first use by the archive mover.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Job{},
		&SalesDocument{},
		&Activity{},
		&User{},
		&DocumentNumberSeries{},
		&IdempotencyKey{},
		&PubSubMessageRecord{},
	)
}

// MigrateArchivePartition creates the job and activity tables for one closing year.
func MigrateArchivePartition(db *gorm.DB, year int) error {
	if err := db.Table(ArchiveJobTable(year)).AutoMigrate(&Job{}); err != nil {
		return err
	}
	return db.Table(ArchiveActivityTable(year)).AutoMigrate(&Activity{})
}

package repository

import (
	"fmt"

	"github.com/sandeepkv93/execgate/internal/domain"

	"gorm.io/gorm"
)

// Tables names the SQL tables backing the stores.
type Tables struct {
	TokenStatus               string
	UserRequests              string
	TeacherAssociatedRequests string
	BlockedUsers              string
}

// Migrate creates or updates the store tables.
func Migrate(db *gorm.DB, tables Tables) error {
	if err := db.Table(tables.TokenStatus).AutoMigrate(&domain.TokenRecord{}); err != nil {
		return fmt.Errorf("migrate %s: %w", tables.TokenStatus, err)
	}
	if err := db.Table(tables.BlockedUsers).AutoMigrate(&domain.BlockRecord{}); err != nil {
		return fmt.Errorf("migrate %s: %w", tables.BlockedUsers, err)
	}
	for _, table := range []string{tables.UserRequests, tables.TeacherAssociatedRequests} {
		if err := migrateUsageTable(db, table); err != nil {
			return err
		}
	}
	return nil
}

func migrateUsageTable(db *gorm.DB, table string) error {
	if err := db.Table(table).AutoMigrate(&domain.UsageRecord{}); err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	stmts := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_principal_issued ON %s (principal_id, issued_at)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at)", table, table),
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index %s: %w", table, err)
		}
	}
	return nil
}

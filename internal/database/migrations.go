package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeLanguages   = "2026-09-14_normalize_languages"
	migrationBackfillOwnerCountry = "2026-09-28_backfill_owner_country"
	migrationLanguageCodesToNames = "2026-10-19_language_codes_to_names"

	pgUniqueViolation = "23505"
)

var pollTables = []string{"active_polls", "served_polls"}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeLanguages, apply: normalizeLanguages},
		{name: migrationBackfillOwnerCountry, apply: backfillOwnerCountry},
		{name: migrationLanguageCodesToNames, apply: languageCodesToNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if isUniqueViolation(err) {
			// another instance recorded the migration first
			continue
		}
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeLanguages folds stored languages into their trimmed lower-case form.
func normalizeLanguages(db *gorm.DB) error {
	for _, table := range append(append([]string{}, pollTables...), "user_profiles") {
		statement := fmt.Sprintf("UPDATE %s SET language = LOWER(TRIM(language)) WHERE language <> LOWER(TRIM(language))", table)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

// languageCodesToNames rewrites rows stored under an ISO 639-1 code to the language name.
func languageCodesToNames(db *gorm.DB) error {
	for _, table := range append(append([]string{}, pollTables...), "user_profiles") {
		statement := fmt.Sprintf("UPDATE %s SET language = ? WHERE language = ?", table)
		for code, name := range polls.LanguageCodes() {
			if err := db.Exec(statement, name, code).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// backfillOwnerCountry copies the owner's profile country onto polls created without one.
func backfillOwnerCountry(db *gorm.DB) error {
	for _, table := range pollTables {
		statement := fmt.Sprintf(
			"UPDATE %[1]s SET owner_country = (SELECT p.country FROM user_profiles p WHERE p.user_id = %[1]s.owner_id) "+
				"WHERE owner_country = '' AND EXISTS (SELECT 1 FROM user_profiles p WHERE p.user_id = %[1]s.owner_id AND p.country <> '')",
			table,
		)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package db

import (
	"errors"
	"fmt"
	"strings"

	e "github.com/gartstein/avenue/internal/lab/errors"
	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

func translateWriteError(err error, entity models.Entity) error {
	switch {
	case isDuplicateKey(err):
		return fmt.Errorf("%w: %s %s already exists", e.ErrUniqueness, entity.Kind(), entity.PrimaryKey())
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s references a missing record", e.ErrValidation, entity.Kind())
	}
	return err
}

func translateDeleteError(err error, kind models.Kind, key models.Key) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s %s is still referenced", e.ErrReferentialIntegrity, kind, key)
	}
	return err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// A parent DELETE refused by the foreign key reports the trigger code.
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintTrigger {
			return true
		}
		return sqliteErr.Code == sqlite3.ErrConstraint && strings.Contains(sqliteErr.Error(), "FOREIGN KEY")
	}
	return false
}

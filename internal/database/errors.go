package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PgErrUniqueViolation is the postgres unique_violation code.
const PgErrUniqueViolation = "23505"

var (
	ErrNotFound      = errors.New("record not found")
	ErrStaleSession  = errors.New("automation session moved or completed")
	ErrSessionExists = errors.New("chat already has an active automation session")
)

// IsUniqueViolation reports whether err comes from a unique constraint,
// either translated by gorm or raw from the postgres driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// internal/services/errors.go
package services

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Error kinds returned by services. Handlers map them to HTTP statuses with
// errors.Is; the message of the concrete error is safe to show to clients.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInsufficientStock = fmt.Errorf("insufficient stock: %w", ErrInvalidOperation)
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
)

type ServiceError struct {
	Kind    error
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...interface{}) error {
	return &ServiceError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) error {
	return newError(ErrNotFound, format, args...)
}

func invalidOperation(format string, args ...interface{}) error {
	return newError(ErrInvalidOperation, format, args...)
}

func dbError(err error) error {
	return fmt.Errorf("database error: %w", err)
}

// isUniqueViolation matches both the translated gorm error and a raw
// PostgreSQL 23505 from the pgx driver.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

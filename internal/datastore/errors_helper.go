package datastore

import (
	"strings"

	"github.com/airtrackhq/airtrack/internal/errors"
)

// newDatabaseError wraps a low level database error with component metadata.
func newDatabaseError(operation, target string, err error) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Context("target", target).
		Build()
}

// isUniqueConstraintError reports whether err is a uniqueness violation from
// either supported driver. Used to turn concurrent-insert races into
// idempotent lookups.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite
		strings.Contains(msg, "constraint failed") || // sqlite generic
		strings.Contains(msg, "duplicate entry") // mysql 1062
}

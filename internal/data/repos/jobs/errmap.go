package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
)

// MapError translates store failures into registry error codes. Per the
// propagation policy, anything transient or unclassified surfaces as
// unavailable so callers know a retry is safe; only duplicate keys become
// conflict.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*types.Error); ok {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return types.Wrap(types.CodeNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.Wrap(types.CodeUnavailable, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return types.Wrap(types.CodeConflict, op, err) // unique_violation
		case "40001", "40P01", "55P03":
			return types.Wrap(types.CodeUnavailable, op, err) // serialization/deadlock/lock_not_available
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "already exists"):
		return types.Wrap(types.CodeConflict, op, err)
	default:
		return types.Wrap(types.CodeUnavailable, op, err)
	}
}

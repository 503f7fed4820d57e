package services

import (
	"errors"
	"fmt"

	apperr "mohierarchy/pkg/errors"

	"github.com/jackc/pgx/v5"
)

// lookupError turns a missing row into a not_found AppError.
func lookupError(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(err, apperr.CodeNotFound, fmt.Sprintf("%s %v not found", what, id))
	}
	return err
}

func invalid(format string, args ...any) error {
	return apperr.Newf(apperr.CodeInvalid, format, args...)
}

package proto

import (
	"errors"
	"fmt"

	"github.com/agenix-sh/agenix/internal/domain"
)

// Wire error codes. The code is the first token of an error frame; the rest
// of the line is a human-readable message.
const (
	CodeAuth       = "AUTH"
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOTFOUND"
	CodeOwnership  = "OWNERSHIP"
	CodeLimit      = "LIMIT"
	CodeUnknown    = "UNKNOWN"
	CodeInternal   = "INTERNAL"
)

// WireError is an error frame as decoded by a client.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a NOTFOUND error frame.
func IsNotFound(err error) bool {
	var we *WireError
	return errors.As(err, &we) && we.Code == CodeNotFound
}

// CodeFor maps a domain error to its wire code. Unrecognized errors are
// INTERNAL: storage and transaction failures are fatal to the one request
// only, and their details stay in the server log.
func CodeFor(err error) string {
	var (
		planNotFound     *domain.PlanNotFoundError
		jobNotFound      *domain.JobNotFoundError
		actionNotFound   *domain.ActionNotFoundError
		workerNotFound   *domain.WorkerNotFoundError
		scheduleNotFound *domain.ScheduleNotFoundError
		planExists       *domain.PlanExistsError
		validation       *domain.ValidationError
		ownership        *domain.OwnershipError
		limit            *domain.LimitError
	)
	switch {
	case errors.As(err, &planNotFound),
		errors.As(err, &jobNotFound),
		errors.As(err, &actionNotFound),
		errors.As(err, &workerNotFound),
		errors.As(err, &scheduleNotFound):
		return CodeNotFound
	case errors.As(err, &planExists), errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &ownership):
		return CodeOwnership
	case errors.As(err, &limit):
		return CodeLimit
	default:
		return CodeInternal
	}
}

package store

import (
	"errors"
	"fmt"
)

// Failure codes. Stable strings; callers branch on these, never on Detail.
const (
	CodeNotFound        = "not_found"
	CodeVersionConflict = "version_conflict"
	CodeMessageLimit    = "message_limit_exceeded"
	CodeDuplicate       = "duplicate_submission"
	CodeBookingConflict = "booking_conflict"
	CodeLockTimeout     = "lock_timeout"
	CodeInvalidArgument = "invalid_argument"
)

// Booking conflict reasons carried in Failure.Reason.
const (
	ReasonDateBooked      = "date_booked"
	ReasonDateBlocked     = "date_blocked"
	ReasonPackageInactive = "package_inactive"
	ReasonBookingInactive = "booking_inactive"
)

// Failure captures a domain error that is recoverable at the call site.
// Version is populated for version_conflict so callers can refetch-and-retry;
// Reason is populated for booking_conflict.
type Failure struct {
	Code    string
	Detail  string
	Version int64
	Reason  string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// AsFailure unwraps err into a Failure when possible.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	ok := errors.As(err, &f)
	return f, ok
}

func hasCode(err error, code string) bool {
	f, ok := AsFailure(err)
	return ok && f.Code == code
}

// IsNotFound reports whether err is the deliberately tenant-blind not-found
// failure (absent, soft-deleted, or owned by another tenant all look the same).
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsVersionConflict reports whether err is an optimistic-concurrency conflict.
func IsVersionConflict(err error) bool { return hasCode(err, CodeVersionConflict) }

// IsMessageLimit reports whether err means the session's message cap is hit.
func IsMessageLimit(err error) bool { return hasCode(err, CodeMessageLimit) }

// IsDuplicate reports whether err is a benign idempotency-key collision.
func IsDuplicate(err error) bool { return hasCode(err, CodeDuplicate) }

// IsBookingConflict reports whether err is a booking-slot conflict.
func IsBookingConflict(err error) bool { return hasCode(err, CodeBookingConflict) }

// IsLockTimeout reports whether err means the advisory lock wait expired.
func IsLockTimeout(err error) bool { return hasCode(err, CodeLockTimeout) }

// NotFound returns the shared tenant-blind not-found failure for a resource.
func NotFound(resource string) Failure {
	return Failure{Code: CodeNotFound, Detail: resource + " not found"}
}

// VersionConflict returns the conflict failure carrying the true current
// version.
func VersionConflict(current int64) Failure {
	return Failure{
		Code:    CodeVersionConflict,
		Detail:  fmt.Sprintf("expected version does not match current version %d", current),
		Version: current,
	}
}

// BookingConflict returns a booking_conflict failure with the given reason.
func BookingConflict(reason string) Failure {
	return Failure{Code: CodeBookingConflict, Detail: "slot unavailable: " + reason, Reason: reason}
}

// LockTimeout returns the lock_timeout failure for a lock id.
func LockTimeout(lockID int32) Failure {
	return Failure{Code: CodeLockTimeout, Detail: fmt.Sprintf("timed out waiting for advisory lock %d", lockID)}
}

// InvalidArgument returns an invalid_argument failure.
func InvalidArgument(detail string) Failure {
	return Failure{Code: CodeInvalidArgument, Detail: detail}
}

// Package store defines the durable persistence contracts of the platform
// core: tenant-isolated session/message CRUD guarded by advisory locks plus an
// optimistic version counter, and booking-slot writes serialized per
// (tenant, date). Implementations live in the memory and postgres
// subpackages; every operation filters by tenant as a mandatory predicate.
package store

import (
	"context"
	"time"
)

// Hard limits enforced by all store implementations.
const (
	// MaxMessagesPerSession caps a session's append-only log. Exceeding it is
	// a rejected write, never a silent drop.
	MaxMessagesPerSession = 500
	// MaxIdempotencyKeyLen bounds caller-supplied idempotency keys.
	MaxIdempotencyKeyLen = 128
	// MaxUserAgentLen bounds the stored user-agent; longer values are
	// truncated at create time rather than rejected.
	MaxUserAgentLen = 256
)

// Retention defaults for CleanupExpired.
const (
	DefaultMaxIdle   = 30 * 24 * time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

// DefaultLockWait bounds how long a write blocks on the advisory-lock wait
// queue before failing with lock_timeout.
const DefaultLockWait = 10 * time.Second

// Advisory lock classes; the objid half of each lock id is the FNV-1a hash of
// the logical key.
const (
	LockClassSessions int32 = 0x5e55
	LockClassBookings int32 = 0xb00c
)

// LockScope is the database-level mutual-exclusion primitive. The lock is
// scoped to the surrounding transaction (or critical section) and released
// automatically when it ends, commit and rollback alike.
type LockScope interface {
	AcquireForTransaction(ctx context.Context, class, key int32) error
}

// SessionStore is the durable session/message repository.
type SessionStore interface {
	// CreateSession persists a fresh session with version 0 and no messages.
	CreateSession(ctx context.Context, params CreateSessionParams) (*Session, error)
	// GetSession returns the tenant's session, excluding soft-deleted rows.
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	// AppendMessage appends one message under the session's advisory lock,
	// verifying expectedVersion and the message cap before writing, then
	// increments the version by exactly one.
	AppendMessage(ctx context.Context, tenantID, sessionID string, msg NewMessage, expectedVersion int64) (*AppendResult, error)
	// GetHistory pages through the session's messages in append order.
	GetHistory(ctx context.Context, tenantID, sessionID string, limit, offset int) (*HistoryPage, error)
	// SoftDeleteSession stamps the session deleted; false when it was not
	// visible to this tenant or already deleted.
	SoftDeleteSession(ctx context.Context, tenantID, sessionID string) (bool, error)
	// RestoreSession clears a soft-delete stamp; false when there was none.
	RestoreSession(ctx context.Context, tenantID, sessionID string) (bool, error)
	// TouchSession refreshes the session's last-activity timestamp.
	TouchSession(ctx context.Context, tenantID, sessionID string) error
	// CleanupExpired soft-deletes sessions idle longer than maxIdle, then
	// hard-deletes sessions soft-deleted longer than retention ago. Safe to
	// run concurrently with live traffic.
	CleanupExpired(ctx context.Context, maxIdle, retention time.Duration) (CleanupResult, error)
}

// BookingStore serializes booking writes per (tenant, date) with the
// lock-then-verify-then-write pattern.
type BookingStore interface {
	// CreateBooking books the date for the tenant, creating the customer row
	// if needed. Fails with booking_conflict when the date is taken or
	// blacked out, or the package is inactive.
	CreateBooking(ctx context.Context, params CreateBookingParams) (*Booking, error)
	// RescheduleBooking moves a booking to newDate under the new date's lock.
	RescheduleBooking(ctx context.Context, tenantID, bookingID, newDate string) (*Booking, error)
	// CancelBooking frees the booking's slot; false when already inactive.
	CancelBooking(ctx context.Context, tenantID, bookingID string) (bool, error)
	// GetBooking returns the tenant's booking.
	GetBooking(ctx context.Context, tenantID, bookingID string) (*Booking, error)
	// UpsertPackage creates or updates a bookable package.
	UpsertPackage(ctx context.Context, pkg Package) error
	// AddBlackoutDate marks a date unavailable for the tenant.
	AddBlackoutDate(ctx context.Context, tenantID, date string) error
	// RemoveBlackoutDate clears a blackout; false when none existed.
	RemoveBlackoutDate(ctx context.Context, tenantID, date string) (bool, error)
}

// Store is the combined persistence surface a backend provides.
type Store interface {
	SessionStore
	BookingStore
	Close() error
}

// ValidateCreateSession rejects malformed session creation parameters.
func ValidateCreateSession(params CreateSessionParams) error {
	if params.TenantID == "" {
		return InvalidArgument("tenant id is required")
	}
	if !params.Kind.Valid() {
		return InvalidArgument("unknown session kind")
	}
	return nil
}

// ValidateNewMessage rejects malformed append input at the store boundary.
func ValidateNewMessage(msg NewMessage) error {
	if !msg.Role.Valid() {
		return InvalidArgument("unknown message role")
	}
	if msg.Content == "" {
		return InvalidArgument("message content is required")
	}
	if len(msg.IdempotencyKey) > MaxIdempotencyKeyLen {
		return InvalidArgument("idempotency key too long")
	}
	return nil
}

// TruncateUserAgent bounds ua to MaxUserAgentLen bytes.
func TruncateUserAgent(ua string) string {
	if len(ua) > MaxUserAgentLen {
		return ua[:MaxUserAgentLen]
	}
	return ua
}

package store

import "time"

// SessionKind distinguishes admin consoles from customer-facing chats.
type SessionKind string

// Session kinds.
const (
	KindAdmin    SessionKind = "ADMIN"
	KindCustomer SessionKind = "CUSTOMER"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	return k == KindAdmin || k == KindCustomer
}

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// BookingStatus tracks a booking's lifecycle.
type BookingStatus string

// Booking statuses. Cancelled and refunded bookings free their date.
const (
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusRefunded  BookingStatus = "refunded"
)

// Blocks reports whether a booking in this status occupies its date.
func (s BookingStatus) Blocks() bool {
	return s != StatusCancelled && s != StatusRefunded
}

// Session is a tenant-scoped chat/agent session. Version increases by exactly
// one per successful append and is the optimistic-concurrency token.
type Session struct {
	ID             string
	TenantID       string
	CustomerID     string
	Kind           SessionKind
	Version        int64
	UserAgent      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	DeletedAt      *time.Time
}

// Message is one append-only entry of a session's log. TenantID is
// deliberately denormalized from the session so history queries never need a
// join and a missing join can never leak rows across tenants. Content and
// ToolCalls hold whatever the caller layer stored, ciphertext included.
type Message struct {
	ID             string
	SessionID      string
	TenantID       string
	Role           Role
	Content        string
	ToolCalls      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// NewMessage carries the fields of a message to append. Content and ToolCalls
// are expected to be envelope-encoded by the coordinator before they get here.
type NewMessage struct {
	Role           Role
	Content        string
	ToolCalls      string
	IdempotencyKey string
}

// AppendResult reports a committed (or deduplicated) append.
type AppendResult struct {
	Message    Message
	NewVersion int64
	// Duplicate is set when the idempotency key matched an earlier append;
	// Message then holds the previously stored row and no new row was written.
	Duplicate bool
}

// HistoryPage is one page of a session's message log.
type HistoryPage struct {
	Messages []Message
	Total    int
	HasMore  bool
}

// CleanupResult reports the two retention phases separately.
type CleanupResult struct {
	SoftDeleted int
	HardDeleted int
}

// CreateSessionParams describes a session to create.
type CreateSessionParams struct {
	TenantID   string
	Kind       SessionKind
	CustomerID string
	UserAgent  string
}

// Booking occupies one (tenant, date) slot while its status blocks.
type Booking struct {
	ID         string
	TenantID   string
	PackageID  string
	CustomerID string
	Date       string // civil date, DateLayout
	Status     BookingStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Package is a bookable service offering.
type Package struct {
	ID       string
	TenantID string
	Name     string
	Active   bool
}

// Customer is a tenant-scoped customer record, deduplicated by email.
type Customer struct {
	ID        string
	TenantID  string
	Email     string
	Name      string
	CreatedAt time.Time
}

// CustomerRef names the customer for a booking: either an existing ID, or an
// email/name pair that is looked up and created on demand.
type CustomerRef struct {
	ID    string
	Email string
	Name  string
}

// CreateBookingParams describes a booking to create.
type CreateBookingParams struct {
	TenantID  string
	PackageID string
	Date      string
	Customer  CustomerRef
}

// DateLayout is the civil-date format for booking slots and blackouts.
const DateLayout = "2006-01-02"

// ValidateDate checks that date is a well-formed civil date.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return InvalidArgument("date must be formatted as " + DateLayout)
	}
	return nil
}

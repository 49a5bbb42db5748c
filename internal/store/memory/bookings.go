package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/slotbook/bookd/internal/lockkey"
	"github.com/slotbook/bookd/internal/store"
)

// CreateBooking books the date under the (tenant, date) advisory lock. The
// lock is taken before any availability check so a concurrent second request
// re-checks against committed state, never against a stale read.
func (s *Store) CreateBooking(ctx context.Context, params store.CreateBookingParams) (*store.Booking, error) {
	if params.TenantID == "" {
		return nil, store.InvalidArgument("tenant id is required")
	}
	if err := store.ValidateDate(params.Date); err != nil {
		return nil, err
	}
	release, err := s.locks.acquire(ctx, store.LockClassBookings, lockkey.BookingSlot(params.TenantID, params.Date))
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifySlotLocked(params.TenantID, params.PackageID, params.Date, ""); err != nil {
		return nil, err
	}
	customerID, err := s.resolveCustomerLocked(params.TenantID, params.Customer)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	booking := &store.Booking{
		ID:         uuid.NewString(),
		TenantID:   params.TenantID,
		PackageID:  params.PackageID,
		CustomerID: customerID,
		Date:       params.Date,
		Status:     store.StatusConfirmed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.bookings[booking.ID] = booking
	out := *booking
	return &out, nil
}

// RescheduleBooking moves the booking under the new date's lock; the old date
// is only being freed, which cannot create a conflict.
func (s *Store) RescheduleBooking(ctx context.Context, tenantID, bookingID, newDate string) (*store.Booking, error) {
	if err := store.ValidateDate(newDate); err != nil {
		return nil, err
	}
	release, err := s.locks.acquire(ctx, store.LockClassBookings, lockkey.BookingSlot(tenantID, newDate))
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	booking, ok := s.bookings[bookingID]
	if !ok || booking.TenantID != tenantID {
		return nil, store.NotFound("booking")
	}
	if !booking.Status.Blocks() {
		return nil, store.BookingConflict(store.ReasonBookingInactive)
	}
	if err := s.verifySlotLocked(tenantID, booking.PackageID, newDate, bookingID); err != nil {
		return nil, err
	}
	booking.Date = newDate
	booking.UpdatedAt = s.clock.Now()
	out := *booking
	return &out, nil
}

// CancelBooking frees the slot; no lock needed since cancellation only
// creates availability.
func (s *Store) CancelBooking(ctx context.Context, tenantID, bookingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	booking, ok := s.bookings[bookingID]
	if !ok || booking.TenantID != tenantID {
		return false, nil
	}
	if !booking.Status.Blocks() {
		return false, nil
	}
	booking.Status = store.StatusCancelled
	booking.UpdatedAt = s.clock.Now()
	return true, nil
}

// GetBooking returns the tenant's booking.
func (s *Store) GetBooking(ctx context.Context, tenantID, bookingID string) (*store.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	booking, ok := s.bookings[bookingID]
	if !ok || booking.TenantID != tenantID {
		return nil, store.NotFound("booking")
	}
	out := *booking
	return &out, nil
}

// UpsertPackage creates or updates a bookable package.
func (s *Store) UpsertPackage(ctx context.Context, pkg store.Package) error {
	if pkg.ID == "" || pkg.TenantID == "" {
		return store.InvalidArgument("package id and tenant id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := pkg
	s.packages[pkg.ID] = &copied
	return nil
}

// AddBlackoutDate marks the date unavailable for the tenant.
func (s *Store) AddBlackoutDate(ctx context.Context, tenantID, date string) error {
	if err := store.ValidateDate(date); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackouts[blackoutKey{tenantID: tenantID, date: date}] = struct{}{}
	return nil
}

// RemoveBlackoutDate clears a blackout.
func (s *Store) RemoveBlackoutDate(ctx context.Context, tenantID, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blackoutKey{tenantID: tenantID, date: date}
	if _, ok := s.blackouts[key]; !ok {
		return false, nil
	}
	delete(s.blackouts, key)
	return true, nil
}

// verifySlotLocked re-runs the availability checks that must happen inside the
// locked window: package active, no live booking on the date, no blackout.
// Caller holds the advisory lock and s.mu.
func (s *Store) verifySlotLocked(tenantID, packageID, date, excludeBookingID string) error {
	pkg, ok := s.packages[packageID]
	if !ok || pkg.TenantID != tenantID {
		return store.NotFound("package")
	}
	if !pkg.Active {
		return store.BookingConflict(store.ReasonPackageInactive)
	}
	if _, ok := s.blackouts[blackoutKey{tenantID: tenantID, date: date}]; ok {
		return store.BookingConflict(store.ReasonDateBlocked)
	}
	for _, b := range s.bookings {
		if b.ID == excludeBookingID {
			continue
		}
		if b.TenantID == tenantID && b.Date == date && b.Status.Blocks() {
			return store.BookingConflict(store.ReasonDateBooked)
		}
	}
	return nil
}

// resolveCustomerLocked returns the referenced customer id, creating the
// per-tenant customer row (deduplicated by email) when only contact details
// were supplied. Caller holds s.mu.
func (s *Store) resolveCustomerLocked(tenantID string, ref store.CustomerRef) (string, error) {
	if ref.ID != "" {
		cust, ok := s.customers[ref.ID]
		if !ok || cust.TenantID != tenantID {
			return "", store.NotFound("customer")
		}
		return cust.ID, nil
	}
	if ref.Email == "" {
		return "", store.InvalidArgument("customer id or email is required")
	}
	for _, cust := range s.customers {
		if cust.TenantID == tenantID && cust.Email == ref.Email {
			return cust.ID, nil
		}
	}
	cust := &store.Customer{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Email:     ref.Email,
		Name:      ref.Name,
		CreatedAt: s.clock.Now(),
	}
	s.customers[cust.ID] = cust
	return cust.ID, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/slotbook/bookd/internal/lockkey"
	"github.com/slotbook/bookd/internal/store"
)

const bookingColumns = `id, tenant_id, package_id, customer_id,
	booked_date::text, status, created_at, updated_at`

func scanBooking(row pgx.Row) (*store.Booking, error) {
	var b store.Booking
	err := row.Scan(&b.ID, &b.TenantID, &b.PackageID, &b.CustomerID,
		&b.Date, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBooking books the date under the (tenant, date) advisory lock: the
// lock comes first so the availability checks always run against committed
// state, closing the check-then-act race.
func (s *Store) CreateBooking(ctx context.Context, params store.CreateBookingParams) (*store.Booking, error) {
	if params.TenantID == "" {
		return nil, store.InvalidArgument("tenant id is required")
	}
	if err := store.ValidateDate(params.Date); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var booking *store.Booking
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.txLocks(tx).AcquireForTransaction(ctx, store.LockClassBookings, lockkey.BookingSlot(params.TenantID, params.Date)); err != nil {
			return err
		}
		if err := s.verifySlot(ctx, tx, params.TenantID, params.PackageID, params.Date, ""); err != nil {
			return err
		}
		customerID, err := s.resolveCustomer(ctx, tx, params.TenantID, params.Customer)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		booking = &store.Booking{
			ID:         uuid.NewString(),
			TenantID:   params.TenantID,
			PackageID:  params.PackageID,
			CustomerID: customerID,
			Date:       params.Date,
			Status:     store.StatusConfirmed,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bookings (id, tenant_id, package_id, customer_id, booked_date,
				status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::date, $6, $7, $7)`,
			booking.ID, booking.TenantID, booking.PackageID, booking.CustomerID,
			booking.Date, string(booking.Status), now,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert booking: %w", err)
		}
		return nil
	})
	if isUniqueViolation(err, "bookings_slot_uq") {
		// The partial unique index is the last line of defense; the advisory
		// lock should make this unreachable.
		return nil, store.BookingConflict(store.ReasonDateBooked)
	}
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// RescheduleBooking moves the booking under the new date's lock; the old date
// is only freed, which cannot conflict.
func (s *Store) RescheduleBooking(ctx context.Context, tenantID, bookingID, newDate string) (*store.Booking, error) {
	if err := store.ValidateDate(newDate); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var booking *store.Booking
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.txLocks(tx).AcquireForTransaction(ctx, store.LockClassBookings, lockkey.BookingSlot(tenantID, newDate)); err != nil {
			return err
		}
		current, err := scanBooking(tx.QueryRow(ctx, `
			SELECT `+bookingColumns+`
			FROM bookings
			WHERE id = $1 AND tenant_id = $2
			FOR UPDATE`,
			bookingID, tenantID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFound("booking")
		}
		if err != nil {
			return fmt.Errorf("postgres: read booking: %w", err)
		}
		if !current.Status.Blocks() {
			return store.BookingConflict(store.ReasonBookingInactive)
		}
		if err := s.verifySlot(ctx, tx, tenantID, current.PackageID, newDate, bookingID); err != nil {
			return err
		}
		now := s.clock.Now()
		booking, err = scanBooking(tx.QueryRow(ctx, `
			UPDATE bookings SET booked_date = $3::date, updated_at = $4
			WHERE id = $1 AND tenant_id = $2
			RETURNING `+bookingColumns,
			bookingID, tenantID, newDate, now,
		))
		if err != nil {
			return fmt.Errorf("postgres: update booking: %w", err)
		}
		return nil
	})
	if isUniqueViolation(err, "bookings_slot_uq") {
		return nil, store.BookingConflict(store.ReasonDateBooked)
	}
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// CancelBooking frees the slot; no advisory lock is needed because
// cancellation only creates availability.
func (s *Store) CancelBooking(ctx context.Context, tenantID, bookingID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE bookings SET status = $3, updated_at = $4
		WHERE id = $1 AND tenant_id = $2 AND status NOT IN ('cancelled', 'refunded')`,
		bookingID, tenantID, string(store.StatusCancelled), s.clock.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel booking: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetBooking returns the tenant's booking.
func (s *Store) GetBooking(ctx context.Context, tenantID, bookingID string) (*store.Booking, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	booking, err := scanBooking(s.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1 AND tenant_id = $2`,
		bookingID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("booking")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get booking: %w", err)
	}
	return booking, nil
}

// UpsertPackage creates or updates a bookable package.
func (s *Store) UpsertPackage(ctx context.Context, pkg store.Package) error {
	if pkg.ID == "" || pkg.TenantID == "" {
		return store.InvalidArgument("package id and tenant id are required")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packages (id, tenant_id, name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
		WHERE packages.tenant_id = EXCLUDED.tenant_id`,
		pkg.ID, pkg.TenantID, pkg.Name, pkg.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert package: %w", err)
	}
	return nil
}

// AddBlackoutDate marks the date unavailable for the tenant.
func (s *Store) AddBlackoutDate(ctx context.Context, tenantID, date string) error {
	if err := store.ValidateDate(date); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blackout_dates (tenant_id, blocked_date)
		VALUES ($1, $2::date)
		ON CONFLICT DO NOTHING`,
		tenantID, date,
	)
	if err != nil {
		return fmt.Errorf("postgres: add blackout: %w", err)
	}
	return nil
}

// RemoveBlackoutDate clears a blackout.
func (s *Store) RemoveBlackoutDate(ctx context.Context, tenantID, date string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM blackout_dates WHERE tenant_id = $1 AND blocked_date = $2::date`,
		tenantID, date,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: remove blackout: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// verifySlot re-runs the availability checks inside the locked transaction:
// package active, no live booking on the date, no blackout.
func (s *Store) verifySlot(ctx context.Context, tx pgx.Tx, tenantID, packageID, date, excludeBookingID string) error {
	var active bool
	err := tx.QueryRow(ctx, `
		SELECT active FROM packages WHERE id = $1 AND tenant_id = $2`,
		packageID, tenantID,
	).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NotFound("package")
	}
	if err != nil {
		return fmt.Errorf("postgres: read package: %w", err)
	}
	if !active {
		return store.BookingConflict(store.ReasonPackageInactive)
	}

	var blocked bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blackout_dates WHERE tenant_id = $1 AND blocked_date = $2::date
		)`,
		tenantID, date,
	).Scan(&blocked)
	if err != nil {
		return fmt.Errorf("postgres: check blackout: %w", err)
	}
	if blocked {
		return store.BookingConflict(store.ReasonDateBlocked)
	}

	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE tenant_id = $1 AND booked_date = $2::date
				AND status NOT IN ('cancelled', 'refunded')
				AND id <> $3
		)`,
		tenantID, date, excludeBookingID,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("postgres: check availability: %w", err)
	}
	if taken {
		return store.BookingConflict(store.ReasonDateBooked)
	}
	return nil
}

// resolveCustomer returns the referenced customer id, creating the per-tenant
// row (deduplicated by email) when only contact details were supplied. The id
// and tenant are always set together; the tenant column is never defaulted.
func (s *Store) resolveCustomer(ctx context.Context, tx pgx.Tx, tenantID string, ref store.CustomerRef) (string, error) {
	if ref.ID != "" {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1 AND tenant_id = $2)`,
			ref.ID, tenantID,
		).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("postgres: check customer: %w", err)
		}
		if !exists {
			return "", store.NotFound("customer")
		}
		return ref.ID, nil
	}
	if ref.Email == "" {
		return "", store.InvalidArgument("customer id or email is required")
	}
	var customerID string
	err := tx.QueryRow(ctx, `
		INSERT INTO customers (id, tenant_id, email, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT customers_tenant_email_uq
		DO UPDATE SET email = EXCLUDED.email
		RETURNING id`,
		uuid.NewString(), tenantID, ref.Email, ref.Name, s.clock.Now(),
	).Scan(&customerID)
	if err != nil {
		return "", fmt.Errorf("postgres: upsert customer: %w", err)
	}
	return customerID, nil
}

// Package booking fronts the booking store with validation, conflict metrics,
// and structured logging. The lock-then-verify-then-write sequence itself
// lives in the store backends; this layer never books without it.
package booking

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/slotbook/bookd/internal/store"
)

// Config assembles a Service.
type Config struct {
	Store      store.BookingStore
	Logger     pslog.Logger
	Registerer prometheus.Registerer
}

// Service guards booking writes.
type Service struct {
	store   store.BookingStore
	logger  pslog.Logger
	metrics *metrics
}

// New constructs the guard.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	}
	return &Service{
		store:   cfg.Store,
		logger:  logger,
		metrics: newMetrics(cfg.Registerer),
	}
}

// CreateParams describes a booking request.
type CreateParams struct {
	TenantID  string
	PackageID string
	Date      string
	Customer  store.CustomerRef
}

// Create books the date, or reports why it cannot be booked.
func (s *Service) Create(ctx context.Context, params CreateParams) (*store.Booking, error) {
	if params.TenantID == "" || params.PackageID == "" {
		return nil, store.InvalidArgument("tenant id and package id are required")
	}
	if err := store.ValidateDate(params.Date); err != nil {
		return nil, err
	}
	s.logger.Debug("booking.create.begin",
		"tenant", params.TenantID,
		"package", params.PackageID,
		"date", params.Date,
	)
	booking, err := s.store.CreateBooking(ctx, store.CreateBookingParams{
		TenantID:  params.TenantID,
		PackageID: params.PackageID,
		Date:      params.Date,
		Customer:  params.Customer,
	})
	if err != nil {
		s.observeFailure(err, "booking.create.rejected", params.TenantID, params.Date)
		return nil, err
	}
	s.metrics.created()
	s.logger.Info("booking.created",
		"tenant", params.TenantID,
		"booking", booking.ID,
		"date", booking.Date,
	)
	return booking, nil
}

// Reschedule moves a booking to newDate.
func (s *Service) Reschedule(ctx context.Context, tenantID, bookingID, newDate string) (*store.Booking, error) {
	if tenantID == "" || bookingID == "" {
		return nil, store.InvalidArgument("tenant id and booking id are required")
	}
	if err := store.ValidateDate(newDate); err != nil {
		return nil, err
	}
	booking, err := s.store.RescheduleBooking(ctx, tenantID, bookingID, newDate)
	if err != nil {
		s.observeFailure(err, "booking.reschedule.rejected", tenantID, newDate)
		return nil, err
	}
	s.logger.Info("booking.rescheduled",
		"tenant", tenantID,
		"booking", bookingID,
		"date", newDate,
	)
	return booking, nil
}

// Cancel frees the booking's slot. Cancelling an already inactive booking
// reports false without error.
func (s *Service) Cancel(ctx context.Context, tenantID, bookingID string) (bool, error) {
	ok, err := s.store.CancelBooking(ctx, tenantID, bookingID)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("booking.cancelled", "tenant", tenantID, "booking", bookingID)
	}
	return ok, nil
}

// Get returns the tenant's booking.
func (s *Service) Get(ctx context.Context, tenantID, bookingID string) (*store.Booking, error) {
	return s.store.GetBooking(ctx, tenantID, bookingID)
}

// UpsertPackage creates or updates a bookable package.
func (s *Service) UpsertPackage(ctx context.Context, pkg store.Package) error {
	if err := s.store.UpsertPackage(ctx, pkg); err != nil {
		return err
	}
	s.logger.Info("package.upserted", "tenant", pkg.TenantID, "package", pkg.ID, "active", pkg.Active)
	return nil
}

// AddBlackoutDate blocks the date for new bookings.
func (s *Service) AddBlackoutDate(ctx context.Context, tenantID, date string) error {
	if err := s.store.AddBlackoutDate(ctx, tenantID, date); err != nil {
		return err
	}
	s.logger.Info("blackout.added", "tenant", tenantID, "date", date)
	return nil
}

// RemoveBlackoutDate unblocks the date.
func (s *Service) RemoveBlackoutDate(ctx context.Context, tenantID, date string) (bool, error) {
	return s.store.RemoveBlackoutDate(ctx, tenantID, date)
}

func (s *Service) observeFailure(err error, event, tenantID, date string) {
	f, ok := store.AsFailure(err)
	if !ok {
		return
	}
	switch f.Code {
	case store.CodeBookingConflict:
		s.metrics.conflict(f.Reason)
	case store.CodeLockTimeout:
		s.metrics.lockTimeout()
	default:
		return
	}
	s.logger.Debug(event,
		"tenant", tenantID,
		"date", date,
		"code", f.Code,
		"reason", f.Reason,
	)
}

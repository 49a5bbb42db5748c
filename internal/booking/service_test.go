package booking

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/slotbook/bookd/internal/store"
	"github.com/slotbook/bookd/internal/store/memory"
)

func newTestService(t *testing.T, reg prometheus.Registerer) *Service {
	t.Helper()
	backing := memory.New()
	svc := New(Config{Store: backing, Registerer: reg})
	if err := svc.UpsertPackage(context.Background(), store.Package{
		ID: "pkg-1", TenantID: "t1", Name: "Full day", Active: true,
	}); err != nil {
		t.Fatalf("seed package: %v", err)
	}
	return svc
}

func TestCreateAndConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc := newTestService(t, reg)
	ctx := context.Background()

	booking, err := svc.Create(ctx, CreateParams{
		TenantID:  "t1",
		PackageID: "pkg-1",
		Date:      "2026-09-12",
		Customer:  store.CustomerRef{Email: "pat@example.com", Name: "Pat"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if booking.Status != store.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", booking.Status)
	}

	_, err = svc.Create(ctx, CreateParams{
		TenantID:  "t1",
		PackageID: "pkg-1",
		Date:      "2026-09-12",
		Customer:  store.CustomerRef{Email: "sam@example.com"},
	})
	if !store.IsBookingConflict(err) {
		t.Fatalf("expected booking_conflict, got %v", err)
	}
	if f, _ := store.AsFailure(err); f.Reason != store.ReasonDateBooked {
		t.Fatalf("expected reason %q, got %q", store.ReasonDateBooked, f.Reason)
	}

	got := testutil.ToFloat64(svc.metrics.conflicts.WithLabelValues(store.ReasonDateBooked))
	if got != 1 {
		t.Fatalf("expected one recorded conflict, got %v", got)
	}
	if testutil.ToFloat64(svc.metrics.bookings) != 1 {
		t.Fatalf("expected one recorded booking")
	}
}

func TestValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{TenantID: "t1", PackageID: "pkg-1", Date: "12/09/2026"}); err == nil {
		t.Fatal("expected malformed date to be rejected")
	}
	if _, err := svc.Create(ctx, CreateParams{PackageID: "pkg-1", Date: "2026-09-12"}); err == nil {
		t.Fatal("expected missing tenant to be rejected")
	}
	if _, err := svc.Reschedule(ctx, "t1", "", "2026-09-12"); err == nil {
		t.Fatal("expected missing booking id to be rejected")
	}
}

func TestRescheduleAndCancelFlow(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	booking, err := svc.Create(ctx, CreateParams{
		TenantID:  "t1",
		PackageID: "pkg-1",
		Date:      "2026-09-12",
		Customer:  store.CustomerRef{Email: "pat@example.com"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	moved, err := svc.Reschedule(ctx, "t1", booking.ID, "2026-09-14")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.Date != "2026-09-14" {
		t.Fatalf("expected new date, got %s", moved.Date)
	}

	// Old date is free again.
	if _, err := svc.Create(ctx, CreateParams{
		TenantID:  "t1",
		PackageID: "pkg-1",
		Date:      "2026-09-12",
		Customer:  store.CustomerRef{Email: "sam@example.com"},
	}); err != nil {
		t.Fatalf("rebook freed date: %v", err)
	}

	ok, err := svc.Cancel(ctx, "t1", booking.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	// Cancelling again is a no-op, not an error.
	ok, err = svc.Cancel(ctx, "t1", booking.ID)
	if err != nil || ok {
		t.Fatalf("repeat cancel: ok=%v err=%v", ok, err)
	}
}

func TestBlackoutBlocksCreate(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.AddBlackoutDate(ctx, "t1", "2026-12-24"); err != nil {
		t.Fatalf("add blackout: %v", err)
	}
	_, err := svc.Create(ctx, CreateParams{
		TenantID:  "t1",
		PackageID: "pkg-1",
		Date:      "2026-12-24",
		Customer:  store.CustomerRef{Email: "pat@example.com"},
	})
	if f, _ := store.AsFailure(err); f.Reason != store.ReasonDateBlocked {
		t.Fatalf("expected %q, got %v", store.ReasonDateBlocked, err)
	}

	ok, err := svc.RemoveBlackoutDate(ctx, "t1", "2026-12-24")
	if err != nil || !ok {
		t.Fatalf("remove blackout: ok=%v err=%v", ok, err)
	}
	if _, err := svc.Create(ctx, CreateParams{
		TenantID:  "t1",
		PackageID: "pkg-1",
		Date:      "2026-12-24",
		Customer:  store.CustomerRef{Email: "pat@example.com"},
	}); err != nil {
		t.Fatalf("create after blackout removed: %v", err)
	}
}

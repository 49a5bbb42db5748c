package bookd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/slotbook/bookd/internal/booking"
	"github.com/slotbook/bookd/internal/clock"
	"github.com/slotbook/bookd/internal/crypto"
	"github.com/slotbook/bookd/internal/session"
	"github.com/slotbook/bookd/internal/store"
)

// Options override Platform collaborators; all fields are optional.
type Options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer
}

// Platform wires the store backend, field encryption, and the two service
// layers into one unit with a single lifecycle.
type Platform struct {
	Sessions *session.Service
	Bookings *booking.Service

	store  store.Store
	logger pslog.Logger
}

// New assembles a Platform from cfg. The key material file is created on first
// use when encryption is enabled.
func New(ctx context.Context, cfg Config, opts Options) (*Platform, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		level, ok := pslog.ParseLevel(cfg.LogLevel)
		if !ok {
			return nil, fmt.Errorf("config: unknown log level %q", cfg.LogLevel)
		}
		logger = pslog.NewWithOptions(os.Stderr, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: level,
		})
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	kms, err := setupCrypto(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := openStore(ctx, cfg, clk, logger)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		store:  backend,
		logger: logger,
	}
	p.Sessions = session.New(session.Config{
		Store:        backend,
		Crypto:       kms,
		Clock:        clk,
		Logger:       logger,
		Registerer:   opts.Registerer,
		CacheEntries: cfg.CacheEntries,
		CacheTTL:     cfg.CacheTTL,
		MaxIdle:      cfg.SessionMaxIdle,
		Retention:    cfg.SessionRetention,
	})
	p.Bookings = booking.New(booking.Config{
		Store:      backend,
		Logger:     logger,
		Registerer: opts.Registerer,
	})

	logger.Info("platform.ready",
		"store", storeScheme(cfg.Store),
		"encryption", kms.Enabled(),
		"cache_entries", cfg.CacheEntries,
	)
	return p, nil
}

// Close releases the store backend.
func (p *Platform) Close() error {
	return p.store.Close()
}

// setupCrypto loads or creates the key material bundle named by the config.
func setupCrypto(cfg Config) (*crypto.Crypto, error) {
	if !cfg.EncryptionEnabled {
		return nil, nil
	}
	existing, err := os.ReadFile(cfg.KeyMaterialPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key material: %w", err)
	}
	cryptoCfg, bundle, err := crypto.EnsureKeyMaterial(existing)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(bundle, existing) {
		if err := os.WriteFile(cfg.KeyMaterialPath, bundle, 0o600); err != nil {
			return nil, fmt.Errorf("write key material: %w", err)
		}
	}
	return crypto.New(cryptoCfg)
}

func storeScheme(storeURL string) string {
	scheme, _, found := strings.Cut(storeURL, "://")
	if !found {
		return "memory"
	}
	return scheme
}

package bookd

import (
	"context"
	"fmt"
	"net/url"

	"pkt.systems/pslog"

	"github.com/slotbook/bookd/internal/clock"
	"github.com/slotbook/bookd/internal/store"
	"github.com/slotbook/bookd/internal/store/memory"
	"github.com/slotbook/bookd/internal/store/postgres"
)

// openStore selects a backend by URL scheme. Postgres stores run their schema
// migration before being handed out.
func openStore(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (store.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{
			Clock:      clk,
			LockWait:   cfg.LockWait,
			MessageCap: cfg.MaxMessagesPerSession,
		}), nil
	case "postgres", "postgresql":
		backend, err := postgres.New(ctx, postgres.Config{
			DSN:        cfg.Store,
			LockWait:   cfg.LockWait,
			OpTimeout:  cfg.OpTimeout,
			MessageCap: cfg.MaxMessagesPerSession,
			Clock:      clk,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		if err := backend.Migrate(ctx); err != nil {
			backend.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

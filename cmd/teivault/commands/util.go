package commands

import (
	"fmt"
	"time"

	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/config"
	"github.com/teivault/teivault/pkg/locks"
	"github.com/teivault/teivault/pkg/progress"
	"github.com/teivault/teivault/pkg/remote"
	"github.com/teivault/teivault/pkg/sync"
	"github.com/teivault/teivault/pkg/vault"
)

// runtime bundles the opened subsystems a command works against.
// Engine is nil when no remote replica is configured.
type runtime struct {
	cfg     *config.Config
	vault   *vault.Vault
	catalog *catalog.Catalog
	blobs   *blob.Store
	locks   *locks.Manager
	bus     *progress.Bus
	replica *remote.Replica
	engine  *sync.Engine
}

// openRuntime loads the configuration, initializes the logger, and
// opens the local databases and blob store. The caller must invoke the
// returned close function.
func openRuntime(configPath string) (*runtime, func(), error) {
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, nil, err
	}

	b, err := blob.New(cfg.Data.FilesDir())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	// Migrations that backfill from content need blob access.
	cfg.Database.Migrations.Blobs = b.OpenAny

	c, err := catalog.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	l, err := locks.Open(cfg.Locks)
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("failed to open lock database: %w", err)
	}

	rt := &runtime{
		cfg:     cfg,
		catalog: c,
		blobs:   b,
		locks:   l,
		vault:   vault.New(c, b, l),
		bus:     progress.NewBus(),
	}

	if cfg.Remote.URL != "" {
		rep, err := remote.New(cfg.Remote)
		if err != nil {
			_ = l.Close()
			_ = c.Close()
			return nil, nil, fmt.Errorf("failed to configure remote replica: %w", err)
		}
		rt.replica = rep
		rt.engine = sync.New(rt.vault, rep, rt.bus)
	}

	closeFn := func() {
		_ = rt.locks.Close()
		_ = rt.catalog.Close()
	}
	return rt, closeFn, nil
}

// formatDuration renders a duration in whole milliseconds for CLI
// summaries.
func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

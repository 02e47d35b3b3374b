package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/teivault/teivault/pkg/api"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/locks"
	"github.com/teivault/teivault/pkg/remote"
	"github.com/teivault/teivault/pkg/sync"
)

// ApplyDefaults fills zero values with sensible defaults. Paths that
// derive from the data root (catalog, locks, scratch space) are only
// set when the section does not override them.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Data.Dir == "" {
		cfg.Data.Dir = defaultDataDir()
	}

	applyDatabaseDefaults(&cfg.Database, cfg.Data)
	applyLocksDefaults(&cfg.Locks, cfg.Data)
	applyRemoteDefaults(&cfg.Remote, cfg.Data)
	applySyncDefaults(&cfg.Sync)
	applyAPIDefaults(&cfg.API)
	applyMetricsDefaults(&cfg.Metrics)
	applyImportDefaults(&cfg.Import)
	applyExportDefaults(&cfg.Export)
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Endpoint == "" {
		t.Endpoint = "localhost:4317"
	}
	if t.SampleRate == 0 {
		t.SampleRate = 1.0
	}
	if t.Profiling.Endpoint == "" {
		t.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(t.Profiling.ProfileTypes) == 0 {
		t.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

func applyDatabaseDefaults(d *catalog.Config, data DataConfig) {
	if d.Type == "" {
		d.Type = catalog.DatabaseTypeSQLite
	}
	if d.Type == catalog.DatabaseTypeSQLite && d.Path == "" {
		d.Path = data.CatalogPath()
	}
}

func applyLocksDefaults(l *locks.Config, data DataConfig) {
	if l.Path == "" {
		l.Path = data.LocksPath()
	}
	if l.TTL == 0 {
		l.TTL = locks.DefaultTTL
	}
}

func applyRemoteDefaults(r *remote.Config, data DataConfig) {
	if r.TmpDir == "" {
		r.TmpDir = data.TmpDir()
	}
	if r.LockTTL == 0 {
		r.LockTTL = remote.DefaultLockTTL
	}
}

func applySyncDefaults(s *SyncConfig) {
	if s.Interval == 0 {
		s.Interval = 5 * time.Minute
	}
	if s.LockWait == 0 {
		s.LockWait = sync.DefaultLockWait
	}
}

func applyAPIDefaults(a *api.Config) {
	if a.Port == 0 {
		a.Port = 8474
	}
	if a.ReadTimeout == 0 {
		a.ReadTimeout = 30 * time.Second
	}
	if a.WriteTimeout == 0 {
		a.WriteTimeout = 60 * time.Second
	}
	if a.IdleTimeout == 0 {
		a.IdleTimeout = 120 * time.Second
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.Port == 0 {
		m.Port = 9474
	}
}

func applyImportDefaults(i *ImportConfig) {
	if len(i.GoldPolicies) == 0 {
		i.GoldPolicies = []string{"no_version_marker"}
	}
	if len(i.SkipDirs) == 0 {
		i.SkipDirs = []string{"tmp", "trash"}
	}
}

func applyExportDefaults(e *ExportConfig) {
	if e.Mode == "" {
		e.Mode = "by_type"
	}
}

// defaultDataDir returns $XDG_DATA_HOME/teivault, falling back to
// ~/.local/share/teivault.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "teivault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "teivault")
}

// GetDefaultConfig returns a fully defaulted configuration, used when
// no config file exists and by the init command.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

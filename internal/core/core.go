// Package core wires every component into a single Core value,
// replacing the teacher's package-level singletons and its `main.go`
// application struct (cmd/main.go's `application{database, sessionManager,
// oauthManager, spotifyService, ...}`) with one explicit construction
// path that owns every store, the HTTP client, the monitor, and the bus.
package core

import (
	"fmt"
	"time"

	"github.com/listenkeeper/core/internal/bus"
	"github.com/listenkeeper/core/internal/clock"
	"github.com/listenkeeper/core/internal/creds"
	"github.com/listenkeeper/core/internal/httpclient"
	"github.com/listenkeeper/core/internal/logstore"
	"github.com/listenkeeper/core/internal/monitor"
	"github.com/listenkeeper/core/internal/settings"
	"github.com/listenkeeper/core/internal/skipstore"
	"github.com/listenkeeper/core/internal/spotify"
	"github.com/listenkeeper/core/internal/stats"
	"github.com/listenkeeper/core/internal/tokenmanager"
	"github.com/listenkeeper/core/internal/tokenstore"
)

// Config is the subset of internal/config.Config core construction
// needs.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	DataDir      string
	LogLevel     string
	PollInterval int // ms, 0 uses monitor.DefaultPollInterval
	TickInterval int // ms, 0 uses monitor.DefaultTickInterval
}

// Core owns every long-lived component and exposes the Bus as the
// daemon's sole external surface.
type Core struct {
	Bus *bus.Bus

	logs    *logstore.Store
	monitor *monitor.Monitor
}

// settingsAdapter adapts *settings.Store to monitor.SettingsSource.
type settingsAdapter struct{ s *settings.Store }

func (a settingsAdapter) SkipProgress() float64 { return a.s.SkipProgress() }
func (a settingsAdapter) SkipThreshold() int    { return a.s.SkipThreshold() }

// New constructs every component in dependency order: credentials and
// token storage first, then the token manager, then the resilient HTTP
// client and Spotify adapter, then the stores the monitor drives, then
// the monitor itself, and finally the bus that fronts all of it. The
// monitor and bus are mutually referential (the monitor emits events
// the bus relays; the bus calls back into the monitor to start/stop
// it), so the sink is attached after both are built via
// Monitor.SetEventSink rather than at construction.
//
// Startup never fails solely because credentials or tokens are absent:
// the daemon comes up in an unauthenticated state and waits for
// Authenticate, per SPEC_FULL.md's startup-recovery behavior.
func New(cfg Config, logs *logstore.Store) (*Core, error) {
	sugar := logs.Logger().Sugar()

	credStore := creds.New()
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		if err := credStore.Set(cfg.ClientID, cfg.ClientSecret); err != nil {
			return nil, fmt.Errorf("core: setting credentials: %w", err)
		}
	}

	tsStore, err := tokenstore.New(cfg.DataDir, sugar)
	if err != nil {
		return nil, fmt.Errorf("core: opening token store: %w", err)
	}

	tm := tokenmanager.New(tsStore, credStore, clock.Real(), nil)
	if err := tm.LoadFromStore(); err != nil {
		return nil, fmt.Errorf("core: loading tokens: %w", err)
	}

	hc := httpclient.New(tm, httpclient.WithLogger(sugar))
	sp := spotify.New(hc, tm, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL, sugar)

	skips, err := skipstore.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("core: opening skip store: %w", err)
	}
	statsAgg, err := stats.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("core: opening statistics store: %w", err)
	}
	settingsStore, err := settings.New(cfg.DataDir, sugar)
	if err != nil {
		return nil, fmt.Errorf("core: opening settings store: %w", err)
	}
	logs.SetMinLevel(settingsStore.Get().LogLevel)

	mon := monitor.New(
		sp, skips, statsAgg, settingsAdapter{settingsStore}, clock.Real(),
		monitor.WithLogger(sugar),
		monitor.WithIntervals(durationOrDefault(cfg.PollInterval, monitor.DefaultPollInterval), durationOrDefault(cfg.TickInterval, monitor.DefaultTickInterval)),
	)

	b := bus.New(credStore, tm, sp, mon, skips, statsAgg, settingsStore, logs, sugar)
	mon.SetEventSink(b)

	return &Core{Bus: b, logs: logs, monitor: mon}, nil
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Shutdown stops monitoring and flushes every durable store, matching
// spec.md §5's shutdown ordering: StopMonitoring, then flush C7/C8/C9.
// C7 and C8 persist on every mutation already; the log writer flushes
// its buffered writer on every Save, so nothing here buffers beyond
// halting the monitor's loops.
func (c *Core) Shutdown() {
	c.monitor.Stop()
}

// Package bus implements the Command/Event Bus (spec.md §4.10, C10):
// the sole external surface of the core. Commands are plain method
// calls (the transport "is abstract", per spec — a shell wires this to
// whatever IPC it likes); events are pushed onto a buffered channel a
// shell subscribes to with Events().
//
// The design mirrors the teacher's own HTTP handler layer
// (cmd/handlers.go), which sits as a thin adapter in front of the
// service packages and never owns business logic itself — here that
// role is played by Bus, fronting the monitor, stores, and adapter.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/listenkeeper/core/internal/creds"
	"github.com/listenkeeper/core/internal/logstore"
	"github.com/listenkeeper/core/internal/monitor"
	"github.com/listenkeeper/core/internal/settings"
	"github.com/listenkeeper/core/internal/skipstore"
	"github.com/listenkeeper/core/internal/spotify"
	"github.com/listenkeeper/core/internal/stats"
	"github.com/listenkeeper/core/internal/tokenmanager"
)

// AuthStatus mirrors the three states spec.md §4.10 names for
// authStatusChanged.
type AuthStatus string

const (
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthAuthenticating  AuthStatus = "authenticating"
	AuthAuthenticated   AuthStatus = "authenticated"
)

// EventType discriminates the outbound Event payload.
type EventType string

const (
	EventPlaybackUpdate    EventType = "playbackUpdate"
	EventAuthStatusChanged EventType = "authStatusChanged"
	EventTrackSkipped      EventType = "trackSkipped"
	EventTrackChanged      EventType = "trackChanged"
)

// Event is one item on the outbound event channel.
type Event struct {
	Type       EventType
	Playback   *monitor.PlaybackSnapshot
	AuthStatus AuthStatus
	Skip       *skipstore.Record
	TrackPair  *TrackPair
}

// TrackPair is the payload of a trackChanged event.
type TrackPair struct {
	PreviousTrackID string
	NewTrackID      string
}

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}

const eventBufferSize = 64

// Bus wires every core component to the command/event boundary. It is
// the only type a shell imports.
type Bus struct {
	creds    *creds.Store
	tm       *tokenmanager.Manager
	spotify  *spotify.Adapter
	mon      *monitor.Monitor
	skips    *skipstore.Store
	statsAgg *stats.Aggregator
	settings *settings.Store
	logs     *logstore.Store
	logger   Logger

	events chan Event
}

// New builds a Bus over already-constructed components. Construction
// order and ownership of these components belongs to internal/core.
func New(
	credStore *creds.Store,
	tm *tokenmanager.Manager,
	sp *spotify.Adapter,
	mon *monitor.Monitor,
	skips *skipstore.Store,
	statsAgg *stats.Aggregator,
	settingsStore *settings.Store,
	logs *logstore.Store,
	logger Logger,
) *Bus {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Bus{
		creds:    credStore,
		tm:       tm,
		spotify:  sp,
		mon:      mon,
		skips:    skips,
		statsAgg: statsAgg,
		settings: settingsStore,
		logs:     logs,
		logger:   logger,
		events:   make(chan Event, eventBufferSize),
	}
}

// Events returns the outbound event stream. Callers should drain it
// continuously; a full buffer causes events to be dropped with a
// warning rather than blocking command handling.
func (b *Bus) Events() <-chan Event { return b.events }

func (b *Bus) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warnw("bus: event buffer full, dropping event", "type", ev.Type)
	}
}

// --- monitor.EventSink implementation, wiring C6 into the bus ---

// PlaybackUpdated implements monitor.EventSink.
func (b *Bus) PlaybackUpdated(snap monitor.PlaybackSnapshot) {
	b.emit(Event{Type: EventPlaybackUpdate, Playback: &snap})
}

// TrackSkipped implements monitor.EventSink.
func (b *Bus) TrackSkipped(rec skipstore.Record) {
	b.emit(Event{Type: EventTrackSkipped, Skip: &rec})
}

// TrackChanged implements monitor.EventSink.
func (b *Bus) TrackChanged(previousTrackID, newTrackID string) {
	b.emit(Event{Type: EventTrackChanged, TrackPair: &TrackPair{PreviousTrackID: previousTrackID, NewTrackID: newTrackID}})
}

// AuthRequired implements monitor.EventSink; fired when polling pauses
// itself after repeated consecutive poll failures.
func (b *Bus) AuthRequired() {
	b.emit(Event{Type: EventAuthStatusChanged, AuthStatus: AuthUnauthenticated})
}

// --- Authentication commands ---

// AuthorizationURL builds the OAuth consent URL for headless or
// interactive bring-up.
func (b *Bus) AuthorizationURL(state string) string {
	scopes := []string{
		"user-read-playback-state",
		"user-modify-playback-state",
		"user-library-read",
		"user-library-modify",
		"user-read-recently-played",
	}
	b.emit(Event{Type: EventAuthStatusChanged, AuthStatus: AuthAuthenticating})
	return b.spotify.AuthorizationURL(scopes, state)
}

// Authenticate completes the OAuth code exchange, optionally setting
// client credentials first. force is accepted for API symmetry with
// spec.md §4.10 but has no additional effect: a fresh code exchange
// always replaces whatever tokens are held.
func (b *Bus) Authenticate(ctx context.Context, code string, clientID, clientSecret string, force bool) error {
	if clientID != "" && clientSecret != "" {
		if err := b.creds.Set(clientID, clientSecret); err != nil {
			return fmt.Errorf("bus: authenticate: %w", err)
		}
	}
	if err := b.spotify.ExchangeCode(ctx, code); err != nil {
		b.emit(Event{Type: EventAuthStatusChanged, AuthStatus: AuthUnauthenticated})
		return fmt.Errorf("bus: authenticate: %w", err)
	}
	b.mon.Resume()
	b.emit(Event{Type: EventAuthStatusChanged, AuthStatus: AuthAuthenticated})
	return nil
}

// Logout clears held tokens and stops monitoring.
func (b *Bus) Logout() error {
	b.mon.Stop()
	if err := b.tm.Clear(); err != nil {
		return fmt.Errorf("bus: logout: %w", err)
	}
	b.emit(Event{Type: EventAuthStatusChanged, AuthStatus: AuthUnauthenticated})
	return nil
}

// IsAuthenticated reports whether a usable (possibly expired but
// refreshable) token pair is held.
func (b *Bus) IsAuthenticated() bool {
	return b.tm.Info().HasRefresh
}

// --- Monitoring lifecycle ---

// StartMonitoring launches the playback monitor's poll/tick loops.
func (b *Bus) StartMonitoring(ctx context.Context) {
	b.mon.Start(ctx)
}

// StopMonitoring halts the playback monitor and blocks until it exits.
func (b *Bus) StopMonitoring() {
	b.mon.Stop()
}

// IsMonitoring reports whether the monitor's loops are running.
func (b *Bus) IsMonitoring() bool {
	return b.mon.IsRunning()
}

// --- Transport passthrough ---

func (b *Bus) Play(ctx context.Context) error     { return b.spotify.Resume(ctx) }
func (b *Bus) Pause(ctx context.Context) error    { return b.spotify.Pause(ctx) }
func (b *Bus) Next(ctx context.Context) error     { return b.spotify.Next(ctx) }
func (b *Bus) Previous(ctx context.Context) error { return b.spotify.Previous(ctx) }

// GetCurrentPlayback returns the monitor's last-known snapshot without
// forcing a fresh poll.
func (b *Bus) GetCurrentPlayback() monitor.PlaybackSnapshot {
	return b.mon.Snapshot()
}

// --- Skip records ---

// GetSkippedTracks returns every tracked skip/completion record.
func (b *Bus) GetSkippedTracks() map[string]skipstore.Record {
	return b.skips.GetAll()
}

// UpdateSkippedTrack overwrites the stored record for id, for manual
// shell-side correction.
func (b *Bus) UpdateSkippedTrack(id string, rec skipstore.Record) error {
	all := b.skips.GetAll()
	all[id] = rec
	return b.skips.SaveAll(all)
}

// RemoveFromSkipped deletes the tracked record for id.
func (b *Bus) RemoveFromSkipped(id string) error {
	return b.skips.Remove(id)
}

// UnlikeTrack removes a track from the user's Spotify library.
func (b *Bus) UnlikeTrack(ctx context.Context, id string) (bool, error) {
	return b.spotify.RemoveFromLibrary(ctx, id)
}

// --- Settings ---

// GetSettings returns the current persisted settings.
func (b *Bus) GetSettings() settings.Settings {
	return b.settings.Get()
}

// SaveSettings validates, persists, and installs new settings,
// propagating a log-level change to the Log Store immediately.
func (b *Bus) SaveSettings(next settings.Settings) (settings.Settings, error) {
	saved, err := b.settings.Save(next)
	if err != nil {
		return saved, err
	}
	b.logs.SetMinLevel(saved.LogLevel)
	return saved, nil
}

// --- Statistics ---

// GetStatistics returns the full aggregate statistics document.
func (b *Bus) GetStatistics() stats.Statistics {
	return b.statsAgg.Get()
}

// ClearStatistics resets the aggregate document to empty.
func (b *Bus) ClearStatistics() error {
	return b.statsAgg.Clear()
}

// --- Logs ---

// GetLogs returns the n most recent buffered log entries.
func (b *Bus) GetLogs(n int) []logstore.Entry {
	return b.logs.Get(n)
}

// ClearLogs empties the in-memory log ring buffer.
func (b *Bus) ClearLogs() {
	b.logs.Clear()
}

// pollTimeout bounds every upstream call the bus makes directly,
// matching spec §5's 10s ceiling.
const pollTimeout = 10 * time.Second

// WithTimeout returns a context bounded by the upstream request
// ceiling, for commands that don't already carry a caller context.
func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, pollTimeout)
}

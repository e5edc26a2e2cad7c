package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listenkeeper/core/internal/clock"
	"github.com/listenkeeper/core/internal/skipstore"
	"github.com/listenkeeper/core/internal/spotify"
	"github.com/listenkeeper/core/internal/stats"
)

type fakeSpotify struct {
	mu        sync.Mutex
	snapshots []*spotify.Snapshot
	idx       int
	inLibrary bool
	removed   []string
	err       error
}

func (f *fakeSpotify) CurrentPlayback(ctx context.Context) (*spotify.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.snapshots) {
		return f.snapshots[len(f.snapshots)-1], nil
	}
	s := f.snapshots[f.idx]
	f.idx++
	return s, nil
}

func (f *fakeSpotify) RecentlyPlayed(ctx context.Context, limit int) ([]spotify.RecentlyPlayedItem, error) {
	return nil, nil
}

func (f *fakeSpotify) InLibrary(ctx context.Context, id string, silent bool) (bool, error) {
	return f.inLibrary, nil
}

func (f *fakeSpotify) RemoveFromLibrary(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true, nil
}

type fakeSettings struct {
	skipProgress  float64
	skipThreshold int
}

func (f fakeSettings) SkipProgress() float64 { return f.skipProgress }
func (f fakeSettings) SkipThreshold() int    { return f.skipThreshold }

type fakeSink struct {
	mu       sync.Mutex
	skipped  []skipstore.Record
	changed  [][2]string
	authReqs int
}

func (f *fakeSink) PlaybackUpdated(PlaybackSnapshot) {}
func (f *fakeSink) TrackSkipped(r skipstore.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, r)
}
func (f *fakeSink) TrackChanged(prev, next string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, [2]string{prev, next})
}
func (f *fakeSink) AuthRequired() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authReqs++
}

type fakeLogger struct {
	mu    sync.Mutex
	infos []string
}

func (f *fakeLogger) Debugw(string, ...any) {}
func (f *fakeLogger) Infow(msg string, _ ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, msg)
}
func (f *fakeLogger) Warnw(string, ...any)  {}
func (f *fakeLogger) Errorw(string, ...any) {}

func (f *fakeLogger) count(msg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.infos {
		if m == msg {
			n++
		}
	}
	return n
}

func newTestMonitor(t *testing.T, sp *fakeSpotify, sink *fakeSink, settings fakeSettings) (*Monitor, *skipstore.Store, *stats.Aggregator, *clock.Fixed) {
	t.Helper()
	dir := t.TempDir()
	ss, err := skipstore.New(dir)
	require.NoError(t, err)
	agg, err := stats.New(dir)
	require.NoError(t, err)
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := New(sp, ss, agg, settings, fixed, WithEventSink(sink))
	return m, ss, agg, fixed
}

func track(id, artist string, progressMs, durationMs int64, playing bool) *spotify.Snapshot {
	return &spotify.Snapshot{
		IsPlaying: playing, TrackID: id, TrackName: id + "-name", ArtistName: artist,
		ProgressMs: progressMs, DurationMs: durationMs,
	}
}

func TestPollOnce_NoActiveDevice_ResetsState(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{nil}}
	sink := &fakeSink{}
	m, _, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())

	snap := m.Snapshot()
	require.Equal(t, "", snap.TrackID)
	require.False(t, snap.IsPlaying)
}

func TestPollOnce_TrackChangeBelowThreshold_RecordsSkip(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{
		track("t1", "Artist A", 10000, 200000, true), // 5% progress
		track("t2", "Artist B", 0, 180000, true),
	}}
	sink := &fakeSink{}
	m, ss, agg, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())

	rec, ok := ss.Get("t1")
	require.True(t, ok)
	require.Equal(t, 1, rec.SkipCount)

	doc := agg.Get()
	require.InDelta(t, 1.0, doc.OverallSkipRate, 0.001)

	require.Len(t, sink.skipped, 1)
	require.Equal(t, "t1", sink.skipped[0].ID)
	require.Len(t, sink.changed, 1)
	require.Equal(t, [2]string{"t1", "t2"}, sink.changed[0])
}

func TestPollOnce_TrackChangeAboveThreshold_RecordsCompletion(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{
		track("t1", "Artist A", 190000, 200000, true), // 95% progress
		track("t2", "Artist B", 0, 180000, true),
	}}
	sink := &fakeSink{}
	m, ss, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())

	rec, ok := ss.Get("t1")
	require.True(t, ok)
	require.Equal(t, 0, rec.SkipCount)
	require.Equal(t, 1, rec.NotSkippedCount)
	require.Empty(t, sink.skipped)
}

func TestPollOnce_PausedLongEnough_DoesNotCountAsSkip(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{
		track("t1", "Artist A", 10000, 200000, true),
		track("t1", "Artist A", 10000, 200000, false), // pauses
		track("t2", "Artist B", 0, 180000, true),       // changes while "paused" long enough
	}}
	sink := &fakeSink{}
	m, ss, _, fixed := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())
	fixed.Advance(20 * time.Second)
	m.PollOnce(context.Background())

	_, ok := ss.Get("t1")
	require.False(t, ok, "paused-then-changed must not be recorded as a skip or completion")
}

func TestPollOnce_RemovesFromLibraryAtThreshold(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{
		track("t1", "Artist A", 0, 200000, true),
		track("t2", "Artist B", 0, 200000, true),
	}}
	sink := &fakeSink{}
	m, ss, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 2})

	// Seed an existing skip count one below threshold.
	_, err := ss.UpdateSkipped("t1", "t1-name", "Artist A", 0.1, time.Now())
	require.NoError(t, err)

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())

	require.Contains(t, sp.removed, "t1")
}

// TestPollOnce_LibraryStatusLoggedOnlyWhenInLibrary verifies spec.md
// §4.6 step 5: the "library status" log (and libraryStatusLogged flag)
// only fires when the track actually is in the library, not merely on
// every track change, and fires at most once per track thereafter.
func TestPollOnce_LibraryStatusLoggedOnlyWhenInLibrary(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{
		track("t1", "Artist A", 0, 200000, true),
		track("t1", "Artist A", 1000, 200000, true),
		track("t1", "Artist A", 2000, 200000, true),
	}}
	sink := &fakeSink{}
	logger := &fakeLogger{}
	dir := t.TempDir()
	ss, err := skipstore.New(dir)
	require.NoError(t, err)
	agg, err := stats.New(dir)
	require.NoError(t, err)
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := New(sp, ss, agg, fakeSettings{skipProgress: 0.7, skipThreshold: 3}, fixed, WithEventSink(sink), WithLogger(logger))

	m.PollOnce(context.Background()) // not in library yet
	require.False(t, m.state.libraryStatusLogged)
	require.Equal(t, 0, logger.count("library status"))

	sp.inLibrary = true
	m.PollOnce(context.Background()) // same track, now in library: logs once
	require.True(t, m.state.libraryStatusLogged)
	require.Equal(t, 1, logger.count("library status"))

	m.PollOnce(context.Background()) // still in library, same track: no repeat
	require.Equal(t, 1, logger.count("library status"))
}

func TestPollOnce_RecentTrackSuppressesReprocessing(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{
		track("t1", "Artist A", 10000, 200000, true),
		track("t2", "Artist B", 0, 180000, true),
		track("t1", "Artist A", 0, 200000, true), // flicker back to t1
	}}
	sink := &fakeSink{}
	m, ss, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())
	m.PollOnce(context.Background())

	rec, ok := ss.Get("t1")
	require.True(t, ok)
	require.Equal(t, 1, rec.SkipCount, "t1 keeps the single skip recorded when it was left")

	_, ok = ss.Get("t2")
	require.False(t, ok, "changing back to recent track t1 must not classify t2 as skipped")
}

func TestPollOnce_SkipsWhenPreviousPollStillInFlight(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{track("t1", "A", 0, 1000, true)}}
	sink := &fakeSink{}
	m, _, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.mu.Lock()
	m.pollInFlight = true
	m.mu.Unlock()

	m.PollOnce(context.Background())

	snap := m.Snapshot()
	require.Equal(t, "", snap.TrackID, "poll should have been skipped entirely")
}

func TestPollOnce_RepeatedErrorsPauseAndNotifyAuthRequired(t *testing.T) {
	sp := &fakeSpotify{err: errors.New("boom")}
	sink := &fakeSink{}
	m, _, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	for i := 0; i < maxAuthFailures; i++ {
		m.PollOnce(context.Background())
	}

	require.Equal(t, 1, sink.authReqs)

	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	require.True(t, paused)

	m.Resume()
	m.mu.Lock()
	paused = m.paused
	m.mu.Unlock()
	require.False(t, paused)
}

func TestTickOnce_InterpolatesProgressBetweenPolls(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{track("t1", "A", 10000, 200000, true)}}
	sink := &fakeSink{}
	m, _, _, fixed := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())
	fixed.Advance(500 * time.Millisecond)
	m.TickOnce()

	snap := m.Snapshot()
	require.Equal(t, int64(10500), snap.ProgressMs)
}

func TestTickOnce_CapsAtDuration(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{track("t1", "A", 199000, 200000, true)}}
	sink := &fakeSink{}
	m, _, _, fixed := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})

	m.PollOnce(context.Background())
	fixed.Advance(5 * time.Second)
	m.TickOnce()

	snap := m.Snapshot()
	require.Equal(t, int64(200000), snap.ProgressMs)
}

func TestStartStop_RunsLoopsAndStopsCleanly(t *testing.T) {
	sp := &fakeSpotify{snapshots: []*spotify.Snapshot{track("t1", "A", 0, 200000, true)}}
	sink := &fakeSink{}
	m, _, _, _ := newTestMonitor(t, sp, sink, fakeSettings{skipProgress: 0.7, skipThreshold: 3})
	m.pollInterval = 5 * time.Millisecond
	m.tickInterval = 2 * time.Millisecond

	require.False(t, m.IsRunning())
	m.Start(context.Background())
	require.True(t, m.IsRunning())

	time.Sleep(20 * time.Millisecond)
	m.Stop()
	require.False(t, m.IsRunning())
}

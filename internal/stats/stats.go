// Package stats implements the Statistics Aggregator (spec.md §4.8,
// C8): a single in-memory aggregate document rewritten atomically on
// every update, following the same renameio-backed persistence style
// as skipstore and tokenstore.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	sessionGap    = 30 * time.Minute
	maxSessions   = 100
	discoveryDays = 30
)

// DayMetrics is one daily/weekly/monthly bucket.
type DayMetrics struct {
	ListeningTimeMs int64           `json:"listeningTimeMs"`
	TracksPlayed    int             `json:"tracksPlayed"`
	TracksSkipped   int             `json:"tracksSkipped"`
	UniqueArtists   map[string]bool `json:"uniqueArtists"`
	UniqueTracks    map[string]bool `json:"uniqueTracks"`
	PeakHour        int             `json:"peakHour"`

	hourlyCounts [24]int // not persisted; used to recompute PeakHour
}

func newDayMetrics() *DayMetrics {
	return &DayMetrics{UniqueArtists: map[string]bool{}, UniqueTracks: map[string]bool{}}
}

// ArtistMetrics tracks running per-artist listening stats.
type ArtistMetrics struct {
	Name                     string  `json:"name"`
	ListeningTimeMs          int64   `json:"listeningTimeMs"`
	SkipRate                 float64 `json:"skipRate"`
	TracksPlayed             int     `json:"tracksPlayed"`
	AvgListeningBeforeSkipMs float64 `json:"avgListeningBeforeSkipMs"`
	MostPlayedTrackID        string  `json:"mostPlayedTrackId"`
	MostSkippedTrackID       string  `json:"mostSkippedTrackId"`

	firstSeen          time.Time      `json:"-"`
	trackPlays         map[string]int `json:"-"`
	trackSkips         map[string]int `json:"-"`
	skipCount          int            `json:"-"`
	skippedListenMsSum float64        `json:"-"`
}

// Session is a maximal run of plays with gaps no larger than 30 min.
type Session struct {
	ID                   string    `json:"id"`
	StartTime            time.Time `json:"startTime"`
	EndTime              time.Time `json:"endTime"`
	DurationMs           int64     `json:"durationMs"`
	TrackIDs             []string  `json:"trackIds"`
	SkippedTracks        int       `json:"skippedTracks"`
	DeviceName           string    `json:"deviceName"`
	DeviceType           string    `json:"deviceType"`
	LongestNonSkipStreak int       `json:"longestNonSkipStreak"`

	currentStreak int
}

// Statistics is the persisted aggregate document C8 owns exclusively.
type Statistics struct {
	DailyMetrics   map[string]*DayMetrics    `json:"dailyMetrics"`
	WeeklyMetrics  map[string]*DayMetrics    `json:"weeklyMetrics"`
	MonthlyMetrics map[string]*DayMetrics    `json:"monthlyMetrics"`
	ArtistMetrics  map[string]*ArtistMetrics `json:"artistMetrics"`
	Sessions       []*Session                `json:"sessions"`

	TotalUniqueTracks    int       `json:"totalUniqueTracks"`
	TotalUniqueArtists   int       `json:"totalUniqueArtists"`
	OverallSkipRate      float64   `json:"overallSkipRate"`
	DiscoveryRate        float64   `json:"discoveryRate"`
	TotalListeningTimeMs int64     `json:"totalListeningTimeMs"`
	TopArtistIDs         []string  `json:"topArtistIds"`
	HourlyDistribution   [24]int   `json:"hourlyDistribution"`
	DailyDistribution    [7]int    `json:"dailyDistribution"`
	LastUpdated          time.Time `json:"lastUpdated"`

	totalPlayed  int
	totalSkipped int
	allTracks    map[string]bool
}

func empty() *Statistics {
	return &Statistics{
		DailyMetrics:   map[string]*DayMetrics{},
		WeeklyMetrics:  map[string]*DayMetrics{},
		MonthlyMetrics: map[string]*DayMetrics{},
		ArtistMetrics:  map[string]*ArtistMetrics{},
		Sessions:       []*Session{},
		allTracks:      map[string]bool{},
	}
}

// Aggregator owns Statistics persistence at <dataDir>/statistics.json.
type Aggregator struct {
	mu   sync.Mutex
	path string
	doc  *Statistics
}

// New loads (or initializes) an Aggregator rooted at dataDir.
func New(dataDir string) (*Aggregator, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	agg := &Aggregator{path: filepath.Join(dataDir, "statistics.json"), doc: empty()}

	raw, err := os.ReadFile(agg.path)
	if errors.Is(err, os.ErrNotExist) {
		return agg, nil
	}
	if err != nil {
		return nil, err
	}

	var loaded Statistics
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, err
	}
	agg.doc = &loaded
	agg.rebuildDerivedState()
	return agg, nil
}

// rebuildDerivedState recomputes fields not carried across a JSON
// round-trip (running totals, the allTracks set).
func (a *Aggregator) rebuildDerivedState() {
	if a.doc.DailyMetrics == nil {
		a.doc.DailyMetrics = map[string]*DayMetrics{}
	}
	if a.doc.WeeklyMetrics == nil {
		a.doc.WeeklyMetrics = map[string]*DayMetrics{}
	}
	if a.doc.MonthlyMetrics == nil {
		a.doc.MonthlyMetrics = map[string]*DayMetrics{}
	}
	if a.doc.ArtistMetrics == nil {
		a.doc.ArtistMetrics = map[string]*ArtistMetrics{}
	}
	a.doc.allTracks = map[string]bool{}
	a.doc.totalPlayed = 0
	a.doc.totalSkipped = 0
	for _, d := range a.doc.DailyMetrics {
		a.doc.totalPlayed += d.TracksPlayed
		a.doc.totalSkipped += d.TracksSkipped
		for id := range d.UniqueTracks {
			a.doc.allTracks[id] = true
		}
	}
}

// Get returns a snapshot of the current statistics document.
func (a *Aggregator) Get() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.doc
}

// Clear resets statistics to the documented default-empty shape.
func (a *Aggregator) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc = empty()
	return a.persistLocked()
}

// PlayEvent is the input to Update: one completed or skipped
// observation of a track.
type PlayEvent struct {
	TrackID    string
	ArtistID   string
	ArtistName string
	DurationMs int64
	WasSkipped bool
	PlayedMs   int64
	DeviceName string
	DeviceType string
	Timestamp  time.Time
}

// Update folds one PlayEvent into the aggregate document and persists
// the result atomically, implementing spec.md §4.8 steps 1-7.
func (a *Aggregator) Update(ev PlayEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := ev.Timestamp.UTC()
	dateKey := ts.Format("2006-01-02")
	monthKey := ts.Format("2006-01")
	weekKey := isoWeekKey(ts)

	a.bumpBucket(a.doc.DailyMetrics, dateKey, ev, ts)
	a.bumpBucket(a.doc.WeeklyMetrics, weekKey, ev, ts)
	a.bumpBucket(a.doc.MonthlyMetrics, monthKey, ev, ts)

	a.doc.HourlyDistribution[ts.Hour()]++
	a.doc.DailyDistribution[int(ts.Weekday())]++

	a.bumpArtist(ev, ts)

	a.doc.allTracks[ev.TrackID] = true
	a.doc.totalPlayed++
	if ev.WasSkipped {
		a.doc.totalSkipped++
	}
	a.doc.TotalListeningTimeMs += ev.PlayedMs

	a.recomputeScalars(ts)
	a.mergeSession(ev, ts)

	a.doc.LastUpdated = ts
	return a.persistLocked()
}

func (a *Aggregator) bumpBucket(buckets map[string]*DayMetrics, key string, ev PlayEvent, ts time.Time) {
	bucket, ok := buckets[key]
	if !ok {
		bucket = newDayMetrics()
		buckets[key] = bucket
	}
	bucket.ListeningTimeMs += ev.PlayedMs
	bucket.TracksPlayed++
	if ev.WasSkipped {
		bucket.TracksSkipped++
	}
	bucket.UniqueArtists[ev.ArtistID] = true
	bucket.UniqueTracks[ev.TrackID] = true
	bucket.hourlyCounts[ts.Hour()]++

	peak, count := 0, -1
	for h, c := range bucket.hourlyCounts {
		if c > count {
			peak, count = h, c
		}
	}
	bucket.PeakHour = peak
}

func (a *Aggregator) bumpArtist(ev PlayEvent, ts time.Time) {
	am, ok := a.doc.ArtistMetrics[ev.ArtistID]
	if !ok {
		am = &ArtistMetrics{
			Name:       ev.ArtistName,
			firstSeen:  ts,
			trackPlays: map[string]int{},
			trackSkips: map[string]int{},
		}
		a.doc.ArtistMetrics[ev.ArtistID] = am
	}
	if am.trackPlays == nil {
		am.trackPlays = map[string]int{}
	}
	if am.trackSkips == nil {
		am.trackSkips = map[string]int{}
	}
	if ev.ArtistName != "" {
		am.Name = ev.ArtistName
	}

	am.ListeningTimeMs += ev.PlayedMs
	am.TracksPlayed++
	am.trackPlays[ev.TrackID]++

	n := float64(am.TracksPlayed)
	skipped := 0.0
	if ev.WasSkipped {
		skipped = 1.0
	}
	am.SkipRate = (am.SkipRate*(n-1) + skipped) / n

	if ev.WasSkipped {
		am.trackSkips[ev.TrackID]++
		am.skipCount++
		am.skippedListenMsSum += float64(ev.PlayedMs)
		am.AvgListeningBeforeSkipMs = am.skippedListenMsSum / float64(am.skipCount)
	}

	am.MostPlayedTrackID = mostCounted(am.trackPlays)
	am.MostSkippedTrackID = mostCounted(am.trackSkips)
}

func mostCounted(counts map[string]int) string {
	best, bestCount := "", -1
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic tie-break
	for _, id := range ids {
		if counts[id] > bestCount {
			best, bestCount = id, counts[id]
		}
	}
	return best
}

func (a *Aggregator) recomputeScalars(now time.Time) {
	a.doc.TotalUniqueTracks = len(a.doc.allTracks)
	a.doc.TotalUniqueArtists = len(a.doc.ArtistMetrics)

	if a.doc.totalPlayed > 0 {
		a.doc.OverallSkipRate = float64(a.doc.totalSkipped) / float64(a.doc.totalPlayed)
	}

	type artistTime struct {
		id string
		ms int64
	}
	all := make([]artistTime, 0, len(a.doc.ArtistMetrics))
	discovered := 0
	for id, am := range a.doc.ArtistMetrics {
		all = append(all, artistTime{id, am.ListeningTimeMs})
		if now.Sub(am.firstSeen) <= discoveryDays*24*time.Hour {
			discovered++
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ms > all[j].ms })
	top := make([]string, 0, 10)
	for i := 0; i < len(all) && i < 10; i++ {
		top = append(top, all[i].id)
	}
	a.doc.TopArtistIDs = top

	if a.doc.TotalUniqueArtists > 0 {
		a.doc.DiscoveryRate = float64(discovered) / float64(a.doc.TotalUniqueArtists)
	}
}

func (a *Aggregator) mergeSession(ev PlayEvent, ts time.Time) {
	if len(a.doc.Sessions) > 0 {
		last := a.doc.Sessions[len(a.doc.Sessions)-1]
		if ts.Sub(last.EndTime) <= sessionGap {
			last.EndTime = ts
			last.DurationMs = ts.Sub(last.StartTime).Milliseconds()
			last.TrackIDs = append(last.TrackIDs, ev.TrackID)
			if ev.WasSkipped {
				last.SkippedTracks++
				last.currentStreak = 0
			} else {
				last.currentStreak++
				if last.currentStreak > last.LongestNonSkipStreak {
					last.LongestNonSkipStreak = last.currentStreak
				}
			}
			return
		}
	}

	session := &Session{
		ID:         ts.Format(time.RFC3339Nano),
		StartTime:  ts,
		EndTime:    ts,
		DurationMs: 0,
		TrackIDs:   []string{ev.TrackID},
		DeviceName: ev.DeviceName,
		DeviceType: ev.DeviceType,
	}
	if ev.WasSkipped {
		session.SkippedTracks = 1
	} else {
		session.currentStreak = 1
		session.LongestNonSkipStreak = 1
	}
	a.doc.Sessions = append(a.doc.Sessions, session)
	if len(a.doc.Sessions) > maxSessions {
		a.doc.Sessions = a.doc.Sessions[len(a.doc.Sessions)-maxSessions:]
	}
}

func (a *Aggregator) persistLocked() error {
	raw, err := json.MarshalIndent(a.doc, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(a.path, raw, 0o644)
}

// isoWeekKey formats t as YYYY-Www using the ISO 8601 week number
// (the week containing the year's first Thursday is week 1). The year
// component is the ISO week-year, which can differ from t's calendar
// year in the first/last days of December/January.
func isoWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

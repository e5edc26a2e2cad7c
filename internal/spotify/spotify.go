// Package spotify implements the Upstream API Adapter (spec.md §4.5,
// C5): typed wrappers over the Spotify Web API surface the monitor
// needs. It is grounded on the teacher's service/spotify package and on
// golang.org/x/oauth2 + golang.org/x/oauth2/spotify, both direct
// dependencies of the teacher's root main.go and oauth/oauth2.go.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	spotifyoauth2 "golang.org/x/oauth2/spotify"

	"github.com/listenkeeper/core/internal/httpclient"
	"github.com/listenkeeper/core/internal/tokenmanager"
)

const apiBase = "https://api.spotify.com/v1"

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}

// Snapshot is the raw playback state returned by CurrentPlayback.
type Snapshot struct {
	IsPlaying  bool
	TrackID    string
	TrackName  string
	ArtistName string
	AlbumName  string
	AlbumArt   string
	ProgressMs int64
	DurationMs int64
	DeviceID   string
	DeviceType string
}

// RecentlyPlayedItem is one entry from the play-history endpoint.
type RecentlyPlayedItem struct {
	TrackID  string
	PlayedAt time.Time
}

// Track is track metadata returned by Track(id).
type Track struct {
	ID         string
	Name       string
	ArtistName string
	AlbumName  string
	DurationMs int64
}

// Adapter wraps an httpclient.Client and tokenmanager.Manager with
// typed Spotify Web API calls.
type Adapter struct {
	http    *httpclient.Client
	tm      *tokenmanager.Manager
	oauth   oauth2.Config
	logger  Logger
	baseURL string
}

// New builds an Adapter. clientID/clientSecret configure the OAuth2
// consent flow; redirectURL is fixed at construction since the shell
// registers a single static callback.
func New(httpClient *httpclient.Client, tm *tokenmanager.Manager, clientID, clientSecret, redirectURL string, logger Logger) *Adapter {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Adapter{
		http: httpClient,
		tm:   tm,
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     spotifyoauth2.Endpoint,
		},
		logger:  logger,
		baseURL: apiBase,
	}
}

// WithBaseURL overrides the Spotify Web API base URL, for tests.
func (a *Adapter) WithBaseURL(url string) *Adapter {
	a.baseURL = url
	return a
}

// AuthorizationURL builds the OAuth consent URL for the given scopes and
// anti-CSRF state value.
func (a *Adapter) AuthorizationURL(scopes []string, state string) string {
	cfg := a.oauth
	cfg.Scopes = scopes
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an OAuth authorization code for a token pair and
// installs it into the Token Manager.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) error {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("spotify: code exchange: %w", err)
	}
	expiresIn := int64(time.Until(tok.Expiry).Seconds())
	return a.tm.Set(tok.AccessToken, tok.RefreshToken, expiresIn)
}

func (a *Adapter) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	if err := a.tm.EnsureValid(ctx); err != nil {
		return nil, fmt.Errorf("spotify: ensuring valid token: %w", err)
	}
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return a.http.Do(req)
}

func (a *Adapter) mutate(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	if err := a.tm.EnsureValid(ctx); err != nil {
		return nil, fmt.Errorf("spotify: ensuring valid token: %w", err)
	}
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.http.Do(req)
}

type playbackResponse struct {
	IsPlaying  bool  `json:"is_playing"`
	ProgressMs int64 `json:"progress_ms"`
	Item       *struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		DurationMs int64  `json:"duration_ms"`
		Artists    []struct {
			Name string `json:"name"`
		} `json:"artists"`
		Album struct {
			Name   string `json:"name"`
			Images []struct {
				URL string `json:"url"`
			} `json:"images"`
		} `json:"album"`
	} `json:"item"`
	Device *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"device"`
}

// CurrentPlayback returns the current playback snapshot, or nil if
// nothing is playing (HTTP 204) or no active device is reported.
func (a *Adapter) CurrentPlayback(ctx context.Context) (*Snapshot, error) {
	resp, err := a.get(ctx, "/me/player", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spotify: current playback: unexpected status %d", resp.StatusCode)
	}

	var parsed playbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("spotify: decoding playback: %w", err)
	}
	if parsed.Item == nil {
		return nil, nil
	}

	snap := &Snapshot{
		IsPlaying:  parsed.IsPlaying,
		TrackID:    parsed.Item.ID,
		TrackName:  parsed.Item.Name,
		AlbumName:  parsed.Item.Album.Name,
		ProgressMs: parsed.ProgressMs,
		DurationMs: parsed.Item.DurationMs,
	}
	if len(parsed.Item.Artists) > 0 {
		names := make([]string, len(parsed.Item.Artists))
		for i, artist := range parsed.Item.Artists {
			names[i] = artist.Name
		}
		snap.ArtistName = strings.Join(names, ", ")
	}
	if len(parsed.Item.Album.Images) > 0 {
		snap.AlbumArt = parsed.Item.Album.Images[0].URL
	}
	if parsed.Device != nil {
		snap.DeviceID = parsed.Device.ID
		snap.DeviceType = parsed.Device.Type
	}
	return snap, nil
}

type recentlyPlayedResponse struct {
	Items []struct {
		Track struct {
			ID string `json:"id"`
		} `json:"track"`
		PlayedAt time.Time `json:"played_at"`
	} `json:"items"`
}

// RecentlyPlayed returns up to limit recently played track ids, newest
// first.
func (a *Adapter) RecentlyPlayed(ctx context.Context, limit int) ([]RecentlyPlayedItem, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	resp, err := a.get(ctx, "/me/player/recently-played", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spotify: recently played: unexpected status %d", resp.StatusCode)
	}

	var parsed recentlyPlayedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("spotify: decoding recently played: %w", err)
	}

	out := make([]RecentlyPlayedItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		out = append(out, RecentlyPlayedItem{TrackID: item.Track.ID, PlayedAt: item.PlayedAt})
	}
	return out, nil
}

type trackResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name string `json:"name"`
	} `json:"album"`
}

// Track fetches track metadata, or nil on a 404.
func (a *Adapter) Track(ctx context.Context, id string) (*Track, error) {
	resp, err := a.get(ctx, "/tracks/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spotify: track %s: unexpected status %d", id, resp.StatusCode)
	}

	var parsed trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("spotify: decoding track: %w", err)
	}

	t := &Track{ID: parsed.ID, Name: parsed.Name, DurationMs: parsed.DurationMs, AlbumName: parsed.Album.Name}
	if len(parsed.Artists) > 0 {
		names := make([]string, len(parsed.Artists))
		for i, artist := range parsed.Artists {
			names[i] = artist.Name
		}
		t.ArtistName = strings.Join(names, ", ")
	}
	return t, nil
}

// InLibrary reports whether the track is saved to the user's library.
// silent suppresses logging, for use from the monitor's hot loop.
func (a *Adapter) InLibrary(ctx context.Context, id string, silent bool) (bool, error) {
	q := url.Values{"ids": {id}}
	resp, err := a.get(ctx, "/me/tracks/contains", q)
	if err != nil {
		if !silent {
			a.logger.Warnw("spotify: in-library check failed", "trackId", id, "error", err)
		}
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("spotify: in-library %s: unexpected status %d", id, resp.StatusCode)
	}

	var result []bool
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("spotify: decoding in-library: %w", err)
	}
	return len(result) > 0 && result[0], nil
}

// SaveToLibrary adds a track to the library, reporting false on a
// soft-failed 403/404 rather than an error.
func (a *Adapter) SaveToLibrary(ctx context.Context, id string) (bool, error) {
	return a.libraryMutate(ctx, http.MethodPut, id)
}

// RemoveFromLibrary removes a track from the library, with the same
// soft-failure policy as SaveToLibrary.
func (a *Adapter) RemoveFromLibrary(ctx context.Context, id string) (bool, error) {
	return a.libraryMutate(ctx, http.MethodDelete, id)
}

func (a *Adapter) libraryMutate(ctx context.Context, method, id string) (bool, error) {
	q := url.Values{"ids": {id}}
	resp, err := a.mutate(ctx, method, "/me/tracks", q, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("spotify: library mutate %s: unexpected status %d", id, resp.StatusCode)
	}
}

// Pause pauses playback, soft-failing on 403/404 ("no active device").
func (a *Adapter) Pause(ctx context.Context) error { return a.transport(ctx, http.MethodPut, "/me/player/pause") }

// Resume resumes playback.
func (a *Adapter) Resume(ctx context.Context) error { return a.transport(ctx, http.MethodPut, "/me/player/play") }

// Next skips to the next track.
func (a *Adapter) Next(ctx context.Context) error { return a.transport(ctx, http.MethodPost, "/me/player/next") }

// Previous skips to the previous track.
func (a *Adapter) Previous(ctx context.Context) error { return a.transport(ctx, http.MethodPost, "/me/player/previous") }

func (a *Adapter) transport(ctx context.Context, method, path string) error {
	resp, err := a.mutate(ctx, method, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusForbidden, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("spotify: transport %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
}

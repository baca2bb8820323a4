// Package client is a Go rendition of the browser sync agent: it loads the
// text snapshot, tracks which keys are being edited locally, applies pushed
// updates for everything else, saves edits through the text API, and invokes
// the idle auto-reset after a fixed window of no saves.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultReconnectWait is the fixed pause between websocket connection
	// attempts. No cap, no exponential growth: the agent just keeps trying.
	DefaultReconnectWait = 3 * time.Second

	// DefaultResetWindow is how long after the last successful save the
	// agent waits before resetting all text back to defaults.
	DefaultResetWindow = 60 * time.Second
)

// HistoryRecord mirrors one entry of GET /api/history.
type HistoryRecord struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ChangedAt time.Time `json:"changed_at"`
}

type updateMessage struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Option configures an Agent.
type Option func(*Agent)

// WithReconnectWait overrides the fixed reconnect backoff.
func WithReconnectWait(d time.Duration) Option {
	return func(a *Agent) { a.reconnectWait = d }
}

// WithResetWindow overrides the idle auto-reset window. Zero disables
// auto-reset entirely.
func WithResetWindow(d time.Duration) Option {
	return func(a *Agent) { a.resetWindow = d }
}

// WithUpdateFunc registers a callback invoked for every applied update
// (pushed values for keys not under local edit, including post-reset
// snapshot reloads).
func WithUpdateFunc(fn func(key, value string)) Option {
	return func(a *Agent) { a.onUpdate = fn }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.http = c }
}

// Agent synchronizes a local copy of the site text with the server.
type Agent struct {
	baseURL       string
	http          *http.Client
	dialer        *websocket.Dialer
	reconnectWait time.Duration
	resetWindow   time.Duration
	onUpdate      func(key, value string)

	mu         sync.Mutex
	snapshot   map[string]string
	editing    map[string]bool
	resetTimer *time.Timer
}

// New creates an Agent for the server at baseURL (e.g. "http://host:8080").
func New(baseURL string, opts ...Option) *Agent {
	a := &Agent{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		http:          &http.Client{Timeout: 10 * time.Second},
		dialer:        websocket.DefaultDialer,
		reconnectWait: DefaultReconnectWait,
		resetWindow:   DefaultResetWindow,
		snapshot:      make(map[string]string),
		editing:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run loads the initial snapshot, then keeps a websocket subscription open
// until ctx is cancelled, reconnecting after a fixed wait on any failure.
// A failed snapshot load is retried on the same schedule instead of
// aborting, so the agent rides out a server that is still coming up.
func (a *Agent) Run(ctx context.Context) error {
	loaded := false

	for {
		if !loaded {
			if err := a.Refresh(ctx); err == nil {
				loaded = true
			}
		}

		if err := a.subscribe(ctx); err != nil && ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
			a.stopResetTimer()
			return ctx.Err()
		case <-time.After(a.reconnectWait):
		}
	}

	a.stopResetTimer()
	return ctx.Err()
}

func (a *Agent) wsURL() string {
	url := a.baseURL + "/ws"
	url = strings.Replace(url, "https://", "wss://", 1)
	return strings.Replace(url, "http://", "ws://", 1)
}

// subscribe holds one websocket connection open, applying pushed updates
// until the connection drops or ctx is cancelled.
func (a *Agent) subscribe(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.wsURL(), err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg updateMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != "update" {
			continue
		}
		a.applyUpdate(msg.Key, msg.Value)
	}
}

// applyUpdate stores a pushed value unless that key is under local edit, in
// which case the update is dropped so the in-flight edit is not clobbered.
func (a *Agent) applyUpdate(key, value string) {
	a.mu.Lock()
	if a.editing[key] {
		a.mu.Unlock()
		return
	}
	a.snapshot[key] = value
	fn := a.onUpdate
	a.mu.Unlock()

	if fn != nil {
		fn(key, value)
	}
}

// Refresh replaces the local snapshot with the server's current text.
// Keys under local edit keep their local value.
func (a *Agent) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/text", nil)
	if err != nil {
		return err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /api/text: unexpected status %d", resp.StatusCode)
	}

	var text map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&text); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	var applied []updateMessage
	a.mu.Lock()
	for key, value := range text {
		if a.editing[key] {
			continue
		}
		if a.snapshot[key] != value {
			applied = append(applied, updateMessage{Key: key, Value: value})
		}
		a.snapshot[key] = value
	}
	fn := a.onUpdate
	a.mu.Unlock()

	if fn != nil {
		for _, u := range applied {
			fn(u.Key, u.Value)
		}
	}
	return nil
}

// Get returns the local value for key.
func (a *Agent) Get(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, ok := a.snapshot[key]
	return value, ok
}

// Snapshot returns a copy of the local text state.
func (a *Agent) Snapshot() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := make(map[string]string, len(a.snapshot))
	for key, value := range a.snapshot {
		text[key] = value
	}
	return text
}

// BeginEdit marks key as under local edit; pushed updates for it are dropped
// until Save or CancelEdit.
func (a *Agent) BeginEdit(key string) {
	a.mu.Lock()
	a.editing[key] = true
	a.mu.Unlock()
}

// CancelEdit discards the local edit state for key.
func (a *Agent) CancelEdit(key string) {
	a.mu.Lock()
	delete(a.editing, key)
	a.mu.Unlock()
}

// Save writes value for key through the text API. On success the local
// snapshot is updated, the edit state cleared, and the idle-reset countdown
// restarted. On failure the edit state is cleared and the local value left
// at its pre-edit text.
func (a *Agent) Save(ctx context.Context, key, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/text/"+key, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		a.CancelEdit(key)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.CancelEdit(key)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("save %q: %s", key, apiErr.Error)
		}
		return fmt.Errorf("save %q: unexpected status %d", key, resp.StatusCode)
	}

	a.mu.Lock()
	a.snapshot[key] = value
	delete(a.editing, key)
	a.restartResetTimerLocked()
	a.mu.Unlock()

	return nil
}

// ResetAll restores every key to its default through the text API, then
// reloads the snapshot.
func (a *Agent) ResetAll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/text/reset-all", nil)
	if err != nil {
		return err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset-all: unexpected status %d", resp.StatusCode)
	}

	return a.Refresh(ctx)
}

// History fetches up to limit history records, newest first.
func (a *Agent) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	url := fmt.Sprintf("%s/api/history?limit=%d", a.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /api/history: unexpected status %d", resp.StatusCode)
	}

	var records []HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

// restartResetTimerLocked cancels and restarts the single idle-reset timer.
// Caller holds a.mu.
func (a *Agent) restartResetTimerLocked() {
	if a.resetWindow <= 0 {
		return
	}
	if a.resetTimer != nil {
		a.resetTimer.Stop()
	}
	a.resetTimer = time.AfterFunc(a.resetWindow, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.ResetAll(ctx)
	})
}

func (a *Agent) stopResetTimer() {
	a.mu.Lock()
	if a.resetTimer != nil {
		a.resetTimer.Stop()
		a.resetTimer = nil
	}
	a.mu.Unlock()
}

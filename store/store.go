// Package store persists the editable site text: one current value per known
// key, plus an append-only history of every value ever written.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyValue is returned when a write carries no value.
	ErrEmptyValue = errors.New("value is required")

	// ErrUnknownKey is returned for keys outside the fixed site text set.
	ErrUnknownKey = errors.New("unknown text key")
)

// TextEntry is the current value for one known key.
type TextEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryRecord is one immutable entry in the edit log.
type HistoryRecord struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ChangedAt time.Time `json:"changed_at"`
}

// DefaultText maps every known key to its built-in default value. The key set
// is fixed; the public contract never creates new keys.
var DefaultText = map[string]string{
	"main_header":      "SAY GUGNAG",
	"button_text":      "CLICK TO SAY GUGNAG",
	"top_marquee":      "⚠️ Warning: Screaming this word at the top of your lungs will result in PAIN⚠️",
	"spinning_text":    "🌟 THE WORD YOUR TEACHER LOVES 🌟",
	"badge1":           "⭐ FAVORITE WORD AMONGST YAHOO USERS ⭐",
	"badge2":           "💯 100% APPROVED BY ZERO TEACHERS 💯",
	"badge3":           "🔥 UNDER CONSTRUCTION 🔥",
	"footer_copyright": "© 2024 \"GUGNAG DANIALS\" ENTERPRISES™",
	"popup_checkbox":   "turn off popups like a bitch",
}

// KnownKey reports whether key belongs to the fixed site text set.
func KnownKey(key string) bool {
	_, ok := DefaultText[key]
	return ok
}

// TextStore is the persistence interface for site text.
type TextStore interface {
	// GetAll returns the current value for every known key.
	GetAll(ctx context.Context) (map[string]string, error)

	// Set upserts the current value for key and appends a history record.
	// Returns ErrEmptyValue for an empty value and ErrUnknownKey for keys
	// outside the fixed set. Concurrent writers race; last commit wins.
	Set(ctx context.Context, key, value string) error

	// ResetAll overwrites every known key back to its default in one
	// logical operation, appending history for keys that actually change.
	ResetAll(ctx context.Context) error

	// GetHistory returns up to limit records across all keys, newest first.
	GetHistory(ctx context.Context, limit int) ([]HistoryRecord, error)

	Close() error
}

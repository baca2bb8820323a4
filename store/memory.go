package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements TextStore entirely in memory. It exists so the HTTP layer
// can be exercised without a database; nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	text    map[string]string
	history []HistoryRecord
	seq     int64
	failure error
}

var _ TextStore = (*Memory)(nil)

// NewMemory returns a Memory store pre-seeded with the default text.
func NewMemory() *Memory {
	text := make(map[string]string, len(DefaultText))
	for key, value := range DefaultText {
		text[key] = value
	}
	return &Memory{text: text}
}

// Fail makes every subsequent operation return err, simulating an
// unavailable backing store. Pass nil to recover.
func (s *Memory) Fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *Memory) GetAll(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, s.failure
	}

	text := make(map[string]string, len(s.text))
	for key, value := range s.text {
		text[key] = value
	}
	return text, nil
}

func (s *Memory) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return ErrEmptyValue
	}
	if !KnownKey(key) {
		return ErrUnknownKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}

	s.text[key] = value
	s.appendHistoryLocked(key, value)
	return nil
}

func (s *Memory) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}

	for key, value := range DefaultText {
		if s.text[key] == value {
			continue
		}
		s.text[key] = value
		s.appendHistoryLocked(key, value)
	}
	return nil
}

func (s *Memory) GetHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, s.failure
	}

	if limit <= 0 {
		return nil, nil
	}

	records := make([]HistoryRecord, len(s.history))
	copy(records, s.history)

	// Newest first.
	sort.SliceStable(records, func(i, j int) bool {
		return records[j].ChangedAt.Before(records[i].ChangedAt)
	})

	if limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

func (s *Memory) Close() error {
	return nil
}

// appendHistoryLocked fakes a monotonic clock so records written within the
// same wall-clock instant still order by insertion.
func (s *Memory) appendHistoryLocked(key, value string) {
	s.seq++
	s.history = append(s.history, HistoryRecord{
		Key:       key,
		Value:     value,
		ChangedAt: time.Now().Add(time.Duration(s.seq) * time.Nanosecond),
	})
}

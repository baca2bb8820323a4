package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryDefaultsSeeded(t *testing.T) {
	s := NewMemory()

	text, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}

	if len(text) != len(DefaultText) {
		t.Fatalf("got %d keys, want %d", len(text), len(DefaultText))
	}
	for key, want := range DefaultText {
		if text[key] != want {
			t.Errorf("key %q = %q, want %q", key, text[key], want)
		}
	}
}

func TestMemorySetThenGetAll(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "button_text", "CLICK"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	text, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if text["button_text"] != "CLICK" {
		t.Errorf("button_text = %q, want %q", text["button_text"], "CLICK")
	}
}

func TestMemorySetEmptyValueLeavesPriorValue(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "main_header", "HELLO"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	err := s.Set(ctx, "main_header", "")
	if !errors.Is(err, ErrEmptyValue) {
		t.Fatalf("Set(empty) = %v, want ErrEmptyValue", err)
	}

	text, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if text["main_header"] != "HELLO" {
		t.Errorf("main_header = %q, want %q (prior value)", text["main_header"], "HELLO")
	}
}

func TestMemorySetUnknownKey(t *testing.T) {
	s := NewMemory()

	err := s.Set(context.Background(), "nope", "value")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Set(unknown) = %v, want ErrUnknownKey", err)
	}
}

func TestMemoryResetAllRestoresDefaults(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for _, key := range []string{"main_header", "badge1", "badge2"} {
		if err := s.Set(ctx, key, "edited"); err != nil {
			t.Fatalf("Set %q: %v", key, err)
		}
	}

	if err := s.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	text, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for key, want := range DefaultText {
		if text[key] != want {
			t.Errorf("key %q = %q, want default %q", key, text[key], want)
		}
	}
}

func TestMemoryHistoryNonPositiveLimit(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "badge1", "written"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, limit := range []int{0, -1, -100} {
		records, err := s.GetHistory(ctx, limit)
		if err != nil {
			t.Fatalf("GetHistory(%d): %v", limit, err)
		}
		if len(records) != 0 {
			t.Errorf("GetHistory(%d) returned %d records, want none", limit, len(records))
		}
	}
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	writes := []string{"one", "two", "three", "four", "five"}
	for _, v := range writes {
		if err := s.Set(ctx, "badge1", v); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	records, err := s.GetHistory(ctx, 3)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (min of limit and writes)", len(records))
	}

	want := []string{"five", "four", "three"}
	for i, rec := range records {
		if rec.Value != want[i] {
			t.Errorf("record %d = %q, want %q", i, rec.Value, want[i])
		}
		if i > 0 && records[i-1].ChangedAt.Before(rec.ChangedAt) {
			t.Errorf("records not in descending time order at %d", i)
		}
	}

	// Limit larger than the number of writes returns everything.
	records, err = s.GetHistory(ctx, 100)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(records) != len(writes) {
		t.Errorf("got %d records, want %d", len(records), len(writes))
	}
}

func TestMemoryConcurrentSetsSettle(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, v := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(value string) {
			defer wg.Done()
			if err := s.Set(ctx, "button_text", value); err != nil {
				t.Errorf("Set(%q): %v", value, err)
			}
		}(v)
	}
	wg.Wait()

	text, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	got := text["button_text"]
	if got != "alpha" && got != "beta" {
		t.Errorf("button_text = %q, want one of the two written values", got)
	}

	// Both committed writes appear in history.
	records, err := s.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d history records, want 2", len(records))
	}
}

func TestMemoryFailSurfacesStoreErrors(t *testing.T) {
	s := NewMemory()
	boom := errors.New("store down")
	s.Fail(boom)

	if _, err := s.GetAll(context.Background()); !errors.Is(err, boom) {
		t.Errorf("GetAll = %v, want injected failure", err)
	}
	if err := s.Set(context.Background(), "badge1", "x"); !errors.Is(err, boom) {
		t.Errorf("Set = %v, want injected failure", err)
	}

	s.Fail(nil)
	if _, err := s.GetAll(context.Background()); err != nil {
		t.Errorf("GetAll after recovery: %v", err)
	}
}

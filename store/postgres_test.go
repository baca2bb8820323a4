package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return &Postgres{db: db}, mock
}

func TestPostgresGetAll(t *testing.T) {
	s, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow("main_header", "SAY GUGNAG").
		AddRow("button_text", "CLICK")
	mock.ExpectQuery("SELECT key, value FROM site_text").WillReturnRows(rows)

	text, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(text) != 2 {
		t.Fatalf("got %d keys, want 2", len(text))
	}
	if text["button_text"] != "CLICK" {
		t.Errorf("button_text = %q, want %q", text["button_text"], "CLICK")
	}
}

func TestPostgresGetAllQueryError(t *testing.T) {
	s, mock := newMockDB(t)

	mock.ExpectQuery("SELECT key, value FROM site_text").
		WillReturnError(errors.New("connection refused"))

	if _, err := s.GetAll(context.Background()); err == nil {
		t.Fatal("GetAll should surface the query error")
	}
}

func TestPostgresSetUpsertsAndAppendsHistory(t *testing.T) {
	s, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO site_text ").
		WithArgs("button_text", "CLICK").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO site_text_history ").
		WithArgs("button_text", "CLICK").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Set(context.Background(), "button_text", "CLICK"); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestPostgresSetRollsBackOnHistoryFailure(t *testing.T) {
	s, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO site_text ").
		WithArgs("button_text", "CLICK").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO site_text_history ").
		WithArgs("button_text", "CLICK").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.Set(context.Background(), "button_text", "CLICK"); err == nil {
		t.Fatal("Set should surface the history failure")
	}
}

func TestPostgresSetValidatesBeforeTouchingDB(t *testing.T) {
	s, _ := newMockDB(t)

	if err := s.Set(context.Background(), "button_text", ""); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("Set(empty) = %v, want ErrEmptyValue", err)
	}
	if err := s.Set(context.Background(), "made_up", "x"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Set(unknown) = %v, want ErrUnknownKey", err)
	}
}

func TestPostgresResetAllSkipsHistoryForUnchangedRows(t *testing.T) {
	s, mock := newMockDB(t)

	// Map iteration order is random, so every upsert reports "no change"
	// and the test expects zero history inserts.
	mock.ExpectBegin()
	for range DefaultText {
		mock.ExpectQuery("INSERT INTO site_text ").
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	}
	mock.ExpectCommit()

	if err := s.ResetAll(context.Background()); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
}

func TestPostgresResetAllAppendsHistoryForChangedRows(t *testing.T) {
	s, mock := newMockDB(t)

	now := time.Now()
	mock.ExpectBegin()
	for range DefaultText {
		mock.ExpectQuery("INSERT INTO site_text ").
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
		mock.ExpectExec("INSERT INTO site_text_history ").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	if err := s.ResetAll(context.Background()); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
}

func TestPostgresGetHistory(t *testing.T) {
	s, mock := newMockDB(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"key", "value", "changed_at"}).
		AddRow("badge1", "newest", now).
		AddRow("badge1", "older", now.Add(-time.Minute))
	mock.ExpectQuery("SELECT key, value, changed_at FROM site_text_history").
		WithArgs(2).
		WillReturnRows(rows)

	records, err := s.GetHistory(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Value != "newest" {
		t.Errorf("first record = %q, want %q", records[0].Value, "newest")
	}
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements TextStore backed by a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

var _ TextStore = (*Postgres)(nil)

// NewPostgres opens a connection to the database at the given URL, runs any
// pending migrations, and seeds the default text for keys not yet present.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Postgres{db: db}

	if err := s.seed(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	return s, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// seed inserts the default value for any key not yet present, so every known
// key has exactly one current value from first boot onward.
func (s *Postgres) seed(ctx context.Context) error {
	for key, value := range DefaultText {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO site_text (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING`,
			key, value,
		)
		if err != nil {
			return fmt.Errorf("seed %q: %w", key, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM site_text`)
	if err != nil {
		return nil, fmt.Errorf("query site text: %w", err)
	}
	defer rows.Close()

	text := make(map[string]string, len(DefaultText))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan site text: %w", err)
		}
		text[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site text: %w", err)
	}

	return text, nil
}

func (s *Postgres) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return ErrEmptyValue
	}
	if !KnownKey(key) {
		return ErrUnknownKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO site_text (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO site_text_history (key, value) VALUES ($1, $2)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("append history for %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set %q: %w", key, err)
	}
	return nil
}

func (s *Postgres) ResetAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for key, value := range DefaultText {
		// The WHERE clause skips rows already at the default, so history
		// only records resets that actually changed something.
		var updatedAt time.Time
		err := tx.QueryRowContext(ctx, `
			INSERT INTO site_text (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP
			WHERE site_text.value IS DISTINCT FROM EXCLUDED.value
			RETURNING updated_at`,
			key, value,
		).Scan(&updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reset %q: %w", key, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO site_text_history (key, value) VALUES ($1, $2)`,
			key, value,
		)
		if err != nil {
			return fmt.Errorf("append history for %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

func (s *Postgres) GetHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, changed_at FROM site_text_history
		ORDER BY changed_at DESC, id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return records, nil
}

package task

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const busyTimeoutMillis = 5000

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore migrates the schema at path and opens it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := migrateUp(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	// single writer, sqlite serializes anyway
	db.SetMaxOpenConns(1)
	return db, nil
}

// migrateUp uses its own connection because the migrator closes the handle it is given.
func migrateUp(path string) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		driver.Close()
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, t Task) error {
	request, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resultURLs sql.NullString
	if t.ResultURLs != nil {
		raw, err := json.Marshal(t.ResultURLs)
		if err != nil {
			return fmt.Errorf("encode result urls: %w", err)
		}
		resultURLs = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, status, request, result_urls, error_message, callback_url,
			prompt, negative_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			request = excluded.request,
			result_urls = excluded.result_urls,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Status), string(request), resultURLs, nullable(t.ErrorMessage), nullable(t.Request.CallbackURL),
		t.Request.Prompt, nullable(t.Request.NegativePrompt), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, request, result_urls, error_message, created_at, updated_at
		FROM tasks ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t                  Task
			status, request    string
			resultURLs, errMsg sql.NullString
			created, updated   int64
		)
		if err := rows.Scan(&t.ID, &status, &request, &resultURLs, &errMsg, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(request), &t.Request); err != nil {
			return nil, fmt.Errorf("decode request of %s: %w", t.ID, err)
		}
		if resultURLs.Valid {
			if err := json.Unmarshal([]byte(resultURLs.String), &t.ResultURLs); err != nil {
				return nil, fmt.Errorf("decode result urls of %s: %w", t.ID, err)
			}
		}
		t.Status = Status(status)
		t.ErrorMessage = errMsg.String
		t.CreatedAt = time.Unix(0, created).UTC()
		t.UpdatedAt = time.Unix(0, updated).UTC()
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

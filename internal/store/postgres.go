package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courtbot/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scheduled_activities (
	poll_message_id BIGINT PRIMARY KEY,
	activity_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	starts_at TIMESTAMPTZ NOT NULL,
	ends_at TIMESTAMPTZ NOT NULL,
	poll_opens_at TIMESTAMPTZ NOT NULL,
	poll_checks_at TIMESTAMPTZ NOT NULL,
	min_positive_votes INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'open',
	votes INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scheduled_activities_activity_id ON scheduled_activities(activity_id);

CREATE TABLE IF NOT EXISTS run_locks (
	name TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Postgres stores poll records in a table keyed by poll message id and
// implements KV on a separate table.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn, configures the pool and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &Postgres{db: db}
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// DB exposes the connection for components that keep their own tables here.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := p.db.GetContext(ctx, &v, `SELECT value FROM kv WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	return err
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := p.db.SelectContext(ctx, &keys, `SELECT key FROM kv WHERE starts_with(key, $1) ORDER BY key`, prefix)
	return keys, err
}

type activityRow struct {
	PollMessageID int64 `db:"poll_message_id"`
	models.ScheduledActivity
}

// PostgresActivities is the poll record table.
type PostgresActivities struct {
	db *sqlx.DB
}

// Activities returns the poll record store sharing p's connection.
func (p *Postgres) Activities() *PostgresActivities {
	return &PostgresActivities{db: p.db}
}

func (p *PostgresActivities) Put(ctx context.Context, pollMessageID int, act *models.ScheduledActivity) error {
	row := activityRow{PollMessageID: int64(pollMessageID), ScheduledActivity: *act}
	if row.State == "" {
		row.State = models.PollOpen
	}
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_activities
			(poll_message_id, activity_id, title, description, starts_at, ends_at,
			 poll_opens_at, poll_checks_at, min_positive_votes, state, votes)
		VALUES
			(:poll_message_id, :activity_id, :title, :description, :starts_at, :ends_at,
			 :poll_opens_at, :poll_checks_at, :min_positive_votes, :state, :votes)
		ON CONFLICT (poll_message_id) DO UPDATE SET
			state = EXCLUDED.state, votes = EXCLUDED.votes`, row)
	if err != nil {
		return fmt.Errorf("failed to store poll record %d: %w", pollMessageID, err)
	}
	return nil
}

// List returns every record. Rows that fail validation come back with Err set.
func (p *PostgresActivities) List(ctx context.Context) ([]models.ActivityRecord, error) {
	var rows []activityRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT poll_message_id, activity_id, title, description, starts_at, ends_at,
		       poll_opens_at, poll_checks_at, min_positive_votes, state, votes
		FROM scheduled_activities ORDER BY poll_message_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list poll records: %w", err)
	}
	records := make([]models.ActivityRecord, 0, len(rows))
	for _, r := range rows {
		act := r.ScheduledActivity
		rec := models.ActivityRecord{PollMessageID: int(r.PollMessageID), Key: PollKey(int(r.PollMessageID))}
		if err := act.Validate(); err != nil {
			rec.Err = fmt.Errorf("invalid poll record %d: %w", r.PollMessageID, err)
		} else {
			rec.Activity = &act
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *PostgresActivities) Delete(ctx context.Context, key string) error {
	id, err := strconv.ParseInt(strings.TrimPrefix(key, PollKeyPrefix), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid poll record key %q: %w", key, err)
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM scheduled_activities WHERE poll_message_id = $1`, id)
	return err
}

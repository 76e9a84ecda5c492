package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huikka/subathon/internal/models"
)

// PgxPool is a minimal abstraction over a Postgres connection pool,
// implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// DB wraps pgxpool.Pool to satisfy repository constructors and allow testing.
type DB struct{ Pool PgxPool }

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// Repo implements Store against Postgres. All three entities are singleton
// rows keyed by id=1, except events which is append-only.
type Repo struct{ db *DB }

// NewRepo constructs the Postgres ledger repository.
func NewRepo(db *DB) *Repo { return &Repo{db: db} }

// execer is satisfied by both PgxPool and pgx.Tx so the upsert statements can
// run standalone or inside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	selState = `SELECT is_active, start_time_unix, end_time_unix, time_remaining FROM subathon_state WHERE id=1`
	upState  = `INSERT INTO subathon_state (id, is_active, start_time_unix, end_time_unix, time_remaining, updated_at)
VALUES (1, $1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE SET is_active=EXCLUDED.is_active, start_time_unix=EXCLUDED.start_time_unix,
end_time_unix=EXCLUDED.end_time_unix, time_remaining=EXCLUDED.time_remaining, updated_at=now()`

	selConfig = `SELECT max_end_time, max_sleep_night, max_sleep_day, goals, points FROM subathon_config WHERE id=1`
	upConfig  = `INSERT INTO subathon_config (id, max_end_time, max_sleep_night, max_sleep_day, goals, points)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET max_end_time=EXCLUDED.max_end_time, max_sleep_night=EXCLUDED.max_sleep_night,
max_sleep_day=EXCLUDED.max_sleep_day, goals=EXCLUDED.goals, points=EXCLUDED.points`

	selEvents = `SELECT event, user_name, time FROM events ORDER BY time ASC, id ASC`
	insEvent  = `INSERT INTO events (event, user_name, time) VALUES ($1, $2, $3)`
	delEvents = `DELETE FROM events`
)

// TimerState returns the singleton timer row.
func (r *Repo) TimerState(ctx context.Context) (*models.TimerState, error) {
	var st models.TimerState
	row := r.db.Pool.QueryRow(ctx, selState)
	if err := row.Scan(&st.IsActive, &st.StartTimeUnix, &st.EndTimeUnix, &st.TimeRemaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read timer state: %w", err)
	}
	return &st, nil
}

// Config returns the singleton config row.
func (r *Repo) Config(ctx context.Context) (*models.SubathonConfig, error) {
	var (
		cfg   models.SubathonConfig
		goals []byte
	)
	row := r.db.Pool.QueryRow(ctx, selConfig)
	if err := row.Scan(&cfg.MaxEndTimeUnix, &cfg.MaxSleepTime.Night, &cfg.MaxSleepTime.Day, &goals, &cfg.Points); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(goals, &cfg.Goals); err != nil {
		return nil, fmt.Errorf("failed to decode goals: %w", err)
	}
	return &cfg, nil
}

// Events returns the session history ordered by occurrence time.
func (r *Repo) Events(ctx context.Context) ([]models.Event, error) {
	rows, err := r.db.Pool.Query(ctx, selEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.Event, &ev.User, &ev.Time); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertTimerState inserts or replaces the singleton timer row.
func (r *Repo) UpsertTimerState(ctx context.Context, state *models.TimerState) error {
	return upsertState(ctx, r.db.Pool, state)
}

// UpsertConfig inserts or replaces the singleton config row.
func (r *Repo) UpsertConfig(ctx context.Context, config *models.SubathonConfig) error {
	return upsertConfig(ctx, r.db.Pool, config)
}

// AppendEvent appends one entry to the session history.
func (r *Repo) AppendEvent(ctx context.Context, event *models.Event) error {
	return appendEvent(ctx, r.db.Pool, event)
}

// ClearEvents drops the whole session history.
func (r *Repo) ClearEvents(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, delEvents); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}

// CommitGrant persists the outcome of one grant in a single transaction.
func (r *Repo) CommitGrant(
	ctx context.Context, state *models.TimerState, config *models.SubathonConfig, event *models.Event,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin grant transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if state != nil {
		if err = upsertState(ctx, tx, state); err != nil {
			return err
		}
	}
	if config != nil {
		if err = upsertConfig(ctx, tx, config); err != nil {
			return err
		}
	}
	if event != nil {
		if err = appendEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

// ResetSession replaces state and config and clears the history atomically.
func (r *Repo) ResetSession(
	ctx context.Context, state *models.TimerState, config *models.SubathonConfig,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if err = upsertState(ctx, tx, state); err != nil {
		return err
	}
	if err = upsertConfig(ctx, tx, config); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, delEvents); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}

func upsertState(ctx context.Context, q execer, state *models.TimerState) error {
	_, err := q.Exec(ctx, upState, state.IsActive, state.StartTimeUnix, state.EndTimeUnix, state.TimeRemaining)
	if err != nil {
		return fmt.Errorf("failed to upsert timer state: %w", err)
	}
	return nil
}

func upsertConfig(ctx context.Context, q execer, config *models.SubathonConfig) error {
	goals, err := json.Marshal(config.Goals)
	if err != nil {
		return fmt.Errorf("failed to encode goals: %w", err)
	}
	_, err = q.Exec(ctx, upConfig,
		config.MaxEndTimeUnix, config.MaxSleepTime.Night, config.MaxSleepTime.Day, goals, config.Points)
	if err != nil {
		return fmt.Errorf("failed to upsert config: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, q execer, event *models.Event) error {
	if _, err := q.Exec(ctx, insEvent, event.Event, event.User, event.Time); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

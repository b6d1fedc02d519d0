// Package journal records kiosk events in SQLite and prunes old rows on a
// cron schedule.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	KindTransition = "transition"
	KindPayment    = "payment"
	KindSerial     = "serial"
	KindSession    = "session"
)

// DefaultRetention and DefaultPruneSchedule apply when unset.
const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultPruneSchedule = "@hourly"
	DefaultListLimit     = 100
	MaxListLimit         = 1000
)

var ErrClosed = errors.New("journal: closed")

// Event is one journal row.
type Event struct {
	ID      string    `json:"id"`
	Session string    `json:"session"`
	Kind    string    `json:"kind"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Config configures a Journal.
type Config struct {
	Path          string        `mapstructure:"path" yaml:"path"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
}

// Journal is an append-only event log.
type Journal struct {
	db        *sql.DB
	cron      *cron.Cron
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at cfg.Path.
// ":memory:" gives a private in-memory journal.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	j := &Journal{
		db:        db,
		retention: cfg.Retention,
		logger:    logger.With("component", "journal"),
		now:       time.Now,
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		detail TEXT,
		at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at_ms);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record stores ev, filling in ID and At when empty.
func (j *Journal) Record(ctx context.Context, ev Event) (Event, error) {
	if j.isClosed() {
		return ev, ErrClosed
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = j.now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, session, kind, from_state, to_state, detail, at_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Session, ev.Kind, ev.From, ev.To, ev.Detail, ev.At.UnixMilli(),
	)
	if err != nil {
		return ev, fmt.Errorf("journal: record: %w", err)
	}
	return ev, nil
}

// List returns up to limit events, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Event, error) {
	if j.isClosed() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session, kind, from_state, to_state, detail, at_ms FROM events ORDER BY at_ms DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev               Event
			from, to, detail sql.NullString
			atMs             int64
		)
		if err := rows.Scan(&ev.ID, &ev.Session, &ev.Kind, &from, &to, &detail, &atMs); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		ev.From, ev.To, ev.Detail = from.String, to.String, detail.String
		ev.At = time.UnixMilli(atMs).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	if j.isClosed() {
		return 0, ErrClosed
	}
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// StartPruning schedules retention pruning with a cron spec such as "@hourly"
// or "0 3 * * *".
func (j *Journal) StartPruning(spec string) error {
	if spec == "" {
		spec = DefaultPruneSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, j.pruneExpired); err != nil {
		return fmt.Errorf("journal: prune schedule %q: %w", spec, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.cron != nil {
		j.cron.Stop()
	}
	j.cron = c
	c.Start()
	return nil
}

func (j *Journal) pruneExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.logger.Warn("prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned journal", "rows", n, "retention", j.retention)
	}
}

// Close stops pruning and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	c := j.cron
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return j.db.Close()
}

func (j *Journal) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

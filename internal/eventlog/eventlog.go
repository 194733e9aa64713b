// Package eventlog persists watchdog events in SQLite and answers the
// statistics queries served by the API.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/routerwatch/internal/humanize"
	"github.com/HerbHall/routerwatch/internal/store"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"go.uber.org/zap"
)

const (
	component    = "eventlog"
	sqlTimestamp = "2006-01-02 15:04:05"

	// DefaultListLimit bounds List when the caller passes no limit.
	DefaultListLimit = 100
	// MaxListLimit caps any List request.
	MaxListLimit = 1000
)

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "create events table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS events (
					id        INTEGER     PRIMARY KEY AUTOINCREMENT NOT NULL,
					timestamp TIMESTAMP   DEFAULT CURRENT_TIMESTAMP NOT NULL,
					type      VARCHAR(16) NOT NULL,
					value     REAL        DEFAULT 0.0 NOT NULL
				)
			`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index events by type and time",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, timestamp)")
			return err
		},
	},
}

// Record is one stored event row.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"event_type"`
	Value     float64   `json:"value"`
}

// Log is the append-only event table.
type Log struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location
}

// Compile-time interface guard.
var _ watchdog.Notifier = (*Log)(nil)

// Option configures a Log.
type Option func(*Log)

// WithNow overrides the wall clock used for "today" boundaries and uptime.
func WithNow(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLocation sets the zone in which calendar days are counted.
func WithLocation(loc *time.Location) Option {
	return func(l *Log) { l.loc = loc }
}

// New migrates the events table and returns a ready Log.
func New(ctx context.Context, s *store.SQLiteStore, logger *zap.Logger, opts ...Option) (*Log, error) {
	if err := s.Migrate(ctx, component, migrations); err != nil {
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{db: s.DB(), logger: logger, now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Save appends ev. A zero timestamp is stamped with the current time.
func (l *Log) Save(ctx context.Context, ev watchdog.Event) (int64, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO events (timestamp, type, value) VALUES (?, ?, ?)",
		ts.UTC().Format(sqlTimestamp), ev.Kind.String(), ev.Value,
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s event: %w", ev.Kind, err)
	}
	return res.LastInsertId()
}

// Notify implements watchdog.Notifier. Storage failures are logged, not
// returned, so a full disk never stalls the monitor.
func (l *Log) Notify(ctx context.Context, ev watchdog.Event) {
	if _, err := l.Save(ctx, ev); err != nil {
		l.logger.Error("failed to save event", zap.Stringer("kind", ev.Kind), zap.Error(err))
	}
}

// List returns up to limit events, newest first. An empty kind matches all.
func (l *Log) List(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := "SELECT id, strftime('%Y-%m-%d %H:%M:%S', timestamp), type, value FROM events"
	args := []any{}
	if kind != "" {
		query += " WHERE type = ?"
		args = append(args, kind)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r  Record
			ts string
		)
		if err := rows.Scan(&r.ID, &ts, &r.Kind, &r.Value); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if r.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats summarises the log relative to now.
type Stats struct {
	LastReboot         *time.Time `json:"last_reboot,omitempty"`
	UptimeSeconds      float64    `json:"uptime_seconds,omitempty"`
	Uptime             string     `json:"uptime,omitempty"`
	RebootsToday       int        `json:"reboots_today"`
	AvgDownloadToday   *float64   `json:"avg_download_today,omitempty"`
	LastDownload       *float64   `json:"last_download,omitempty"`
	LastDownloadAt     *time.Time `json:"last_download_at,omitempty"`
	DownloadTestsToday int        `json:"download_tests_today"`
}

// Stats computes uptime since the last reboot attempt, today's reboot count
// and today's download figures. "Today" starts at local midnight.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	now := l.now()
	startOfDay := l.startOfDay(now).UTC().Format(sqlTimestamp)
	reboot := watchdog.KindRouterReboot.String()
	download := watchdog.KindDownloadTest.String()

	var last sql.NullString
	err := l.db.QueryRowContext(ctx,
		"SELECT strftime('%Y-%m-%d %H:%M:%S', max(timestamp)) FROM events WHERE type = ?", reboot,
	).Scan(&last)
	if err != nil {
		return st, fmt.Errorf("query last reboot: %w", err)
	}
	if last.Valid {
		ts, err := parseTimestamp(last.String)
		if err != nil {
			return st, err
		}
		uptime := now.Sub(ts)
		if uptime < 0 {
			uptime = 0
		}
		st.LastReboot = &ts
		st.UptimeSeconds = uptime.Seconds()
		st.Uptime = humanize.Interval(uptime, false)
	}

	err = l.db.QueryRowContext(ctx,
		"SELECT count(id) FROM events WHERE type = ? AND timestamp >= ?", reboot, startOfDay,
	).Scan(&st.RebootsToday)
	if err != nil {
		return st, fmt.Errorf("query reboots today: %w", err)
	}

	var avg sql.NullFloat64
	err = l.db.QueryRowContext(ctx,
		"SELECT avg(value), count(id) FROM events WHERE type = ? AND timestamp >= ?", download, startOfDay,
	).Scan(&avg, &st.DownloadTestsToday)
	if err != nil {
		return st, fmt.Errorf("query download today: %w", err)
	}
	if avg.Valid {
		st.AvgDownloadToday = &avg.Float64
	}

	var (
		lastValue float64
		lastAt    string
	)
	err = l.db.QueryRowContext(ctx,
		"SELECT value, strftime('%Y-%m-%d %H:%M:%S', timestamp) FROM events WHERE type = ? ORDER BY timestamp DESC, id DESC LIMIT 1",
		download,
	).Scan(&lastValue, &lastAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("query last download: %w", err)
	default:
		ts, err := parseTimestamp(lastAt)
		if err != nil {
			return st, err
		}
		st.LastDownload = &lastValue
		st.LastDownloadAt = &ts
	}

	return st, nil
}

// DailyPoint is one calendar day of an aggregated series.
type DailyPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Daily aggregates one kind per calendar day in the log's location, the
// same days Stats counts as today: reboots are counted, download samples
// are averaged. Other kinds are counted.
func (l *Log) Daily(ctx context.Context, kind watchdog.Kind) ([]DailyPoint, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT strftime('%Y-%m-%d %H:%M:%S', timestamp), value FROM events WHERE type = ? ORDER BY timestamp, id",
		kind.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("daily %s: %w", kind, err)
	}
	defer rows.Close()

	average := kind == watchdog.KindDownloadTest
	points := []DailyPoint{}
	var count int
	for rows.Next() {
		var (
			raw   string
			value float64
		)
		if err := rows.Scan(&raw, &value); err != nil {
			return nil, fmt.Errorf("scan daily %s: %w", kind, err)
		}
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}

		day := ts.In(l.loc).Format(time.DateOnly)
		if n := len(points); n == 0 || points[n-1].Date != day {
			points = append(points, DailyPoint{Date: day})
			count = 0
		}
		p := &points[len(points)-1]
		count++
		if average {
			p.Value += (value - p.Value) / float64(count)
		} else {
			p.Value = float64(count)
		}
	}
	return points, rows.Err()
}

func (l *Log) startOfDay(t time.Time) time.Time {
	local := t.In(l.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}

func parseTimestamp(s string) (time.Time, error) {
	ts, err := time.ParseInLocation(sqlTimestamp, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event timestamp %q: %w", s, err)
	}
	return ts, nil
}

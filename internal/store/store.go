package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists per-source dedup state and notification history.
type Store struct {
	db *sql.DB
}

// SourceState is the persisted novelty state of one source.
type SourceState struct {
	Name          string
	LastKnownID   string
	LastCheckTime time.Time
	UpdatedAt     time.Time
}

// Delivery is one attempted notification.
type Delivery struct {
	ID        string
	Source    string
	Kind      string // changelog, feed, error, test
	Title     string
	Body      string
	URL       string
	Mechanism string // empty when every mechanism failed
	Error     string
	CreatedAt time.Time
}

// Delivered reports whether some mechanism accepted the notification.
func (d Delivery) Delivered() bool { return d.Error == "" }

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return nil
}

// SaveSourceState records that lastKnownID was the newest item of name when
// it was checked at checkedAt.
func (s *Store) SaveSourceState(ctx context.Context, name, lastKnownID string, checkedAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("source name is required")
	}
	if strings.TrimSpace(lastKnownID) == "" {
		return errors.New("last_known_id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_state(name, last_known_id, last_check_time, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_known_id = excluded.last_known_id,
			last_check_time = excluded.last_check_time,
			updated_at = excluded.updated_at
	`, name, lastKnownID, formatTime(checkedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save source state %s: %w", name, err)
	}
	return nil
}

// TouchSourceCheck updates only the last check time, keeping the known ID.
func (s *Store) TouchSourceCheck(ctx context.Context, name string, checkedAt time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("source name is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_state(name, last_known_id, last_check_time, updated_at)
		VALUES(?, '', ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_check_time = excluded.last_check_time,
			updated_at = excluded.updated_at
	`, name, formatTime(checkedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("touch source %s: %w", name, err)
	}
	return nil
}

// LoadSourceStates returns every persisted source state keyed by name.
func (s *Store) LoadSourceStates(ctx context.Context) (map[string]SourceState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, last_known_id, last_check_time, updated_at
		FROM source_state
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query source state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := make(map[string]SourceState)
	for rows.Next() {
		st, err := scanSourceState(rows)
		if err != nil {
			return nil, err
		}
		states[st.Name] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source state: %w", err)
	}
	return states, nil
}

// RecordDelivery appends a history row. A missing ID or timestamp is filled in.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	if err := s.ready(); err != nil {
		return Delivery{}, err
	}
	if strings.TrimSpace(d.Source) == "" {
		return Delivery{}, errors.New("source is required")
	}
	if strings.TrimSpace(d.Kind) == "" {
		return Delivery{}, errors.New("kind is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries(id, source, kind, title, body, url, mechanism, error, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Source, d.Kind, d.Title, d.Body, nullString(d.URL), nullString(d.Mechanism), nullString(d.Error), formatTime(d.CreatedAt))
	if err != nil {
		return Delivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	return d, nil
}

// RecentDeliveries returns up to limit history rows, newest first.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, kind, title, body, url, mechanism, error, created_at
		FROM deliveries
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// PruneDeliveries deletes history older than retainDays and returns the
// number of rows removed. Non-positive retainDays keeps everything.
func (s *Store) PruneDeliveries(ctx context.Context, retainDays int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if retainDays <= 0 {
		return 0, nil
	}

	cutoff := formatTime(time.Now().AddDate(0, 0, -retainDays))
	res, err := s.db.ExecContext(ctx, "DELETE FROM deliveries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SourceDeliveryStats aggregates history for one source.
type SourceDeliveryStats struct {
	Source    string
	Total     int
	Failed    int
	LastSent  time.Time
	LastTitle string
}

// DeliveryStats returns per-source delivery aggregates since the given time.
func (s *Store) DeliveryStats(ctx context.Context, since time.Time) ([]SourceDeliveryStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.source,
			COUNT(*) AS total,
			SUM(CASE WHEN d.error IS NOT NULL AND d.error != '' THEN 1 ELSE 0 END) AS failed,
			MAX(d.created_at) AS last_sent,
			(SELECT title FROM deliveries l WHERE l.source = d.source ORDER BY l.created_at DESC, l.rowid DESC LIMIT 1) AS last_title
		FROM deliveries d
		WHERE d.created_at >= ?
		GROUP BY d.source
		ORDER BY d.source
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("get delivery stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []SourceDeliveryStats
	for rows.Next() {
		var (
			st       SourceDeliveryStats
			lastSent string
		)
		if err := rows.Scan(&st.Source, &st.Total, &st.Failed, &lastSent, &st.LastTitle); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		st.LastSent, err = parseTime(lastSent)
		if err != nil {
			return nil, fmt.Errorf("parse last_sent: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceState(scanner rowScanner) (SourceState, error) {
	var (
		st                   SourceState
		lastCheck, updatedAt string
	)
	if err := scanner.Scan(&st.Name, &st.LastKnownID, &lastCheck, &updatedAt); err != nil {
		return SourceState{}, fmt.Errorf("scan source state: %w", err)
	}

	var err error
	st.LastCheckTime, err = parseTime(lastCheck)
	if err != nil {
		return SourceState{}, fmt.Errorf("parse last_check_time: %w", err)
	}
	st.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return SourceState{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return st, nil
}

func scanDelivery(scanner rowScanner) (Delivery, error) {
	var (
		d                       Delivery
		urlVal, mechVal, errVal sql.NullString
		createdAt               string
	)
	if err := scanner.Scan(&d.ID, &d.Source, &d.Kind, &d.Title, &d.Body, &urlVal, &mechVal, &errVal, &createdAt); err != nil {
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.URL = urlVal.String
	d.Mechanism = mechVal.String
	d.Error = errVal.String

	var err error
	d.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return Delivery{}, fmt.Errorf("parse created_at: %w", err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// formatTime stores zero times as "" so an unset check time stays unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

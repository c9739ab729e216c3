// Package journal records channel sessions, outages and key transitions in sqlite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"keybridge/internal/input"
	"keybridge/internal/logger"
	"keybridge/internal/network"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("journal closed")

// Session is one connected period of the channel.
type Session struct {
	ID              string
	RemoteSessionID string
	ConnectedAt     time.Time
	DisconnectedAt  *time.Time

	// Attempts is the number of failed connection attempts before the session opened.
	Attempts int
}

// Outage is one disconnected period of the channel.
type Outage struct {
	ID          int64
	StartedAt   time.Time
	EndedAt     *time.Time
	ExhaustedAt *time.Time
	Attempts    int
}

// Entry is one recorded key transition.
type Entry struct {
	SessionID       string
	RemoteSessionID string
	Key       string
	Down      bool
	Delivered bool
	Error     string
	ClientTS  int64
}

// Journal writes asynchronously from a single goroutine so that recording
// never blocks the caller.
type Journal struct {
	db   *sql.DB
	ops  chan func(ctx context.Context)
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	// writer state
	session   string
	remoteID  string
	outage    int64
	attempts  int
	exhausted bool
}

func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:   db,
		ops:  make(chan func(ctx context.Context), 1024),
		done: make(chan struct{}),
	}
	go j.run()
	return j, nil
}

func (j *Journal) run() {
	defer close(j.done)
	ctx := context.Background()
	for op := range j.ops {
		op(ctx)
	}
}

func (j *Journal) enqueue(op func(ctx context.Context)) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ops <- op:
	default:
		logger.Warn("Journal: write queue full, dropping record")
	}
}

// Flush waits until everything recorded so far has been written.
func (j *Journal) Flush(ctx context.Context) error {
	written := make(chan struct{})
	j.enqueue(func(context.Context) { close(written) })
	select {
	case <-written:
		return nil
	case <-j.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

// RecordState tracks session and outage boundaries from channel status changes.
func (j *Journal) RecordState(st network.Status) {
	at := time.Now()
	j.enqueue(func(ctx context.Context) {
		if err := j.applyState(ctx, st, at); err != nil {
			logger.WarnF("Journal: record state: %v", err)
		}
	})
}

// RecordTransition stores a key transition against the current session.
func (j *Journal) RecordTransition(tr input.Transition, remoteSessionID string) {
	at := time.Now()
	j.enqueue(func(ctx context.Context) {
		var session any
		if j.session != "" {
			session = j.session
		}
		direction := "up"
		if tr.Down {
			direction = "down"
		}
		var errText any
		if tr.Err != nil {
			errText = tr.Err.Error()
		}
		_, err := j.db.ExecContext(ctx, `
INSERT INTO transitions(session_id, remote_session_id, key, direction, delivered, error, client_ts, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, session, remoteSessionID, tr.Key, direction, tr.Err == nil, errText, tr.Timestamp, ts(at))
		if err != nil {
			logger.WarnF("Journal: record transition: %v", err)
		}
	})
}

func (j *Journal) applyState(ctx context.Context, st network.Status, at time.Time) error {
	if st.Ready() {
		if j.outage != 0 {
			if _, err := j.db.ExecContext(ctx, `UPDATE outages SET ended_at = ? WHERE outage_id = ?`, ts(at), j.outage); err != nil {
				return err
			}
			j.outage = 0
			j.exhausted = false
		}
		if j.session == "" {
			j.session = uuid.NewString()
			j.remoteID = ""
			attempts := j.attempts
			j.attempts = 0
			if _, err := j.db.ExecContext(ctx, `INSERT INTO sessions(session_id, connected_at, attempts) VALUES (?, ?, ?)`, j.session, ts(at), attempts); err != nil {
				return err
			}
		}
		if st.SessionID != "" && st.SessionID != j.remoteID {
			j.remoteID = st.SessionID
			_, err := j.db.ExecContext(ctx, `UPDATE sessions SET remote_session_id = ? WHERE session_id = ?`, st.SessionID, j.session)
			return err
		}
		return nil
	}

	if j.session != "" {
		if _, err := j.db.ExecContext(ctx, `UPDATE sessions SET disconnected_at = ? WHERE session_id = ?`, ts(at), j.session); err != nil {
			return err
		}
		j.session = ""
	}
	if st.State != network.Disconnected {
		return nil
	}
	j.attempts = st.Attempts
	if j.outage == 0 {
		res, err := j.db.ExecContext(ctx, `INSERT INTO outages(started_at) VALUES (?)`, ts(at))
		if err != nil {
			return err
		}
		if j.outage, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	if _, err := j.db.ExecContext(ctx, `UPDATE outages SET attempts = ? WHERE outage_id = ?`, st.Attempts, j.outage); err != nil {
		return err
	}
	if st.Exhausted && !j.exhausted {
		j.exhausted = true
		_, err := j.db.ExecContext(ctx, `UPDATE outages SET exhausted_at = ? WHERE outage_id = ?`, ts(at), j.outage)
		return err
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT session_id, remote_session_id, connected_at, disconnected_at, attempts
FROM sessions ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s            Session
			connected    string
			disconnected sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.RemoteSessionID, &connected, &disconnected, &s.Attempts); err != nil {
			return nil, err
		}
		if s.ConnectedAt, err = parseTS(connected); err != nil {
			return nil, err
		}
		if s.DisconnectedAt, err = parseNullTS(disconnected); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Outages returns the most recent outages, newest first.
func (j *Journal) Outages(ctx context.Context, limit int) ([]Outage, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT outage_id, started_at, ended_at, exhausted_at, attempts
FROM outages ORDER BY outage_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outage
	for rows.Next() {
		var (
			o                Outage
			started          string
			ended, exhausted sql.NullString
		)
		if err := rows.Scan(&o.ID, &started, &ended, &exhausted, &o.Attempts); err != nil {
			return nil, err
		}
		if o.StartedAt, err = parseTS(started); err != nil {
			return nil, err
		}
		if o.EndedAt, err = parseNullTS(ended); err != nil {
			return nil, err
		}
		if o.ExhaustedAt, err = parseNullTS(exhausted); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Transitions returns the most recent key transitions in recording order.
func (j *Journal) Transitions(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT COALESCE(session_id, ''), remote_session_id, key, direction, delivered, COALESCE(error, ''), client_ts
FROM (SELECT * FROM transitions ORDER BY transition_id DESC LIMIT ?)
ORDER BY transition_id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			direction string
		)
		if err := rows.Scan(&e.SessionID, &e.RemoteSessionID, &e.Key, &direction, &e.Delivered, &e.Error, &e.ClientTS); err != nil {
			return nil, err
		}
		e.Down = direction == "down"
		out = append(out, e)
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Package journal keeps a SQLite record of every course run: the programs
// loaded, the commands sent and the targets found.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/timeutil"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("journal closed")

// Kind classifies an entry.
type Kind string

const (
	KindObstacleMap      Kind = "obstacle_map"
	KindProgramLoaded    Kind = "program_loaded"
	KindPlannerFailure   Kind = "planner_failure"
	KindMotorCommand     Kind = "motor_command"
	KindPhotoRequest     Kind = "photo_request"
	KindTargetDiscovered Kind = "target_discovered"
	KindFinished         Kind = "finished"
)

// None marks an unset Obstacle or Target.
const None = -1

// Entry is one journal line.
type Entry struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id"`
	Kind     Kind      `json:"kind"`
	Command  string    `json:"command,omitempty"`
	Obstacle int       `json:"obstacle"`
	Target   int       `json:"target"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Target is a recognition result tied to the obstacle it was taken at.
type Target struct {
	Obstacle int       `json:"obstacle"`
	Target   int       `json:"target"`
	At       time.Time `json:"at"`
}

// Run summarises one course run.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const queueSize = 256

type item struct {
	entry   Entry
	flushed chan struct{}
}

// Journal writes entries for one run on a background goroutine, so callers
// never wait on the database.
type Journal struct {
	db    *sql.DB
	path  string
	runID string
	clock timeutil.Clock

	mu     sync.Mutex
	closed bool
	queue  chan item
	wg     sync.WaitGroup
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens (creating if needed) the journal at path, migrates it and
// starts recording under runID.
func Open(path, runID string, clock timeutil.Clock) (*Journal, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	j := &Journal{
		db:    db,
		path:  path,
		runID: runID,
		clock: clock,
		queue: make(chan item, queueSize),
	}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO runs (run_id, started_unix_nanos) VALUES (?, ?)`,
		runID, clock.Now().UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record run %s: %w", runID, err)
	}

	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

// RunID returns the run entries are recorded under.
func (j *Journal) RunID() string { return j.runID }

// Record queues e for writing. RunID and At are filled in when unset. When
// the queue is full the entry is dropped and logged.
func (j *Journal) Record(e Entry) {
	if e.RunID == "" {
		e.RunID = j.runID
	}
	if e.At.IsZero() {
		e.At = j.clock.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- item{entry: e}:
	default:
		monitoring.Logf("[journal] queue full, dropped %s entry", e.Kind)
	}
}

// Sync waits until every entry recorded before the call has been written.
func (j *Journal) Sync(ctx context.Context) error {
	flushed := make(chan struct{})
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	select {
	case j.queue <- item{flushed: flushed}:
		j.mu.Unlock()
	case <-ctx.Done():
		j.mu.Unlock()
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes any queued entries and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for it := range j.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		if err := j.insert(it.entry); err != nil {
			monitoring.Logf("[journal] failed to write %s entry: %v", it.entry.Kind, err)
		}
	}
}

func nullable(v int) sql.NullInt64 {
	if v < 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func (j *Journal) insert(e Entry) error {
	_, err := j.db.Exec(
		`INSERT INTO entries (run_id, kind, command, obstacle, target, detail, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, string(e.Kind), e.Command, nullable(e.Obstacle), nullable(e.Target), e.Detail, e.At.UnixNano(),
	)
	if err != nil {
		return err
	}
	if e.Kind == KindFinished {
		_, err = j.db.Exec(`UPDATE runs SET finished_unix_nanos = ? WHERE run_id = ?`, e.At.UnixNano(), e.RunID)
	}
	return err
}

// Entries returns the most recent limit entries of runID, oldest first.
func (j *Journal) Entries(runID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT entry_id, run_id, kind, command, obstacle, target, detail, recorded_unix_nanos
		FROM (
			SELECT * FROM entries WHERE run_id = ? ORDER BY entry_id DESC LIMIT ?
		) ORDER BY entry_id ASC`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                Entry
			kind             string
			obstacle, target sql.NullInt64
			nanos            int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &kind, &e.Command, &obstacle, &target, &e.Detail, &nanos); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Obstacle, e.Target = None, None
		if obstacle.Valid {
			e.Obstacle = int(obstacle.Int64)
		}
		if target.Valid {
			e.Target = int(target.Int64)
		}
		e.At = time.Unix(0, nanos).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Targets returns the targets discovered during runID in discovery order.
func (j *Journal) Targets(runID string) ([]Target, error) {
	rows, err := j.db.Query(
		`SELECT obstacle, target, recorded_unix_nanos FROM entries
		WHERE run_id = ? AND kind = ? ORDER BY entry_id`, runID, string(KindTargetDiscovered))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var (
			t     Target
			nanos int64
		)
		if err := rows.Scan(&t.Obstacle, &t.Target, &nanos); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, nanos).UTC()
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// Runs returns the most recent runs, newest first.
func (j *Journal) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT run_id, started_unix_nanos, finished_unix_nanos FROM runs
		ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			at := time.Unix(0, finished.Int64).UTC()
			r.FinishedAt = &at
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

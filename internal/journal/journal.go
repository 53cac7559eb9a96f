// Package journal persists worker lifecycle events to DuckDB for post-hoc
// inspection. Journal writes are best effort: the orchestrator never fails an
// operation because the journal could not record it.
package journal

import (
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// EventKind classifies a journal entry.
type EventKind string

const (
	EventSpawned   EventKind = "SPAWNED"
	EventStarted   EventKind = "STARTED"
	EventPaused    EventKind = "PAUSED"
	EventResumed   EventKind = "RESUMED"
	EventReloaded  EventKind = "RELOADED"
	EventStopped   EventKind = "STOPPED"
	EventRestarted EventKind = "RESTARTED"
	EventErrored   EventKind = "ERRORED"
	EventExhausted EventKind = "EXHAUSTED"
)

// Event is one lifecycle record.
type Event struct {
	Time     time.Time
	WorkerID string
	Kind     EventKind
	State    types.WorkerState
	Detail   string
}

// Journal writes lifecycle events to a DuckDB database.
type Journal struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens the journal at the given path. An empty path opens an in-memory
// database, which is what tests and journal-less deployments use.
func Open(path string, log *logger.Logger) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeJournalWrite, err, "failed to open journal at %s", path)
	}

	j := &Journal{
		db:  db,
		log: log.Named("journal"),
	}

	if err := j.initialize(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return j, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS worker_events (
			event_time TIMESTAMP,
			worker_id TEXT,
			kind TEXT,
			state TEXT,
			detail TEXT
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalWrite, "failed to create worker_events table", err)
	}

	return nil
}

// Record appends one event. Failures are logged and swallowed.
func (j *Journal) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	sq := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	query, args, err := sq.Insert("worker_events").
		Columns("event_time", "worker_id", "kind", "state", "detail").
		Values(event.Time, event.WorkerID, string(event.Kind), string(event.State), event.Detail).
		ToSql()
	if err != nil {
		j.log.Warn("failed to build journal insert", zap.Error(err))

		return
	}

	if _, err := j.db.Exec(query, args...); err != nil {
		j.log.Warn("failed to record journal event",
			zap.String("worker_id", event.WorkerID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// Events returns the most recent events for a worker, newest first. A zero
// limit means no limit.
func (j *Journal) Events(workerID string, limit int) ([]Event, error) {
	sq := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	builder := sq.Select("event_time", "worker_id", "kind", "state", "detail").
		From("worker_events").
		Where(squirrel.Eq{"worker_id": workerID}).
		OrderBy("event_time DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQuery, "failed to build journal query", err)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeJournalQuery, err, "failed to query events for %s", workerID)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event Event
			kind  string
			state string
		)
		if err := rows.Scan(&event.Time, &event.WorkerID, &kind, &state, &event.Detail); err != nil {
			return nil, errors.Wrap(errors.ErrCodeJournalQuery, "failed to scan journal row", err)
		}
		event.Kind = EventKind(kind)
		event.State = types.WorkerState(state)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQuery, "journal row iteration failed", err)
	}

	return events, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

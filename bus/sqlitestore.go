package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per tool (0 = no count
	// pruning). The latest status.changed of each tool is always kept.
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events to a SQLite database.
// It satisfies the EventStore interface and supports WAL mode
// for concurrent read access and a background pruner goroutine.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	// Start background pruner if any retention is configured.
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

const eventColumns = `tool_id, session_id, seq, kind, time_ns, payload, trace_id, span_id`

// Append stores an event in the database.
func (s *SQLiteEventStore) Append(ctx context.Context, event Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ToolID,
		event.SessionID,
		event.Seq,
		string(event.Kind),
		event.Time.UnixNano(),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns events for a tool, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, toolID string, afterSeq uint64, limit int) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE tool_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{toolID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Recent returns the last limit events for a tool in Seq order.
func (s *SQLiteEventStore) Recent(ctx context.Context, toolID string, limit int) ([]Event, error) {
	if limit <= 0 {
		return s.List(ctx, toolID, 0, 0)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM (
			SELECT * FROM events WHERE tool_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: recent: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a tool, or for the whole store when
// toolID is empty.
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, toolID string) (uint64, error) {
	var seq sql.NullInt64
	var err error
	if toolID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE tool_id = ?`, toolID).Scan(&seq)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is never negative
}

// LatestOfKind returns the most recent event of kind for each tool.
func (s *SQLiteEventStore) LatestOfKind(ctx context.Context, kind EventKind) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events e
		 WHERE e.kind = ? AND e.tool_id != '' AND e.seq = (
			SELECT MAX(seq) FROM events WHERE kind = e.kind AND tool_id = e.tool_id
		 )
		 ORDER BY e.tool_id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: latest of kind: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ToolIDs returns distinct tool IDs from the store.
func (s *SQLiteEventStore) ToolIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tool_id FROM events WHERE tool_id != '' ORDER BY tool_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: tool ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan tool id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time_ns < ? AND id NOT IN (
				SELECT MAX(id) FROM events WHERE kind = ? GROUP BY tool_id
			)`, cutoff, string(EventStatusChanged),
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tool_id FROM events`)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune list tools: %w", err)
		}
		var toolIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("sqlitestore: prune scan tool id: %w", err)
			}
			toolIDs = append(toolIDs, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlitestore: prune rows err: %w", err)
		}

		for _, toolID := range toolIDs {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM events WHERE tool_id = ?
				   AND id NOT IN (SELECT id FROM events WHERE tool_id = ? ORDER BY seq DESC LIMIT ?)
				   AND id NOT IN (SELECT MAX(id) FROM events WHERE tool_id = ? AND kind = ?)`,
				toolID, toolID, s.cfg.RetentionCount, toolID, string(EventStatusChanged),
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", toolID, err)
			}
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e           Event
			kind        string
			timeNanos   int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.ToolID,
			&e.SessionID,
			&e.Seq,
			&kind,
			&timeNanos,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = EventKind(kind)
		e.Time = time.Unix(0, timeNanos).UTC()

		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{}
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)

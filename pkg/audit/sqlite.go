package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// SQLiteSink persists decisions to a SQLite database so the audit trail
// survives restarts and supports indexed queries.
type SQLiteSink struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite decision sink.
type SQLiteConfig struct {
	// Path is the database file. The special value ":memory:" keeps the
	// database in memory, which is useful in tests.
	Path string

	// MaxOpenConns bounds the connection pool. WAL mode allows several
	// concurrent readers alongside the single writer.
	MaxOpenConns int
}

// NewSQLiteSink opens the decision database and applies migrations.
func NewSQLiteSink(cfg SQLiteConfig) (*SQLiteSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to decision database: %w", err)
	}

	sink := &SQLiteSink{db: db}
	if err := sink.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return sink, nil
}

func (s *SQLiteSink) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			decision_type TEXT NOT NULL,
			result TEXT NOT NULL,
			reason TEXT,
			tool_name TEXT,
			agent_id TEXT,
			correlation_id TEXT,
			latency_ms REAL NOT NULL,
			context TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_correlation ON decisions(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_result ON decisions(result)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Write stores the batch inside one transaction. Re-delivered decisions are
// deduplicated on their primary key, so retried flushes are harmless.
func (s *SQLiteSink) Write(ctx context.Context, decisions []domain.PolicyDecision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO decisions
		(decision_id, timestamp, decision_type, result, reason, tool_name, agent_id, correlation_id, latency_ms, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, d := range decisions {
		var contextJSON []byte
		if len(d.Context) > 0 {
			contextJSON, err = json.Marshal(d.Context)
			if err != nil {
				contextJSON = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", d.Context)))
			}
		}
		if _, err := stmt.ExecContext(ctx,
			d.DecisionID,
			d.Timestamp.UnixNano(),
			d.DecisionType,
			string(d.Result),
			d.Reason,
			d.ToolName,
			d.AgentID,
			d.CorrelationID,
			d.LatencyMS,
			string(contextJSON),
			now,
		); err != nil {
			return fmt.Errorf("failed to insert decision %s: %w", d.DecisionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decision batch: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// QueryDecisions reads back stored decisions matching the filter, newest
// first.
func (s *SQLiteSink) QueryDecisions(ctx context.Context, filter QueryFilter) ([]domain.PolicyDecision, error) {
	query := `SELECT decision_id, timestamp, decision_type, result, reason, tool_name, agent_id, correlation_id, latency_ms, context
		FROM decisions WHERE 1=1`
	var args []any

	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if filter.Result != "" {
		query += " AND result = ?"
		args = append(args, string(filter.Result))
	}
	if filter.DecisionType != "" {
		query += " AND decision_type = ?"
		args = append(args, filter.DecisionType)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []domain.PolicyDecision
	for rows.Next() {
		var (
			d           domain.PolicyDecision
			ts          int64
			result      string
			contextJSON sql.NullString
		)
		if err := rows.Scan(&d.DecisionID, &ts, &d.DecisionType, &result, &d.Reason,
			&d.ToolName, &d.AgentID, &d.CorrelationID, &d.LatencyMS, &contextJSON); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		d.Timestamp = time.Unix(0, ts).UTC()
		d.Result = domain.DecisionResult(result)
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &d.Context)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Query is QueryDecisions with an internal timeout, matching Store's
// signature so the sink can back the HTTP read API directly.
func (s *SQLiteSink) Query(filter QueryFilter) ([]domain.PolicyDecision, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.QueryDecisions(ctx, filter)
}

var _ DecisionSink = (*SQLiteSink)(nil)

// Package store implements the orchestrator's command journal.
//
// The journal is what makes commands survive an offline node or an
// orchestrator restart:
// - commands for a node without a connection wait here as Queued
// - delivered commands are InProgress until the agent reports a terminal status
// - the final reassembled output is kept for later lookup
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/markus-barta/fleetplane/internal/protocol"
)

// ErrCommandNotFound is returned for an unknown command id.
var ErrCommandNotFound = errors.New("command not found")

// Command is one journaled command.
type Command struct {
	ID          string                 `json:"id"`
	NodeID      uuid.UUID              `json:"node_id"`
	Type        string                 `json:"type"`
	Payload     string                 `json:"payload"`
	Status      protocol.CommandStatus `json:"status"`
	Output      string                 `json:"output,omitempty"`
	Attempts    int                    `json:"attempts"`
	CreatedAt   time.Time              `json:"created_at"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// Store persists commands in SQLite.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
		now: time.Now,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	// A fixed time format keeps DATETIME columns comparable as text.
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Concurrent writers on separate connections hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id           TEXT PRIMARY KEY,
		node_id      TEXT NOT NULL,
		type         TEXT NOT NULL,
		payload      TEXT NOT NULL,
		status       TEXT NOT NULL,
		output       TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0,
		created_at   DATETIME NOT NULL,
		delivered_at DATETIME,
		finished_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_commands_node_status ON commands(node_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	`
	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMAND OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════

// CreateCommand journals a new command as Queued.
func (s *Store) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now()
	}
	// Timestamps compare as text; keep them all in UTC.
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.Status = protocol.StatusQueued
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, node_id, type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.NodeID.String(), cmd.Type, cmd.Payload, string(cmd.Status), cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

// MarkDelivered moves a Queued command to InProgress. It reports false when
// the command was not Queued, which means another delivery already took it.
func (s *Store) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, delivered_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
	`, string(protocol.StatusInProgress), s.now().UTC(), id, string(protocol.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordStatus stores a status reported by an agent together with the output
// accumulated so far. Terminal commands are never updated again, so a late
// or duplicated update cannot move a command backwards.
func (s *Store) RecordStatus(ctx context.Context, id string, status protocol.CommandStatus, output string) error {
	if !status.Valid() {
		return fmt.Errorf("record status: invalid status %q", status)
	}
	finishedAt := sql.NullTime{}
	if status.IsTerminal() {
		finishedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, output = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, string(status), nullString(output), finishedAt, id,
		string(protocol.StatusSuccess), string(protocol.StatusFailed))
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// GetCommand retrieves a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, type, payload, status, output, attempts, created_at, delivered_at, finished_at
		FROM commands WHERE id = ?
	`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// PendingCommands returns the Queued commands of a node, oldest first.
func (s *Store) PendingCommands(ctx context.Context, nodeID uuid.UUID) ([]*Command, error) {
	return s.queryCommands(ctx, `
		SELECT id, node_id, type, payload, status, output, attempts, created_at, delivered_at, finished_at
		FROM commands
		WHERE node_id = ? AND status = ?
		ORDER BY created_at, rowid
	`, nodeID.String(), string(protocol.StatusQueued))
}

// InFlightCommands returns every command left InProgress.
func (s *Store) InFlightCommands(ctx context.Context) ([]*Command, error) {
	return s.queryCommands(ctx, `
		SELECT id, node_id, type, payload, status, output, attempts, created_at, delivered_at, finished_at
		FROM commands
		WHERE status = ?
		ORDER BY created_at, rowid
	`, string(protocol.StatusInProgress))
}

// NodeCommands returns the most recent commands of a node.
func (s *Store) NodeCommands(ctx context.Context, nodeID uuid.UUID, limit int) ([]*Command, error) {
	return s.queryCommands(ctx, `
		SELECT id, node_id, type, payload, status, output, attempts, created_at, delivered_at, finished_at
		FROM commands
		WHERE node_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, nodeID.String(), limit)
}

// Requeue puts an InProgress command back to Queued so it is delivered
// again. It reports false when the command was no longer InProgress.
func (s *Store) Requeue(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, delivered_at = NULL
		WHERE id = ? AND status = ?
	`, string(protocol.StatusQueued), id, string(protocol.StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("requeue command: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// RETENTION
// ═══════════════════════════════════════════════════════════════════════════

// CleanupOldCommands removes finished commands older than retention.
func (s *Store) CleanupOldCommands(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM commands
		WHERE created_at < ? AND status IN (?, ?)
	`, cutoff, string(protocol.StatusSuccess), string(protocol.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("cleanup commands: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.log.Info().Int64("deleted", rows).Msg("cleaned up old commands")
	}
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*Command, error) {
	var cmd Command
	var nodeID, status string
	var output sql.NullString
	var deliveredAt, finishedAt sql.NullTime

	err := row.Scan(&cmd.ID, &nodeID, &cmd.Type, &cmd.Payload, &status, &output,
		&cmd.Attempts, &cmd.CreatedAt, &deliveredAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if cmd.NodeID, err = uuid.Parse(nodeID); err != nil {
		return nil, fmt.Errorf("command %s: bad node id: %w", cmd.ID, err)
	}
	cmd.Status = protocol.CommandStatus(status)
	cmd.Output = output.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		cmd.DeliveredAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		cmd.FinishedAt = &t
	}
	return &cmd, nil
}

func (s *Store) queryCommands(ctx context.Context, query string, args ...any) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping unreadable command row")
			continue
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package adapters

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateConversationStore brings the conversation schema up to date.
func MigrateConversationStore(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectTurso, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

// LibSQLConversationStore implements ConversationStore using LibSQL.
// The schema must be migrated with MigrateConversationStore first.
type LibSQLConversationStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLConversationStore creates a new LibSQL conversation store.
func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{
		db:  db,
		now: time.Now,
	}
}

// SaveRun stores the run summary and its messages in one transaction.
func (s *LibSQLConversationStore) SaveRun(ctx context.Context, rec ports.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := s.now().UnixNano()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, conversation_id, reason, turns, input_tokens, output_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.ConversationID, string(rec.Reason), rec.Turns,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.TotalTokens, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, msg := range rec.Messages {
		msgJSON, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_messages (conversation_id, run_id, role, message, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, rec.ConversationID, rec.RunID, string(msg.Role), string(msgJSON), createdAt)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// LoadHistory loads the last k messages for a conversation, oldest first.
func (s *LibSQLConversationStore) LoadHistory(ctx context.Context, conversationID string, k int) ([]ports.Message, error) {
	query := `
		SELECT message FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []ports.Message
	for rows.Next() {
		var msgJSON string
		if err := rows.Scan(&msgJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		var msg ports.Message
		if err := json.Unmarshal([]byte(msgJSON), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}

		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	RunID     string
	Reason    ports.TerminationReason
	Turns     int
	Usage     ports.Usage
	CreatedAt time.Time
}

// Runs lists the runs of a conversation, oldest first.
func (s *LibSQLConversationStore) Runs(ctx context.Context, conversationID string) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, reason, turns, input_tokens, output_tokens, total_tokens, created_at
		FROM runs
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			reason  string
			created int64
		)
		if err := rows.Scan(&r.RunID, &reason, &r.Turns, &r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Usage.TotalTokens, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Reason = ports.TerminationReason(reason)
		r.CreatedAt = time.Unix(0, created)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mailsift/mailsift/internal/model"
)

// Tracker is the durable record of which message UIDs have already been
// processed. It also keeps a catalog of stored attachments and their
// summary artifacts. Backed by a local SQLite database.
type Tracker struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// AttachmentRecord is a catalog row for one persisted attachment.
type AttachmentRecord struct {
	ID           string
	MessageUID   uint32
	OriginalName string
	StoredPath   string
	ContentType  string
	SizeBytes    int64
	SavedAt      time.Time
}

// NewTracker opens (or creates) the tracker database at dbPath, enables
// WAL mode, and runs any pending schema migrations. A corrupt database
// file is moved aside and replaced with a fresh one: the tracker then
// reports nothing as processed, which can re-download attachments but
// never loses data thanks to the file store's collision handling.
func NewTracker(dbPath string, log zerolog.Logger) (*Tracker, error) {
	db, err := open(dbPath)
	if err != nil && dbPath != ":memory:" {
		log.Warn().Err(err).Str("path", dbPath).
			Msg("tracker database unreadable, starting fresh")

		aside := dbPath + ".corrupt"
		if renameErr := os.Rename(dbPath, aside); renameErr != nil {
			return nil, fmt.Errorf("moving corrupt tracker db aside: %w", renameErr)
		}
		db, err = open(dbPath)
	}
	if err != nil {
		return nil, err
	}

	return &Tracker{db: db, log: log}, nil
}

func open(dbPath string) (*sqlx.DB, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating tracker directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening tracker db: %w", err)
	}

	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)

	// WAL keeps the database readable through a crash mid-write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

// Close closes the underlying database connection.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func runMigrations(db *sqlx.DB) error {
	currentVersion := 0

	var tableCount int
	err := db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// IsProcessed reports whether the message UID has already been handled.
func (t *Tracker) IsProcessed(ctx context.Context, uid uint32) (bool, error) {
	var count int
	err := t.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM processed_messages WHERE uid = ?", uid,
	)
	if err != nil {
		return false, fmt.Errorf("checking processed uid %d: %w", uid, err)
	}
	return count > 0, nil
}

// MarkProcessed durably records the message UID with its outcome.
// Idempotent: marking an already-processed UID again is a no-op and the
// original outcome is kept.
func (t *Tracker) MarkProcessed(
	ctx context.Context, uid uint32, outcome model.Outcome,
) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (uid, outcome, processed_at)
		VALUES (?, ?, ?)`,
		uid, string(outcome), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking uid %d processed: %w", uid, err)
	}
	return nil
}

// Record returns the processed record for a UID, or nil when absent.
func (t *Tracker) Record(
	ctx context.Context, uid uint32,
) (*model.ProcessedRecord, error) {
	row := t.db.QueryRowxContext(ctx,
		"SELECT uid, outcome, processed_at FROM processed_messages WHERE uid = ?",
		uid,
	)

	var (
		rec     model.ProcessedRecord
		outcome string
	)
	err := row.Scan(&rec.UID, &outcome, &rec.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading record for uid %d: %w", uid, err)
	}
	rec.Outcome = model.Outcome(outcome)
	return &rec, nil
}

// RecordAttachment inserts a catalog row for a stored attachment and
// returns its generated ID.
func (t *Tracker) RecordAttachment(
	ctx context.Context, rec AttachmentRecord,
) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO attachments (
			id, message_uid, original_name, stored_path,
			content_type, size_bytes, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageUID, rec.OriginalName, rec.StoredPath,
		rec.ContentType, rec.SizeBytes, rec.SavedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("recording attachment %s: %w", rec.StoredPath, err)
	}
	return rec.ID, nil
}

// RecordSummary inserts a catalog row for a generated summary artifact.
func (t *Tracker) RecordSummary(
	ctx context.Context, attachmentID string, artifact model.SummaryArtifact,
) error {
	id := artifact.ID
	if id == "" {
		id = uuid.New().String()
	}
	generatedAt := artifact.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO summaries (id, attachment_id, stored_path, model, generated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, attachmentID, artifact.SummaryPath, artifact.Model, generatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording summary %s: %w", artifact.SummaryPath, err)
	}
	return nil
}

// CountProcessed returns the number of processed-message records.
func (t *Tracker) CountProcessed(ctx context.Context) (int, error) {
	var count int
	err := t.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM processed_messages")
	if err != nil {
		return 0, fmt.Errorf("counting processed messages: %w", err)
	}
	return count, nil
}

// Attachments returns the catalog rows for a message UID in saved order.
func (t *Tracker) Attachments(
	ctx context.Context, uid uint32,
) ([]AttachmentRecord, error) {
	rows, err := t.db.QueryxContext(ctx, `
		SELECT id, message_uid, original_name, stored_path,
		       content_type, size_bytes, saved_at
		FROM attachments WHERE message_uid = ? ORDER BY saved_at`,
		uid,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attachments for uid %d: %w", uid, err)
	}
	defer rows.Close()

	var recs []AttachmentRecord
	for rows.Next() {
		var rec AttachmentRecord
		err := rows.Scan(
			&rec.ID, &rec.MessageUID, &rec.OriginalName, &rec.StoredPath,
			&rec.ContentType, &rec.SizeBytes, &rec.SavedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/modulo/pkg/plugins"
)

// SQLStore is a Store backed by database/sql. The schema sticks to types
// shared by PostgreSQL and SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the submission tables if needed and returns the store
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLStore{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure submission tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) ensureTables() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS plugin_submissions (
			id VARCHAR(36) PRIMARY KEY,
			prior_id VARCHAR(36),
			plugin_name VARCHAR(100) NOT NULL,
			version VARCHAR(100) NOT NULL,
			description TEXT NOT NULL,
			developer_name VARCHAR(100) NOT NULL,
			developer_email VARCHAR(255) NOT NULL,
			category VARCHAR(50),
			license VARCHAR(100),
			binary_ref VARCHAR(255) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			size_bytes BIGINT NOT NULL,
			status VARCHAR(30) NOT NULL,
			findings TEXT,
			reviewer VARCHAR(255),
			rationale TEXT,
			descriptor TEXT,
			submitted_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			published_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_submissions_status ON plugin_submissions(status, submitted_at)`,
		`CREATE TABLE IF NOT EXISTS plugin_submission_events (
			submission_id VARCHAR(36) NOT NULL,
			from_status VARCHAR(30),
			to_status VARCHAR(30) NOT NULL,
			actor VARCHAR(255),
			note TEXT,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_submission_events_submission ON plugin_submission_events(submission_id, at)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const selectSubmission = `
	SELECT id, prior_id, plugin_name, version, description, developer_name,
	       developer_email, category, license, binary_ref, checksum, size_bytes,
	       status, findings, reviewer, rationale, descriptor,
	       submitted_at, updated_at, published_at
	FROM plugin_submissions`

func (s *SQLStore) Create(ctx context.Context, sub *Submission, ev Event) error {
	findings, descriptor, err := encodeJSONColumns(sub)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plugin_submissions (
			id, prior_id, plugin_name, version, description, developer_name,
			developer_email, category, license, binary_ref, checksum, size_bytes,
			status, findings, reviewer, rationale, descriptor,
			submitted_at, updated_at, published_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		sub.ID, nullString(sub.PriorID), sub.PluginName, sub.Version, sub.Description, sub.DeveloperName,
		sub.DeveloperEmail, nullString(sub.Category), nullString(sub.License), sub.BinaryRef, sub.Checksum, sub.SizeBytes,
		string(sub.Status), findings, nullString(sub.Reviewer), nullString(sub.Rationale), descriptor,
		sub.SubmittedAt, sub.UpdatedAt, sub.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit submission: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Submission, error) {
	return getSubmission(ctx, s.db, id)
}

func (s *SQLStore) Transition(ctx context.Context, id string, from Status, update func(*Submission), ev Event) (*Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getSubmission(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, ErrConflict
	}

	next := current.Clone()
	update(next)
	findings, descriptor, err := encodeJSONColumns(next)
	if err != nil {
		return nil, err
	}

	// The status guard makes the update a compare-and-set even when two
	// writers read the same row.
	res, err := tx.ExecContext(ctx, `
		UPDATE plugin_submissions
		SET status = $1, findings = $2, reviewer = $3, rationale = $4,
		    descriptor = $5, updated_at = $6, published_at = $7
		WHERE id = $8 AND status = $9
	`,
		string(next.Status), findings, nullString(next.Reviewer), nullString(next.Rationale),
		descriptor, next.UpdatedAt, next.PublishedAt,
		id, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update submission: %w", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return next, nil
}

func (s *SQLStore) History(ctx context.Context, id string) ([]Event, error) {
	if _, err := getSubmission(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, from_status, to_status, actor, note, at
		FROM plugin_submission_events
		WHERE submission_id = $1
		ORDER BY at ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission history: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev                Event
			to                string
			from, actor, note sql.NullString
		)
		if err := rows.Scan(&ev.SubmissionID, &from, &to, &actor, &note, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan submission event: %w", err)
		}
		ev.From = Status(from.String)
		ev.To = Status(to)
		ev.Actor = actor.String
		ev.Note = note.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, selectSubmission+`
		WHERE status = $1
		ORDER BY submitted_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	out := []*Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getSubmission(ctx context.Context, q queryer, id string) (*Submission, error) {
	row := q.QueryRowContext(ctx, selectSubmission+` WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func scanSubmission(row scanner) (*Submission, error) {
	var (
		sub                                   Submission
		status                                string
		priorID, category, license            sql.NullString
		findings, reviewer, rationale, descJS sql.NullString
		publishedAt                           sql.NullTime
	)
	err := row.Scan(&sub.ID, &priorID, &sub.PluginName, &sub.Version, &sub.Description, &sub.DeveloperName,
		&sub.DeveloperEmail, &category, &license, &sub.BinaryRef, &sub.Checksum, &sub.SizeBytes,
		&status, &findings, &reviewer, &rationale, &descJS,
		&sub.SubmittedAt, &sub.UpdatedAt, &publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan submission: %w", err)
	}

	sub.Status = Status(status)
	sub.PriorID = priorID.String
	sub.Category = category.String
	sub.License = license.String
	sub.Reviewer = reviewer.String
	sub.Rationale = rationale.String
	if publishedAt.Valid {
		t := publishedAt.Time
		sub.PublishedAt = &t
	}
	if findings.String != "" {
		if err := json.Unmarshal([]byte(findings.String), &sub.Findings); err != nil {
			return nil, fmt.Errorf("failed to decode submission findings: %w", err)
		}
	}
	if descJS.String != "" {
		var d plugins.Descriptor
		if err := json.Unmarshal([]byte(descJS.String), &d); err != nil {
			return nil, fmt.Errorf("failed to decode submission descriptor: %w", err)
		}
		sub.Descriptor = &d
	}
	return &sub, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO plugin_submission_events (submission_id, from_status, to_status, actor, note, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.SubmissionID, nullString(string(ev.From)), string(ev.To), nullString(ev.Actor), nullString(ev.Note), ev.At)
	if err != nil {
		return fmt.Errorf("failed to insert submission event: %w", err)
	}
	return nil
}

func encodeJSONColumns(sub *Submission) (findings, descriptor sql.NullString, err error) {
	if len(sub.Findings) > 0 {
		b, err := json.Marshal(sub.Findings)
		if err != nil {
			return findings, descriptor, fmt.Errorf("failed to marshal findings: %w", err)
		}
		findings = sql.NullString{String: string(b), Valid: true}
	}
	if sub.Descriptor != nil {
		b, err := json.Marshal(sub.Descriptor)
		if err != nil {
			return findings, descriptor, fmt.Errorf("failed to marshal descriptor: %w", err)
		}
		descriptor = sql.NullString{String: string(b), Valid: true}
	}
	return findings, descriptor, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

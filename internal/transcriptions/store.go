package transcriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vocaline/transcribe-relay/internal/logger"
)

// ErrNotFound is returned when no record exists for a conversation.
var ErrNotFound = errors.New("transcription not found")

// Store persists transcription records.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore creates a transcription store.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("transcriptions"),
	}
}

// Upsert writes one record keyed by conversation ID. Status is guarded in
// SQL so that a late periodic write can never downgrade a terminal status:
// IN_PROGRESS loses to any terminal state already stored, and NO_DATA loses
// to COMPLETED. Every update bumps the version.
func (s *Store) Upsert(ctx context.Context, p UpsertParams) error {
	query := `
		INSERT INTO transcriptions
			(id, organization_id, duration_in_ms, model_name, target_language, source_language,
			 transcription_result, translation_result, vocabularies, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			duration_in_ms = EXCLUDED.duration_in_ms,
			transcription_result = EXCLUDED.transcription_result,
			translation_result = EXCLUDED.translation_result,
			vocabularies = EXCLUDED.vocabularies,
			target_language = CASE WHEN $11 THEN EXCLUDED.target_language ELSE transcriptions.target_language END,
			source_language = CASE WHEN $11 THEN EXCLUDED.source_language ELSE transcriptions.source_language END,
			status = CASE
				WHEN transcriptions.status != 'IN_PROGRESS' AND EXCLUDED.status = 'IN_PROGRESS' THEN transcriptions.status
				WHEN transcriptions.status = 'COMPLETED' AND EXCLUDED.status = 'NO_DATA' THEN transcriptions.status
				ELSE EXCLUDED.status
			END,
			version = transcriptions.version + 1,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.OrganizationID, p.DurationInMs, p.ModelName,
		p.TargetLanguage, p.SourceLanguage,
		p.TranscriptionResult, p.TranslationResult, p.Vocabularies,
		p.Status, p.Final,
	)
	if err != nil {
		s.logger.Error("failed to upsert transcription",
			slog.String("conversation_id", p.ID),
			slog.String("status", p.Status),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to upsert transcription: %w", err)
	}

	s.logger.Debug("transcription upserted",
		slog.String("conversation_id", p.ID),
		slog.String("status", p.Status),
		slog.Int64("duration_ms", p.DurationInMs),
		slog.Bool("final", p.Final))
	return nil
}

// Get loads one record by conversation ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, organization_id, duration_in_ms, model_name, target_language, source_language,
		       transcription_result, translation_result, vocabularies, status, version,
		       created_at, updated_at
		FROM transcriptions
		WHERE id = $1
	`

	var r Record
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.OrganizationID, &r.DurationInMs, &r.ModelName,
		&r.TargetLanguage, &r.SourceLanguage,
		&r.TranscriptionResult, &r.TranslationResult, &r.Vocabularies,
		&r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transcription: %w", err)
	}
	return &r, nil
}

// ListByOrganization returns an organization's records, newest first.
func (s *Store) ListByOrganization(ctx context.Context, orgID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, organization_id, duration_in_ms, model_name, target_language, source_language,
		       transcription_result, translation_result, vocabularies, status, version,
		       created_at, updated_at
		FROM transcriptions
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcriptions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.OrganizationID, &r.DurationInMs, &r.ModelName,
			&r.TargetLanguage, &r.SourceLanguage,
			&r.TranscriptionResult, &r.TranslationResult, &r.Vocabularies,
			&r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcription: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcriptions: %w", err)
	}

	return records, nil
}

// FailStale marks IN_PROGRESS rows older than maxAge as FAILED. Sessions
// killed without finalization (process crash, OOM) otherwise stay
// IN_PROGRESS forever.
func (s *Store) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `
		UPDATE transcriptions
		SET status = 'FAILED', version = version + 1, updated_at = NOW()
		WHERE status = 'IN_PROGRESS' AND updated_at < NOW() - $1::interval
	`

	result, err := s.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale transcriptions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count stale transcriptions: %w", err)
	}
	if n > 0 {
		s.logger.Info("stale transcriptions marked failed", slog.Int64("count", n))
	}
	return n, nil
}

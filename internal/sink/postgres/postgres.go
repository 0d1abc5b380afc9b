// Package postgres appends final transcriptions to a PostgreSQL transcripts
// table. Interim events are ignored.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/glassline/internal/sink"
	"github.com/MrWong99/glassline/internal/transcription"
)

var _ sink.Sink = (*Store)(nil)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id            BIGSERIAL    PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    stream_key    TEXT         NOT NULL,
    utterance_id  TEXT         NOT NULL,
    speaker_id    TEXT         NOT NULL DEFAULT '',
    language      TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
    start_ms      BIGINT       NOT NULL DEFAULT 0,
    end_ms        BIGINT       NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (user_id, stream_key, utterance_id)
);

CREATE INDEX IF NOT EXISTS idx_transcripts_user_created
    ON transcripts (user_id, created_at);
`

// Migrate creates the transcripts table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("postgres: migrate transcripts: %w", err)
	}
	return nil
}

// Transcript is one stored final utterance.
type Transcript struct {
	UserID      string
	Key         string
	UtteranceID string
	SpeakerID   string
	Language    string
	Text        string
	Confidence  float64
	Start       time.Duration
	End         time.Duration
	CreatedAt   time.Time
}

// Store is the transcript log. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and migrates the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Name returns "postgres".
func (s *Store) Name() string { return "postgres" }

// Consume stores ev if it is final. A repeated final for the same utterance
// overwrites the earlier row.
func (s *Store) Consume(ctx context.Context, userID string, ev transcription.Event) error {
	if !ev.IsFinal || ev.Text == "" {
		return nil
	}
	const q = `
		INSERT INTO transcripts
		    (user_id, stream_key, utterance_id, speaker_id, language, text, confidence, start_ms, end_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, stream_key, utterance_id) DO UPDATE
		SET text = EXCLUDED.text,
		    speaker_id = EXCLUDED.speaker_id,
		    language = EXCLUDED.language,
		    confidence = EXCLUDED.confidence,
		    end_ms = EXCLUDED.end_ms`

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		userID,
		ev.Key,
		ev.UtteranceID,
		ev.SpeakerID,
		ev.Language,
		ev.Text,
		ev.Confidence,
		ev.Start.Milliseconds(),
		ev.End.Milliseconds(),
		ts,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert transcript: %w", err)
	}
	return nil
}

// Recent returns the final transcripts of userID created since since, oldest
// first.
func (s *Store) Recent(ctx context.Context, userID string, since time.Time) ([]Transcript, error) {
	const q = `
		SELECT user_id, stream_key, utterance_id, speaker_id, language, text, confidence, start_ms, end_ms, created_at
		FROM   transcripts
		WHERE  user_id = $1 AND created_at >= $2
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: query transcripts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transcript, error) {
		var (
			t              Transcript
			startMS, endMS int64
		)
		err := row.Scan(&t.UserID, &t.Key, &t.UtteranceID, &t.SpeakerID, &t.Language,
			&t.Text, &t.Confidence, &startMS, &endMS, &t.CreatedAt)
		t.Start = time.Duration(startMS) * time.Millisecond
		t.End = time.Duration(endMS) * time.Millisecond
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transcripts: %w", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"node.town/babelfish/lang"
)

// Recorder keeps analytics about speakers and listeners. Ending a record
// that is already ended is a no-op.
type Recorder interface {
	StartSpeakerSession(ctx context.Context, sessionID string) error
	EndSpeakerSession(ctx context.Context, sessionID string, wordCount int) error
	StartListenerConnection(ctx context.Context, sessionID string, l lang.Language) error
	EndListenerConnection(ctx context.Context, sessionID string) error
}

type Nop struct{}

func (Nop) StartSpeakerSession(context.Context, string) error                     { return nil }
func (Nop) EndSpeakerSession(context.Context, string, int) error                  { return nil }
func (Nop) StartListenerConnection(context.Context, string, lang.Language) error { return nil }
func (Nop) EndListenerConnection(context.Context, string) error                   { return nil }

type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

func (p *Postgres) StartSpeakerSession(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO speaker_sessions (session_id, started_at) VALUES ($1, $2)`,
		sessionID, p.now(),
	)
	if err != nil {
		return fmt.Errorf("start speaker session: %w", err)
	}
	return nil
}

func (p *Postgres) EndSpeakerSession(ctx context.Context, sessionID string, wordCount int) error {
	now := p.now()
	_, err := p.pool.Exec(ctx, `
		UPDATE speaker_sessions
		SET ended_at = $2,
		    duration_seconds = EXTRACT(EPOCH FROM ($2 - started_at))::integer,
		    word_count = $3,
		    updated_at = $2
		WHERE session_id = $1 AND ended_at IS NULL`,
		sessionID, now, wordCount,
	)
	if err != nil {
		return fmt.Errorf("end speaker session: %w", err)
	}
	return nil
}

func (p *Postgres) StartListenerConnection(ctx context.Context, sessionID string, l lang.Language) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO listener_connections (session_id, language, connected_at) VALUES ($1, $2, $3)`,
		sessionID, string(l), p.now(),
	)
	if err != nil {
		return fmt.Errorf("start listener connection: %w", err)
	}
	return nil
}

func (p *Postgres) EndListenerConnection(ctx context.Context, sessionID string) error {
	now := p.now()
	_, err := p.pool.Exec(ctx, `
		UPDATE listener_connections
		SET disconnected_at = $2,
		    duration_seconds = EXTRACT(EPOCH FROM ($2 - connected_at))::integer,
		    updated_at = $2
		WHERE session_id = $1 AND disconnected_at IS NULL`,
		sessionID, now,
	)
	if err != nil {
		return fmt.Errorf("end listener connection: %w", err)
	}
	return nil
}

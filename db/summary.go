package db

import (
	"context"
	"fmt"
	"time"
)

type Summary struct {
	ActiveSpeakers    int
	ActiveListeners   int
	ListenersByLang   map[string]int
	TodaySessions     int
	TodayListeners    int
	TodaySpeakingTime time.Duration
	WeekSessions      int
	WeekListeners     int
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the most recent Monday at midnight.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func (p *Postgres) Summary(ctx context.Context) (*Summary, error) {
	now := p.now()
	today := startOfDay(now)
	week := startOfWeek(now)

	s := &Summary{ListenersByLang: make(map[string]int)}
	var speakingSeconds int64

	err := p.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM speaker_sessions WHERE ended_at IS NULL),
			(SELECT count(*) FROM listener_connections WHERE disconnected_at IS NULL),
			(SELECT count(*) FROM speaker_sessions WHERE started_at >= $1),
			(SELECT count(*) FROM listener_connections WHERE connected_at >= $1),
			(SELECT coalesce(sum(duration_seconds), 0) FROM speaker_sessions
				WHERE started_at >= $1 AND ended_at IS NOT NULL),
			(SELECT count(*) FROM speaker_sessions WHERE started_at >= $2),
			(SELECT count(*) FROM listener_connections WHERE connected_at >= $2)`,
		today, week,
	).Scan(
		&s.ActiveSpeakers,
		&s.ActiveListeners,
		&s.TodaySessions,
		&s.TodayListeners,
		&speakingSeconds,
		&s.WeekSessions,
		&s.WeekListeners,
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	s.TodaySpeakingTime = time.Duration(speakingSeconds) * time.Second

	rows, err := p.pool.Query(ctx, `
		SELECT language, count(*) FROM listener_connections
		WHERE disconnected_at IS NULL GROUP BY language`)
	if err != nil {
		return nil, fmt.Errorf("listeners by language: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var language string
		var n int
		if err := rows.Scan(&language, &n); err != nil {
			return nil, fmt.Errorf("listeners by language: %w", err)
		}
		s.ListenersByLang[language] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listeners by language: %w", err)
	}

	return s, nil
}

// FormatDuration renders whole seconds as "1h 2m 3s", "2m 3s" or "3s".
func FormatDuration(d time.Duration) string {
	total := int(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

package db

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"node.town/babelfish/lang"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{61 * time.Second, "1m 1s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h 2m 3s"},
		{3 * time.Hour, "3h 0m 0s"},
		{1500 * time.Millisecond, "1s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStartOfWeek(t *testing.T) {
	// 2026-10-16 is a Friday.
	fri := time.Date(2026, 10, 16, 15, 30, 0, 0, time.UTC)
	want := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	if got := startOfWeek(fri); !got.Equal(want) {
		t.Errorf("startOfWeek(friday) = %v, want %v", got, want)
	}

	sun := time.Date(2026, 10, 18, 1, 0, 0, 0, time.UTC)
	if got := startOfWeek(sun); !got.Equal(want) {
		t.Errorf("startOfWeek(sunday) = %v, want %v", got, want)
	}

	mon := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	if got := startOfWeek(mon); !got.Equal(mon) {
		t.Errorf("startOfWeek(monday) = %v", got)
	}
}

func TestMigrationIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, m := range migrations {
		if seen[m.ID] {
			t.Errorf("duplicate migration %s", m.ID)
		}
		seen[m.ID] = true
		if m.Up == nil {
			t.Errorf("migration %s has no Up", m.ID)
		}
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	ctx := context.Background()
	if err := r.StartSpeakerSession(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	if err := r.EndSpeakerSession(ctx, "s", 3); err != nil {
		t.Fatal(err)
	}
	if err := r.StartListenerConnection(ctx, "l", lang.German); err != nil {
		t.Fatal(err)
	}
	if err := r.EndListenerConnection(ctx, "l"); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresRecorder runs against a real database when
// BABELFISH_TEST_DATABASE_URL is set.
func TestPostgresRecorder(t *testing.T) {
	url := os.Getenv("BABELFISH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BABELFISH_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pool.Close()

	if err := Migrate(ctx, pool, log.New(io.Discard), AutoConfirm); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := NewPostgres(pool)
	start := time.Now()
	rec.now = func() time.Time { return start }

	sid := "test-" + start.Format("150405.000000000")
	if err := rec.StartSpeakerSession(ctx, sid); err != nil {
		t.Fatalf("start speaker: %v", err)
	}
	if err := rec.StartListenerConnection(ctx, sid, lang.English); err != nil {
		t.Fatalf("start listener: %v", err)
	}

	rec.now = func() time.Time { return start.Add(90 * time.Second) }
	if err := rec.EndSpeakerSession(ctx, sid, 12); err != nil {
		t.Fatalf("end speaker: %v", err)
	}
	if err := rec.EndListenerConnection(ctx, sid); err != nil {
		t.Fatalf("end listener: %v", err)
	}

	rec.now = func() time.Time { return start.Add(time.Hour) }
	if err := rec.EndSpeakerSession(ctx, sid, 99); err != nil {
		t.Fatalf("end speaker twice: %v", err)
	}

	var duration, words int
	err = pool.QueryRow(ctx,
		`SELECT duration_seconds, word_count FROM speaker_sessions WHERE session_id = $1`, sid,
	).Scan(&duration, &words)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if duration != 90 || words != 12 {
		t.Errorf("duration=%d words=%d, want 90 and 12", duration, words)
	}

	if _, err := rec.Summary(ctx); err != nil {
		t.Fatalf("summary: %v", err)
	}
}

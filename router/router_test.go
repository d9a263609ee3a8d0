package router

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"node.town/babelfish/lang"
)

type published struct {
	topic string
	msg   any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (r *recorder) Publish(ctx context.Context, topic string, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, published{topic, msg})
	return nil
}

func newRouter(pub Publisher) *Router {
	r := New(pub, log.New(io.Discard), nil)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

func TestHandleConcatenatesTranslationFragments(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	payload := `{"tokens":[
		{"text":"Hallo","translation_status":"translation","is_final":true,"language":"de"},
		{"text":" Welt","translation_status":"translation","is_final":true,"language":"de"}
	]}`
	if err := r.Handle(context.Background(), "s1", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(rec.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d: %+v", len(rec.msgs), rec.msgs)
	}
	got := rec.msgs[0]
	if got.topic != "translation_german" {
		t.Errorf("topic = %q", got.topic)
	}
	msg, ok := got.msg.(TranslationMessage)
	if !ok {
		t.Fatalf("unexpected message type %T", got.msg)
	}
	if msg.Text != "Hallo Welt" {
		t.Errorf("text = %q, want %q", msg.Text, "Hallo Welt")
	}
	if msg.Timestamp.IsZero() {
		t.Error("missing timestamp")
	}
}

func TestHandleOriginalGoesToSpeakerTopic(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	payload := `{"tokens":[
		{"text":"Zdra","translation_status":"original","is_final":true,"language":"sr"},
		{"text":"vo","translation_status":"original","is_final":true,"language":"sr"}
	]}`
	if err := r.Handle(context.Background(), "abc", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(rec.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(rec.msgs))
	}
	if rec.msgs[0].topic != "translation_speaker_abc" {
		t.Errorf("topic = %q", rec.msgs[0].topic)
	}
	msg := rec.msgs[0].msg.(OriginalMessage)
	if msg.Original != "Zdravo" {
		t.Errorf("original = %q", msg.Original)
	}
}

func TestHandleIgnoresNonFinalTokens(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	payload := `{"tokens":[
		{"text":"Hal","translation_status":"translation","is_final":false,"language":"de"},
		{"text":"Zdr","translation_status":"original","is_final":false}
	]}`
	if err := r.Handle(context.Background(), "s1", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rec.msgs) != 0 {
		t.Fatalf("non-final tokens published: %+v", rec.msgs)
	}
}

func TestHandleMixedBatch(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	payload := `{"tokens":[
		{"text":"Good","translation_status":"translation","is_final":true,"language":"en"},
		{"text":"Guten","translation_status":"translation","is_final":true,"language":"de"},
		{"text":"Dobar","translation_status":"original","is_final":true},
		{"text":" morning","translation_status":"translation","is_final":true,"language":"en"},
		{"text":" Morgen","translation_status":"translation","is_final":true,"language":"de"},
		{"text":" dan","translation_status":"original","is_final":true},
		{"text":"ignored","translation_status":"translation","is_final":true,"language":"fr"},
		{"text":"x","translation_status":"none","is_final":true}
	]}`
	if err := r.Handle(context.Background(), "s1", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []published{
		{"translation_english", TranslationMessage{Text: "Good morning", Timestamp: r.now()}},
		{"translation_german", TranslationMessage{Text: "Guten Morgen", Timestamp: r.now()}},
		{"translation_speaker_s1", OriginalMessage{Original: "Dobar dan", Timestamp: r.now()}},
	}
	if len(rec.msgs) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(rec.msgs), len(want), rec.msgs)
	}
	for i := range want {
		if rec.msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, rec.msgs[i], want[i])
		}
	}
}

func TestHandleMalformedPayload(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	err := r.Handle(context.Background(), "s1", []byte(`{"tokens": [`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}

	payload := `{"tokens":[{"text":"Hi","translation_status":"translation","is_final":true,"language":"en"}]}`
	if err := r.Handle(context.Background(), "s1", []byte(payload)); err != nil {
		t.Fatalf("handle after malformed: %v", err)
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("next valid message not processed: %+v", rec.msgs)
	}
}

func TestHandleProviderError(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	err := r.Handle(context.Background(), "s1", []byte(`{"tokens":[],"error_code":401,"error_message":"bad key"}`))
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if len(rec.msgs) != 0 {
		t.Fatalf("unexpected publish: %+v", rec.msgs)
	}
}

func TestHandlePublishErrorIsReturned(t *testing.T) {
	rec := &recorder{err: errors.New("backplane down")}
	r := newRouter(rec)

	payload := `{"tokens":[{"text":"Hi","translation_status":"translation","is_final":true,"language":"en"}]}`
	if err := r.Handle(context.Background(), "s1", []byte(payload)); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestGroupPreservesFirstSeenOrder(t *testing.T) {
	b := Group([]Piece{
		{Role: Translation, Code: "en", Text: "a"},
		{Role: Translation, Code: "de", Text: "b"},
		{Role: Translation, Code: "en", Text: "c"},
	})
	if len(b.Codes) != 2 || b.Codes[0] != "en" || b.Codes[1] != "de" {
		t.Fatalf("codes = %v", b.Codes)
	}
	if b.Translations["en"] != "ac" || b.Translations["de"] != "b" {
		t.Fatalf("translations = %v", b.Translations)
	}
	if b.Original != "" {
		t.Fatalf("original = %q", b.Original)
	}
}

func TestTopics(t *testing.T) {
	if got := TranslationTopic(lang.English); got != "translation_english" {
		t.Errorf("TranslationTopic = %q", got)
	}
	if got := SpeakerTopic("x1"); got != "translation_speaker_x1" {
		t.Errorf("SpeakerTopic = %q", got)
	}
}

func TestHandleRoundTrip(t *testing.T) {
	rec := &recorder{}
	r := newRouter(rec)

	payload := `{"tokens":[
		{"text":"Hal","translation_status":"translation","is_final":false,"language":"de"},
		{"text":"Hallo","translation_status":"translation","is_final":true,"language":"de"},
		{"text":" Welt","translation_status":"translation","is_final":true,"language":"de"},
		{"text":"Zdravo","translation_status":"original","is_final":true},
		{"text":" svete","translation_status":"original","is_final":false}
	]}`
	if err := r.Handle(context.Background(), "s9", []byte(payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []published{
		{"translation_german", TranslationMessage{Text: "Hallo Welt", Timestamp: r.now()}},
		{"translation_speaker_s9", OriginalMessage{Original: "Zdravo", Timestamp: r.now()}},
	}
	if len(rec.msgs) != len(want) {
		t.Fatalf("got %+v", rec.msgs)
	}
	for i := range want {
		if rec.msgs[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, rec.msgs[i], want[i])
		}
	}
}

package soniox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

type received struct {
	config Config
	audio  []byte
}

func newFakeProvider(t *testing.T, got chan<- received) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		var rec received
		if err := ws.ReadJSON(&rec.config); err != nil {
			return
		}
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			t.Errorf("audio frame type = %d, want binary", kind)
		}
		rec.audio = data
		got <- rec

		ws.WriteMessage(websocket.TextMessage, []byte(`{"tokens":[{"text":"Hallo","translation_status":"translation","is_final":true,"language":"de"}]}`))
		ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialSendRead(t *testing.T) {
	got := make(chan received, 1)
	srv := newFakeProvider(t, got)

	d := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), log.New(io.Discard))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SendConfig(NewConfig("key", "", "de")); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}
	if err := conn.SendAudio([]byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case rec := <-got:
		cfg := rec.config
		if cfg.APIKey != "key" || cfg.AudioFormat != "pcm_s16le" || cfg.SampleRate != 16000 || cfg.NumChannels != 1 {
			t.Errorf("config = %+v", cfg)
		}
		if !cfg.IncludeNonfinal || cfg.Model != DefaultModel {
			t.Errorf("config = %+v", cfg)
		}
		if cfg.Translation == nil || cfg.Translation.Type != "one_way" || cfg.Translation.TargetLanguage != "de" {
			t.Errorf("translation = %+v", cfg.Translation)
		}
		if !bytes.Equal(rec.audio, []byte{1, 0, 2, 0}) {
			t.Errorf("audio = % x", rec.audio)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("provider received nothing")
	}

	data, err := conn.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Tokens) != 1 || resp.Tokens[0].Text != "Hallo" || resp.Tokens[0].TranslationStatus != StatusTranslation {
		t.Errorf("response = %+v", resp)
	}
}

func TestDialFailure(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/nowhere", log.New(io.Discard))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := d.Dial(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestConfigWireFormat(t *testing.T) {
	data, err := json.Marshal(NewConfig("k", "stt-rt-v3", "en"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"api_key":"k","audio_format":"pcm_s16le","sample_rate":16000,"num_channels":1,"include_nonfinal":true,"model":"stt-rt-v3","translation":{"type":"one_way","target_language":"en"}}`
	if string(data) != want {
		t.Errorf("config json =\n%s\nwant\n%s", data, want)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	got := make(chan received, 1)
	srv := newFakeProvider(t, got)

	d := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), log.New(io.Discard))
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// Package router turns provider token batches into broadcast messages.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"

	"node.town/babelfish/lang"
	"node.town/babelfish/metrics"
	"node.town/babelfish/soniox"
)

var (
	ErrProtocol = errors.New("provider protocol error")
	ErrProvider = errors.New("provider reported error")
)

const StatsTopic = "listener_stats"

func TranslationTopic(l lang.Language) string {
	return "translation_" + string(l)
}

func SpeakerTopic(sessionID string) string {
	return "translation_speaker_" + sessionID
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg any) error
}

type TranslationMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type OriginalMessage struct {
	Original  string    `json:"original"`
	Timestamp time.Time `json:"timestamp"`
}

type Role int

const (
	Original Role = iota
	Translation
)

// Piece is a final token with its role decided once at parse time. Code is
// set for translations only.
type Piece struct {
	Role Role
	Code string
	Text string
}

func Decode(payload []byte) (*soniox.Response, error) {
	var resp soniox.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if resp.ErrorCode != nil {
		return &resp, fmt.Errorf("%w: %d %s", ErrProvider, *resp.ErrorCode, resp.ErrorMessage)
	}
	return &resp, nil
}

// Parse keeps the final original and translated tokens in arrival order.
func Parse(resp *soniox.Response) []Piece {
	pieces := make([]Piece, 0, len(resp.Tokens))
	for _, tok := range resp.Tokens {
		if !tok.IsFinal {
			continue
		}
		switch tok.TranslationStatus {
		case soniox.StatusOriginal:
			pieces = append(pieces, Piece{Role: Original, Text: tok.Text})
		case soniox.StatusTranslation:
			if tok.Language == "" {
				continue
			}
			pieces = append(pieces, Piece{Role: Translation, Code: tok.Language, Text: tok.Text})
		}
	}
	return pieces
}

// Batch is one provider message after grouping.
type Batch struct {
	Original     string
	Translations map[string]string
	// Codes lists translation codes in first-seen order.
	Codes []string
}

func Group(pieces []Piece) Batch {
	var original strings.Builder
	builders := make(map[string]*strings.Builder)
	var codes []string

	for _, p := range pieces {
		switch p.Role {
		case Original:
			original.WriteString(p.Text)
		case Translation:
			sb, ok := builders[p.Code]
			if !ok {
				sb = &strings.Builder{}
				builders[p.Code] = sb
				codes = append(codes, p.Code)
			}
			sb.WriteString(p.Text)
		}
	}

	b := Batch{
		Original:     original.String(),
		Translations: make(map[string]string, len(builders)),
		Codes:        codes,
	}
	for code, sb := range builders {
		b.Translations[code] = sb.String()
	}
	return b
}

type Router struct {
	publisher Publisher
	logger    *log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(publisher Publisher, logger *log.Logger, m *metrics.Metrics) *Router {
	return &Router{
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Handle routes one provider message for a speaker session. Malformed
// payloads are reported and dropped; they never affect later messages.
func (r *Router) Handle(ctx context.Context, sessionID string, payload []byte) error {
	resp, err := Decode(payload)
	if err != nil {
		return err
	}
	if resp.Finished {
		r.logger.Info("finished", "session", sessionID)
	}

	pieces := Parse(resp)
	if len(pieces) == 0 {
		return nil
	}

	batch := Group(pieces)
	now := r.now()
	var errs error

	for _, code := range batch.Codes {
		text := batch.Translations[code]
		if text == "" {
			continue
		}
		l, ok := lang.FromCode(code)
		if !ok {
			r.logger.Debug("drop translation", "code", code)
			continue
		}

		r.logger.Info("translation", "lang", l, "text", text)
		err := r.publisher.Publish(ctx, TranslationTopic(l), TranslationMessage{Text: text, Timestamp: now})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s: %w", l, err))
			continue
		}
		r.metrics.Published("translation")
	}

	if batch.Original != "" {
		r.logger.Info("original", "session", sessionID, "text", batch.Original)
		err := r.publisher.Publish(ctx, SpeakerTopic(sessionID), OriginalMessage{Original: batch.Original, Timestamp: now})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish original: %w", err))
		} else {
			r.metrics.Published("original")
		}
	}

	return errs
}

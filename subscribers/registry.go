// Package subscribers tracks who is connected to this process: listener
// sessions per language and speaker sessions.
package subscribers

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"node.town/babelfish/lang"
)

// Propagator receives the active language set whenever a language gains
// its first listener or loses its last one.
type Propagator interface {
	Propagate(ctx context.Context, langs []lang.Language) error
}

type Stats struct {
	Total      int                   `json:"total"`
	ByLanguage map[lang.Language]int `json:"by_language"`
}

type Registry struct {
	mu        sync.Mutex
	listeners map[lang.Language]map[string]struct{}
	speakers  map[string]struct{}

	// serializes propagation so the last write always carries the latest set
	propMu     sync.Mutex
	propagator Propagator
	logger     *log.Logger
}

func New(propagator Propagator, logger *log.Logger) *Registry {
	return &Registry{
		listeners:  make(map[lang.Language]map[string]struct{}),
		speakers:   make(map[string]struct{}),
		propagator: propagator,
		logger:     logger,
	}
}

// Join adds sessionID to the listeners of l. Joining twice is a no-op.
func (r *Registry) Join(ctx context.Context, l lang.Language, sessionID string) {
	r.mu.Lock()
	set, ok := r.listeners[l]
	if !ok {
		set = make(map[string]struct{})
		r.listeners[l] = set
	}
	_, already := set[sessionID]
	set[sessionID] = struct{}{}
	first := !already && len(set) == 1
	count := len(set)
	r.mu.Unlock()

	r.logger.Info("join", "lang", l, "session", sessionID, "listeners", count)

	if first {
		r.propagate(ctx)
	}
}

// Leave removes sessionID from l, pruning the language when it empties.
func (r *Registry) Leave(ctx context.Context, l lang.Language, sessionID string) {
	r.mu.Lock()
	set, ok := r.listeners[l]
	if !ok {
		r.mu.Unlock()
		return
	}
	_, present := set[sessionID]
	delete(set, sessionID)
	last := present && len(set) == 0
	if len(set) == 0 {
		delete(r.listeners, l)
	}
	count := len(set)
	r.mu.Unlock()

	r.logger.Info("leave", "lang", l, "session", sessionID, "remaining", count)

	if last {
		r.propagate(ctx)
	}
}

func (r *Registry) propagate(ctx context.Context) {
	if r.propagator == nil {
		return
	}

	r.propMu.Lock()
	defer r.propMu.Unlock()

	langs := r.ActiveLanguages()
	if err := r.propagator.Propagate(ctx, langs); err != nil {
		r.logger.Error("propagate active languages", "langs", langs, "error", err)
	}
}

func (r *Registry) ActiveLanguages() []lang.Language {
	r.mu.Lock()
	defer r.mu.Unlock()

	langs := make([]lang.Language, 0, len(r.listeners))
	for l, set := range r.listeners {
		if len(set) > 0 {
			langs = append(langs, l)
		}
	}
	lang.Sort(langs)
	return langs
}

func (r *Registry) Count(l lang.Language) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[l])
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{ByLanguage: make(map[lang.Language]int, len(r.listeners))}
	for l, set := range r.listeners {
		if len(set) == 0 {
			continue
		}
		stats.ByLanguage[l] = len(set)
		stats.Total += len(set)
	}
	return stats
}

func (r *Registry) AddSpeaker(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[sessionID] = struct{}{}
}

func (r *Registry) RemoveSpeaker(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.speakers, sessionID)
}

func (r *Registry) Speakers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.speakers))
	for id := range r.speakers {
		ids = append(ids, id)
	}
	return ids
}

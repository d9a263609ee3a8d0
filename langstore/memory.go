package langstore

import (
	"context"
	"sync"

	"node.town/babelfish/lang"
)

// MemoryStore is a single-process Store, used when no redis is configured
// and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	langs    []lang.Language
	watchers []chan []lang.Language
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Publish(_ context.Context, langs []lang.Language) error {
	s.mu.Lock()
	s.langs = append([]lang.Language(nil), langs...)
	watchers := append([]chan []lang.Language(nil), s.watchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- append([]lang.Language(nil), langs...):
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Fetch(context.Context) []lang.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lang.Language(nil), s.langs...)
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan []lang.Language, error) {
	ch := make(chan []lang.Language, 16)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
	}()

	return ch, nil
}

// Package langstore keeps the set of languages that currently have listeners
// somewhere in the deployment. Every process reads it before opening provider
// connections, so it decides which upstream connections should exist.
package langstore

import (
	"context"
	"encoding/json"
	"fmt"

	"node.town/babelfish/lang"
)

const (
	Key           = "soniox:active_languages"
	ChangeChannel = "soniox:active_languages:changed"
)

type Store interface {
	// Publish overwrites the shared set.
	Publish(ctx context.Context, langs []lang.Language) error
	// Fetch never fails; unreadable or missing records read as empty.
	Fetch(ctx context.Context) []lang.Language
}

// Watcher delivers published sets. A RedisStore leaves out the sets it
// published itself; a MemoryStore delivers every publish.
type Watcher interface {
	Watch(ctx context.Context) (<-chan []lang.Language, error)
}

func encode(langs []lang.Language) (string, error) {
	names := make([]string, 0, len(langs))
	for _, l := range langs {
		names = append(names, string(l))
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("marshal active languages: %w", err)
	}
	return string(data), nil
}

func decode(data string) ([]lang.Language, error) {
	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("unmarshal active languages: %w", err)
	}
	langs := make([]lang.Language, 0, len(names))
	for _, n := range names {
		langs = append(langs, lang.Language(n))
	}
	return langs, nil
}

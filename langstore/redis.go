package langstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"node.town/babelfish/lang"
)

// changeMessage goes out on ChangeChannel. The key itself holds only the
// language array.
type changeMessage struct {
	Origin    string   `json:"origin"`
	Languages []string `json:"languages"`
}

type RedisStore struct {
	rdb    *redis.Client
	logger *log.Logger
	origin string
}

func NewRedisStore(rdb *redis.Client, logger *log.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger, origin: uuid.NewString()}
}

func (s *RedisStore) Publish(ctx context.Context, langs []lang.Language) error {
	payload, err := encode(langs)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(langs))
	for _, l := range langs {
		names = append(names, string(l))
	}
	notice, err := json.Marshal(changeMessage{Origin: s.origin, Languages: names})
	if err != nil {
		return fmt.Errorf("marshal change notification: %w", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, Key, payload, 0)
		p.Publish(ctx, ChangeChannel, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish active languages: %w", err)
	}

	s.logger.Info("active languages", "langs", langs)
	return nil
}

func (s *RedisStore) Fetch(ctx context.Context) []lang.Language {
	payload, err := s.rdb.Get(ctx, Key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.logger.Error("read active languages", "error", err)
		return nil
	}

	langs, err := decode(payload)
	if err != nil {
		s.logger.Error("read active languages", "error", err)
		return nil
	}
	return langs
}

// Watch delivers sets published by other stores. The store's own publishes
// are not echoed back.
func (s *RedisStore) Watch(ctx context.Context) (<-chan []lang.Language, error) {
	sub := s.rdb.Subscribe(ctx, ChangeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChangeChannel, err)
	}

	out := make(chan []lang.Language)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Error("decode change notification", "error", err)
					continue
				}
				if change.Origin == s.origin {
					continue
				}
				langs := make([]lang.Language, 0, len(change.Languages))
				for _, n := range change.Languages {
					langs = append(langs, lang.Language(n))
				}
				select {
				case out <- langs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

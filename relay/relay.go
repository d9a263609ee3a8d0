// Package relay ties speaker and listener lifecycles to the shared active
// language set, the upstream pool and the broadcast hub.
package relay

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"

	"node.town/babelfish/audio"
	"node.town/babelfish/db"
	"node.town/babelfish/lang"
	"node.town/babelfish/langstore"
	"node.town/babelfish/metrics"
	"node.town/babelfish/router"
	"node.town/babelfish/subscribers"
)

// Pool is the part of upstream.Pool the relay drives.
type Pool interface {
	SendAudio(ctx context.Context, frame []byte, sessionID string) error
	Close(sessionID string)
	Reconcile(ctx context.Context, langs []lang.Language) error
}

type Relay struct {
	registry *subscribers.Registry
	store    langstore.Store
	pool     Pool
	hub      router.Publisher
	recorder db.Recorder
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func New(
	store langstore.Store,
	pool Pool,
	hub router.Publisher,
	recorder db.Recorder,
	logger *log.Logger,
	m *metrics.Metrics,
) *Relay {
	if recorder == nil {
		recorder = db.Nop{}
	}
	r := &Relay{
		store:    store,
		pool:     pool,
		hub:      hub,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
	r.registry = subscribers.New(r, logger.With().WithPrefix("subs"))
	return r
}

func (r *Relay) Registry() *subscribers.Registry {
	return r.registry
}

// Propagate writes the new active set to the shared store and restarts
// local sessions so they translate into it. A store failure does not stop
// the local restart.
func (r *Relay) Propagate(ctx context.Context, langs []lang.Language) error {
	var errs error
	if err := r.store.Publish(ctx, langs); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := r.pool.Reconcile(ctx, langs); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reconcile: %w", err))
	}
	return errs
}

func (r *Relay) SpeakerJoined(ctx context.Context, sessionID string) {
	r.registry.AddSpeaker(sessionID)
	r.logger.Info("speaker joined", "session", sessionID)

	if err := r.recorder.StartSpeakerSession(ctx, sessionID); err != nil {
		r.logger.Error("record speaker", "session", sessionID, "error", err)
	}
}

// SpeakerAudio forwards one frame of 16 kHz mono samples to every active
// language of the session.
func (r *Relay) SpeakerAudio(ctx context.Context, sessionID string, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	return r.pool.SendAudio(ctx, audio.Encode(samples), sessionID)
}

func (r *Relay) SpeakerLeft(ctx context.Context, sessionID string, wordCount int) {
	r.pool.Close(sessionID)
	r.registry.RemoveSpeaker(sessionID)
	r.logger.Info("speaker left", "session", sessionID, "words", wordCount)

	if err := r.recorder.EndSpeakerSession(ctx, sessionID, wordCount); err != nil {
		r.logger.Error("record speaker end", "session", sessionID, "error", err)
	}
}

func (r *Relay) ListenerJoined(ctx context.Context, l lang.Language, sessionID string) {
	r.registry.Join(ctx, l, sessionID)

	if err := r.recorder.StartListenerConnection(ctx, sessionID, l); err != nil {
		r.logger.Error("record listener", "session", sessionID, "error", err)
	}
	r.BroadcastListenerStats(ctx)
}

func (r *Relay) ListenerLeft(ctx context.Context, l lang.Language, sessionID string) {
	r.registry.Leave(ctx, l, sessionID)

	if err := r.recorder.EndListenerConnection(ctx, sessionID); err != nil {
		r.logger.Error("record listener end", "session", sessionID, "error", err)
	}
	r.BroadcastListenerStats(ctx)
}

func (r *Relay) Stats() subscribers.Stats {
	return r.registry.Stats()
}

func (r *Relay) BroadcastListenerStats(ctx context.Context) {
	stats := r.registry.Stats()

	byLang := make(map[string]int, len(stats.ByLanguage))
	for l, n := range stats.ByLanguage {
		byLang[string(l)] = n
	}
	r.metrics.SetListeners(byLang)

	if err := r.hub.Publish(ctx, router.StatsTopic, stats); err != nil {
		r.logger.Error("publish listener stats", "error", err)
		return
	}
	r.metrics.Published("stats")
}

// Run follows active set changes made by other processes until ctx is
// done. Stores that cannot be watched leave Run waiting.
func (r *Relay) Run(ctx context.Context) error {
	w, ok := r.store.(langstore.Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}

	changes, err := w.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case langs, ok := <-changes:
			if !ok {
				return nil
			}
			r.logger.Debug("active languages changed remotely", "langs", langs)
			if err := r.pool.Reconcile(ctx, langs); err != nil {
				r.logger.Error("reconcile", "langs", langs, "error", err)
			}
		}
	}
}

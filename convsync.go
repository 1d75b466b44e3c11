// Package convsync keeps a local cache of chat conversations, messages,
// participants and reactions in step with a remote conversation service.
//
// The engine merges three sources into one store: the provider's push feed,
// paged history fetches and local user actions. Reads are live queries on the
// store; every write goes through the store's single writer.
//
// Example:
//
//	st, _ := store.Open(path)
//	engine, _ := convsync.New(client, st,
//		convsync.WithIdentity("alice"),
//		convsync.WithFetcher(client.Fetcher()),
//	)
//	go engine.Run(ctx)
//
//	convs, _ := engine.Conversations.Subscribe(ctx, false)
//	defer convs.Close()
//	for list := range convs.Updates() { ... }
//
//	pending, _ := engine.Messages.Send(ctx, "CH123", "hello")
//	err := pending.Wait(ctx)
package convsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/retry"
	"github.com/LuminPulse-AI/convsync/store"
)

// ============================================================================
// Engine
// ============================================================================

// Engine wires a provider and a store together. The reconcilers are exposed as
// fields, the way sub-clients hang off an API client.
type Engine struct {
	provider remote.Provider
	fetcher  remote.ContentFetcher
	store    *store.Store

	identity string
	mediaDir string
	policy   retry.Policy
	logger   *zap.Logger
	metrics  *Metrics
	events   *Events

	Conversations *ConversationReconciler
	Messages      *MessageReconciler
	Participants  *ParticipantTracker
}

type Option func(*Engine)

// WithIdentity sets the local user's identity. It decides message direction
// and is the participant recorded on reactions.
func WithIdentity(identity string) Option {
	return func(e *Engine) { e.identity = identity }
}

// WithFetcher sets the content fetcher used for media transfers.
func WithFetcher(f remote.ContentFetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithMediaDir sets the directory downloaded media is written to.
// Defaults to <user cache dir>/convsync/media.
func WithMediaDir(dir string) Option {
	return func(e *Engine) { e.mediaDir = dir }
}

// WithRetryPolicy replaces retry.Default for remote fetches.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine. The store stays owned by the caller.
func New(provider remote.Provider, st *store.Store, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, errors.New("convsync: nil provider")
	}
	if st == nil {
		return nil, errors.New("convsync: nil store")
	}
	e := &Engine{
		provider: provider,
		store:    st,
		policy:   retry.Default,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.mediaDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		e.mediaDir = filepath.Join(base, "convsync", "media")
	}
	hook := e.policy.OnRetry
	e.policy = e.policy.WithHook(func(attempt int, err error) {
		e.metrics.Retries.Inc()
		e.logger.Warn("remote call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if hook != nil {
			hook(attempt, err)
		}
	})
	e.events = newEvents(e.logger)

	e.Conversations = newConversationReconciler(e)
	e.Messages = newMessageReconciler(e)
	e.Participants = newParticipantTracker(e)
	return e, nil
}

// Events returns the domain event bus.
func (e *Engine) Events() *Events {
	return e.events
}

// Store returns the cache the engine writes to.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Identity returns the local user's identity.
func (e *Engine) Identity() string {
	return e.identity
}

// Run applies the provider's push feed to the store until ctx is done or the
// feed closes. Events that fail to apply are logged and skipped.
func (e *Engine) Run(ctx context.Context) error {
	events := e.provider.Events()
	if events == nil {
		return errors.New("convsync: provider has no event feed")
	}
	e.logger.Info("applying event feed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				e.logger.Info("event feed closed")
				return nil
			}
			if err := e.apply(ctx, ev); err != nil {
				e.logger.Warn("feed event not applied",
					zap.String("type", string(ev.Type)),
					zap.String("conversation", ev.ConversationSid),
					zap.Error(err))
			}
		}
	}
}

// ============================================================================
// Remote call helpers
// ============================================================================

// call runs a single remote operation and records its outcome.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	e.metrics.RemoteCalls.WithLabelValues(op, resultLabel(err)).Inc()
	return classify(op, err)
}

// fetch runs a read-only remote operation under the retry policy.
func fetch[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := retry.Value(ctx, e.policy, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		e.metrics.RemoteCalls.WithLabelValues(op, resultLabel(err)).Inc()
		return v, err
	})
	return v, classify(op, err)
}

// resolve looks a conversation up on the service before a mutation.
func (e *Engine) resolve(ctx context.Context, op, sidOrUniqueName string) (remote.Conversation, error) {
	if sidOrUniqueName == "" {
		return remote.Conversation{}, missing(op, "empty conversation sid")
	}
	rc, err := fetch(ctx, e, "resolve", func(ctx context.Context) (remote.Conversation, error) {
		return e.provider.Conversation(ctx, sidOrUniqueName)
	})
	if err != nil {
		return remote.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	if rc.Sid == "" {
		return remote.Conversation{}, inconsistent(op, "resolved conversation has no sid")
	}
	return rc, nil
}

package convsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/LuminPulse-AI/convsync/convert"
	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// ListState is the load state of the conversation list.
type ListState int

const (
	ListIdle ListState = iota
	ListLoading
	ListReady
)

func (s ListState) String() string {
	switch s {
	case ListLoading:
		return "loading"
	case ListReady:
		return "ready"
	}
	return "idle"
}

// ConversationReconciler owns the conversation list. Loads write to the store
// directly; mutations only call the service and leave the cache update to the
// feed.
type ConversationReconciler struct {
	e *Engine

	mu         sync.Mutex
	state      ListState
	refreshing bool

	loads singleflight.Group
}

func newConversationReconciler(e *Engine) *ConversationReconciler {
	return &ConversationReconciler{e: e}
}

// State returns the list state and whether a refresh is running.
func (r *ConversationReconciler) State() (ListState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.refreshing
}

// Subscribe attaches a live query sorted by model.ConversationLess. The first
// subscription loads the list; later ones refresh it when onRefresh is set.
// The subscription is returned even when the load fails, so cached data stays
// visible; the load error is returned alongside it.
func (r *ConversationReconciler) Subscribe(ctx context.Context, onRefresh bool) (*store.Subscription[model.Conversation], error) {
	sub, err := r.e.store.WatchConversations(store.Query[model.Conversation]{Less: model.ConversationLess})
	if err != nil {
		return nil, err
	}
	state, _ := r.State()
	switch {
	case state == ListReady && onRefresh:
		err = r.Refresh(ctx)
	case state != ListReady:
		err = r.LoadAll(ctx)
	}
	return sub, err
}

// LoadAll fetches the full conversation list and upserts it. Cached
// conversations missing from the response are kept; only removal events
// delete them. Concurrent calls share one fetch.
func (r *ConversationReconciler) LoadAll(ctx context.Context) error {
	// the shared fetch is not tied to the caller that started it
	ch := r.loads.DoChan("all", func() (any, error) {
		return nil, r.loadAll(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return fmt.Errorf("load conversations: %w", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

// Refresh reloads the list while keeping the current data visible.
func (r *ConversationReconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.refreshing = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.refreshing = false
		r.mu.Unlock()
	}()
	return r.LoadAll(ctx)
}

func (r *ConversationReconciler) loadAll(ctx context.Context) error {
	r.mu.Lock()
	prev := r.state
	if r.state == ListIdle {
		r.state = ListLoading
	}
	r.mu.Unlock()

	err := r.fetchAndStore(ctx)

	r.mu.Lock()
	if err != nil {
		r.state = prev
	} else {
		r.state = ListReady
	}
	r.mu.Unlock()
	return err
}

func (r *ConversationReconciler) fetchAndStore(ctx context.Context) error {
	rcs, err := fetch(ctx, r.e, "conversations", r.e.provider.Conversations)
	if err != nil {
		return err
	}
	convs, rejected := convert.Conversations(rcs)
	if rejected > 0 {
		r.e.metrics.ConversionsRejected.WithLabelValues("conversation").Add(float64(rejected))
		r.e.logger.Debug("skipped unconvertible conversations", zap.Int("count", rejected))
	}
	err = r.e.store.Update(ctx, func(tx *store.Tx) error {
		for _, c := range convs {
			if err := tx.PutConversation(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify("load conversations", err)
	}
	r.e.logger.Debug("conversations loaded", zap.Int("count", len(convs)))
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

// CreateAndJoin creates a conversation and joins it. It returns the new sid.
func (r *ConversationReconciler) CreateAndJoin(ctx context.Context, friendlyName string) (string, error) {
	var rc remote.Conversation
	err := r.e.call(ctx, "create", func(ctx context.Context) error {
		var err error
		rc, err = r.e.provider.CreateConversation(ctx, friendlyName)
		return err
	})
	if err != nil {
		return "", err
	}
	if rc.Sid == "" {
		return "", inconsistent("create", "created conversation has no sid")
	}
	err = r.e.call(ctx, "join", func(ctx context.Context) error {
		return r.e.provider.JoinConversation(ctx, rc.Sid)
	})
	if err != nil {
		return "", err
	}
	r.e.events.publish(Event{Kind: EventConversationCreated, ConversationSid: rc.Sid, Text: friendlyName})
	return rc.Sid, nil
}

// Rename changes the friendly name of a conversation.
func (r *ConversationReconciler) Rename(ctx context.Context, sid, friendlyName string) error {
	rc, err := r.e.resolve(ctx, "rename", sid)
	if err != nil {
		return err
	}
	err = r.e.call(ctx, "rename", func(ctx context.Context) error {
		return r.e.provider.RenameConversation(ctx, rc.Sid, friendlyName)
	})
	if err != nil {
		return err
	}
	r.e.events.publish(Event{Kind: EventConversationRenamed, ConversationSid: rc.Sid, Text: friendlyName})
	return nil
}

// ToggleMute flips the notification level and reports whether the
// conversation is now muted.
func (r *ConversationReconciler) ToggleMute(ctx context.Context, sid string) (bool, error) {
	rc, err := r.e.resolve(ctx, "toggle mute", sid)
	if err != nil {
		return false, err
	}
	muted := rc.NotificationLevel != string(model.NotificationMuted)
	level, kind := model.NotificationMuted, EventConversationMuted
	if !muted {
		level, kind = model.NotificationDefault, EventConversationUnmuted
	}
	err = r.e.call(ctx, "set notification level", func(ctx context.Context) error {
		return r.e.provider.SetNotificationLevel(ctx, rc.Sid, string(level))
	})
	if err != nil {
		return !muted, err
	}
	r.e.events.publish(Event{Kind: kind, ConversationSid: rc.Sid})
	return muted, nil
}

// Leave leaves a conversation.
func (r *ConversationReconciler) Leave(ctx context.Context, sid string) error {
	rc, err := r.e.resolve(ctx, "leave", sid)
	if err != nil {
		return err
	}
	err = r.e.call(ctx, "leave", func(ctx context.Context) error {
		return r.e.provider.LeaveConversation(ctx, rc.Sid)
	})
	if err != nil {
		return err
	}
	r.e.events.publish(Event{Kind: EventConversationLeft, ConversationSid: rc.Sid})
	return nil
}

// Destroy deletes a conversation on the service for every participant.
func (r *ConversationReconciler) Destroy(ctx context.Context, sid string) error {
	rc, err := r.e.resolve(ctx, "destroy", sid)
	if err != nil {
		return err
	}
	err = r.e.call(ctx, "destroy", func(ctx context.Context) error {
		return r.e.provider.DestroyConversation(ctx, rc.Sid)
	})
	if err != nil {
		return err
	}
	r.e.events.publish(Event{Kind: EventConversationDestroyed, ConversationSid: rc.Sid})
	return nil
}

// AddParticipant adds a chat user by identity.
func (r *ConversationReconciler) AddParticipant(ctx context.Context, sid, identity string) error {
	rc, err := r.e.resolve(ctx, "add participant", sid)
	if err != nil {
		return err
	}
	err = r.e.call(ctx, "add participant", func(ctx context.Context) error {
		return r.e.provider.AddChatParticipant(ctx, rc.Sid, identity)
	})
	if err != nil {
		return err
	}
	r.e.events.publish(Event{Kind: EventParticipantAdded, ConversationSid: rc.Sid, Participant: identity})
	return nil
}

// RemoveParticipant removes the participant with the given identity.
func (r *ConversationReconciler) RemoveParticipant(ctx context.Context, sid, identity string) error {
	rc, err := r.e.resolve(ctx, "remove participant", sid)
	if err != nil {
		return err
	}
	rps, err := fetch(ctx, r.e, "participants", func(ctx context.Context) ([]remote.Participant, error) {
		return r.e.provider.Participants(ctx, rc.Sid)
	})
	if err != nil {
		return err
	}
	var participantSid string
	for _, rp := range rps {
		if p, ok := convert.Participant(rp); ok && p.Identity == identity {
			participantSid = p.Sid
			break
		}
	}
	if participantSid == "" {
		return missing("remove participant", "no participant "+identity+" in "+rc.Sid)
	}
	err = r.e.call(ctx, "remove participant", func(ctx context.Context) error {
		return r.e.provider.RemoveParticipant(ctx, rc.Sid, participantSid)
	})
	if err != nil {
		return err
	}
	r.e.events.publish(Event{Kind: EventParticipantRemoved, ConversationSid: rc.Sid, Participant: identity})
	return nil
}

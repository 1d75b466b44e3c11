package convsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

func TestLoadAllKeepsCachedConversations(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(tx *store.Tx) error {
		return tx.PutConversation(model.Conversation{Sid: "CH-old", FriendlyName: "left behind"})
	})
	h.provider.convs = []remote.Conversation{
		{Sid: "CH1", FriendlyName: ptr("one")},
		{Sid: "CH2"},
		{Sid: ""},
	}

	if err := h.engine.Conversations.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	convs, _ := h.store.Conversations(store.Query[model.Conversation]{})
	if len(convs) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(convs))
	}
	if state, refreshing := h.engine.Conversations.State(); state != ListReady || refreshing {
		t.Errorf("expected ready, got %s refreshing=%v", state, refreshing)
	}
	if got := testutil.ToFloat64(h.metrics.ConversionsRejected.WithLabelValues("conversation")); got != 1 {
		t.Errorf("expected 1 rejected conversation, got %v", got)
	}
}

func TestLoadAllFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.setFail("conversations", &remote.APIError{Status: 503, Code: "UNAVAILABLE", Message: "down"})

	err := h.engine.Conversations.LoadAll(context.Background())
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if state, _ := h.engine.Conversations.State(); state != ListIdle {
		t.Errorf("expected state to fall back to idle, got %s", state)
	}
	if n := h.provider.count("conversations"); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.Retries); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.RemoteCalls.WithLabelValues("conversations", "error")); got != 2 {
		t.Errorf("expected 2 failed calls, got %v", got)
	}
}

func TestLoadAllCollapsesConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	gate := h.provider.hold("conversations")

	errs := make(chan error, 2)
	go func() { errs <- h.engine.Conversations.LoadAll(context.Background()) }()
	<-h.provider.started
	if state, _ := h.engine.Conversations.State(); state != ListLoading {
		t.Errorf("expected loading, got %s", state)
	}
	go func() { errs <- h.engine.Conversations.LoadAll(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("LoadAll: %v", err)
		}
	}
	if n := h.provider.count("conversations"); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}
}

func TestLoadAllSurvivesCancelledFirstCaller(t *testing.T) {
	h := newHarness(t)
	h.provider.convs = []remote.Conversation{{Sid: "CH1"}}
	gate := h.provider.hold("conversations")

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() { firstErr <- h.engine.Conversations.LoadAll(first) }()
	<-h.provider.started

	secondErr := make(chan error, 1)
	go func() { secondErr <- h.engine.Conversations.LoadAll(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: expected context.Canceled, got %v", err)
	}
	close(gate)

	if err := <-secondErr; err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if n := h.provider.count("conversations"); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}
	if state, _ := h.engine.Conversations.State(); state != ListReady {
		t.Errorf("expected ready, got %s", state)
	}
	if _, ok, _ := h.store.Conversation("CH1"); !ok {
		t.Error("fetched conversation not stored")
	}
}

func TestSubscribeConversations(t *testing.T) {
	h := newHarness(t)
	at := func(sec int64) *time.Time {
		v := time.Unix(sec, 0)
		return &v
	}
	h.provider.convs = []remote.Conversation{
		{Sid: "A", FriendlyName: ptr("a"), LastMessageDate: at(100)},
		{Sid: "B", FriendlyName: ptr("b"), DateCreated: at(1), LastMessageDate: at(5)},
		{Sid: "C", FriendlyName: ptr("c"), DateCreated: at(3)},
	}

	sub, err := h.engine.Conversations.Subscribe(context.Background(), false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	list := awaitUpdate(t, sub.Updates(), func(l []model.Conversation) bool { return len(l) == 3 })
	if list[0].Sid != "B" || list[1].Sid != "C" || list[2].Sid != "A" {
		t.Fatalf("unexpected order %s %s %s", list[0].Sid, list[1].Sid, list[2].Sid)
	}

	// a second subscription with onRefresh fetches again
	again, err := h.engine.Conversations.Subscribe(context.Background(), true)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer again.Close()
	if n := h.provider.count("conversations"); n != 2 {
		t.Errorf("expected refresh fetch, got %d fetches", n)
	}
	// without onRefresh a loaded list is not fetched again
	third, _ := h.engine.Conversations.Subscribe(context.Background(), false)
	defer third.Close()
	if n := h.provider.count("conversations"); n != 2 {
		t.Errorf("expected no extra fetch, got %d fetches", n)
	}
}

func TestConversationMutationsAreEventDriven(t *testing.T) {
	h := newHarness(t)
	rec := h.record(t)
	h.provider.convs = []remote.Conversation{{Sid: "CH1", FriendlyName: ptr("old"), NotificationLevel: "default"}}
	h.seed(t, func(tx *store.Tx) error {
		return tx.PutConversation(model.Conversation{Sid: "CH1", FriendlyName: "old"})
	})
	ctx := context.Background()

	if err := h.engine.Conversations.Rename(ctx, "CH1", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if args := h.provider.lastArgs("rename"); args[0] != "CH1" || args[1] != "new" {
		t.Errorf("unexpected rename args %v", args)
	}
	c, _, _ := h.store.Conversation("CH1")
	if c.FriendlyName != "old" {
		t.Errorf("rename must not write the cache, got %q", c.FriendlyName)
	}

	muted, err := h.engine.Conversations.ToggleMute(ctx, "CH1")
	if err != nil || !muted {
		t.Fatalf("ToggleMute: muted=%v err=%v", muted, err)
	}
	if args := h.provider.lastArgs("notification level"); args[1] != "muted" {
		t.Errorf("expected muted level, got %v", args)
	}

	if err := h.engine.Conversations.Leave(ctx, "CH1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := h.engine.Conversations.Destroy(ctx, "CH1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	want := []EventKind{EventConversationRenamed, EventConversationMuted, EventConversationLeft, EventConversationDestroyed}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if _, ok, _ := h.store.Conversation("CH1"); !ok {
		t.Error("destroy must leave the cache to the removal event")
	}
}

func TestToggleMuteUnmutes(t *testing.T) {
	h := newHarness(t)
	h.provider.convs = []remote.Conversation{{Sid: "CH1", NotificationLevel: "muted"}}
	muted, err := h.engine.Conversations.ToggleMute(context.Background(), "CH1")
	if err != nil || muted {
		t.Fatalf("expected unmute, got muted=%v err=%v", muted, err)
	}
	if args := h.provider.lastArgs("notification level"); args[1] != "default" {
		t.Errorf("expected default level, got %v", args)
	}
}

func TestMutationOnUnknownConversation(t *testing.T) {
	h := newHarness(t)
	rec := h.record(t)

	err := h.engine.Conversations.Rename(context.Background(), "CH404", "x")
	if !errors.Is(err, ErrRequiredDataUnavailable) {
		t.Fatalf("expected ErrRequiredDataUnavailable, got %v", err)
	}
	if h.provider.count("rename") != 0 {
		t.Error("rename must not be called for an unresolved conversation")
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("no event expected, got %v", rec.kinds())
	}

	if err := h.engine.Conversations.Leave(context.Background(), ""); !errors.Is(err, ErrRequiredDataUnavailable) {
		t.Errorf("expected ErrRequiredDataUnavailable for empty sid, got %v", err)
	}
}

func TestCreateAndJoin(t *testing.T) {
	h := newHarness(t)
	rec := h.record(t)

	sid, err := h.engine.Conversations.CreateAndJoin(context.Background(), "team")
	if err != nil {
		t.Fatalf("CreateAndJoin: %v", err)
	}
	if sid != "CH1" {
		t.Errorf("unexpected sid %q", sid)
	}
	if args := h.provider.lastArgs("join"); len(args) != 1 || args[0] != "CH1" {
		t.Errorf("expected join of CH1, got %v", args)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != EventConversationCreated {
		t.Errorf("unexpected events %v", kinds)
	}

	h.provider.setFail("join", errors.New("boom"))
	if _, err := h.engine.Conversations.CreateAndJoin(context.Background(), "other"); err == nil {
		t.Error("expected join failure to surface")
	}
}

func TestRemoveParticipantByIdentity(t *testing.T) {
	h := newHarness(t)
	rec := h.record(t)
	h.provider.convs = []remote.Conversation{{Sid: "CH1"}}
	h.provider.participants["CH1"] = []remote.Participant{
		{Sid: "MB1", Identity: ptr("alice")},
		{Sid: "MB2", Identity: ptr("bob")},
	}
	ctx := context.Background()

	if err := h.engine.Conversations.RemoveParticipant(ctx, "CH1", "bob"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if args := h.provider.lastArgs("remove participant"); args[1] != "MB2" {
		t.Errorf("expected MB2 removed, got %v", args)
	}
	if err := h.engine.Conversations.RemoveParticipant(ctx, "CH1", "carol"); !errors.Is(err, ErrRequiredDataUnavailable) {
		t.Errorf("expected ErrRequiredDataUnavailable, got %v", err)
	}
	if err := h.engine.Conversations.AddParticipant(ctx, "CH1", "carol"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != EventParticipantRemoved || kinds[1] != EventParticipantAdded {
		t.Errorf("unexpected events %v", kinds)
	}
}

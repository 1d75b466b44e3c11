package convsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/store"
)

// runFeed pushes events through Engine.Run and waits for it to drain them.
func runFeed(t *testing.T, h *harness, events ...remote.Event) {
	t.Helper()
	h.provider.events = make(chan remote.Event, len(events))
	for _, ev := range events {
		h.provider.events <- ev
	}
	close(h.provider.events)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestFeedApplication(t *testing.T) {
	h := newHarness(t)
	text := rmsg("CH1", 1, "hi")

	runFeed(t, h,
		remote.Event{Type: remote.EventConversationAdded, Conversation: &remote.Conversation{Sid: "CH1", FriendlyName: ptr("general")}},
		remote.Event{Type: remote.EventConversationAdded, Conversation: &remote.Conversation{Sid: "CH2"}},
		remote.Event{Type: remote.EventMessageAdded, ConversationSid: "CH1", Message: &text},
		remote.Event{Type: remote.EventMessageAdded, ConversationSid: "CH2", Message: &remote.Message{Sid: "IM9", Index: 1, Attributes: attrs("u9")}},
		remote.Event{Type: remote.EventParticipantAdded, ConversationSid: "CH1", Participant: &remote.Participant{Sid: "MB1", Identity: ptr("alice")}},
		remote.Event{Type: remote.EventTypingStarted, ConversationSid: "CH1", ParticipantSid: "MB1"},
	)

	convs, _ := h.store.Conversations(store.Query[model.Conversation]{})
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	m := h.message(t, "u-CH1-1")
	if m.IndexValue() != 1 || m.BodyText() != "hi" || m.Direction != model.DirectionIncoming {
		t.Errorf("unexpected message %+v", m)
	}
	typing, _ := h.engine.Participants.Typing("CH1")
	if len(typing) != 1 {
		t.Fatalf("expected alice typing, got %+v", typing)
	}

	updated := text
	updated.Attributes = json.RawMessage(`{"uuid":"u-CH1-1","reactions":{"laugh":["bob"],"bogus":["x"]}}`)
	runFeed(t, h,
		remote.Event{Type: remote.EventConnected},
		remote.Event{Type: remote.EventMessageUpdated, ConversationSid: "CH1", Message: &updated},
		remote.Event{Type: remote.EventMessageRemoved, ConversationSid: "CH1", MessageIndex: model.Int64(7)},
		remote.Event{Type: remote.EventConversationRemoved, ConversationSid: "CH2"},
	)

	if typing, _ := h.engine.Participants.Typing("CH1"); len(typing) != 0 {
		t.Errorf("reconnect must clear typing, got %+v", typing)
	}
	m = h.message(t, "u-CH1-1")
	if !m.Reactions.Has(model.ReactionLaugh, "bob") || m.Reactions.Len() != 1 {
		t.Errorf("unexpected reactions %v", m.Reactions.Map())
	}
	if _, ok, _ := h.store.MessageByUUID("u9"); ok {
		t.Error("conversation removal must cascade to messages")
	}

	runFeed(t, h,
		remote.Event{Type: remote.EventMessageRemoved, ConversationSid: "CH1", MessageIndex: model.Int64(1)},
		remote.Event{Type: remote.EventParticipantRemoved, ConversationSid: "CH1", ParticipantSid: "MB1"},
	)
	if _, ok, _ := h.store.MessageByUUID("u-CH1-1"); ok {
		t.Error("message should be removed")
	}
	if ps, _ := h.store.Participants("CH1", store.Query[model.Participant]{}); len(ps) != 0 {
		t.Errorf("participant should be removed, got %+v", ps)
	}
	if got := testutil.ToFloat64(h.metrics.FeedEvents.WithLabelValues(string(remote.EventMessageAdded))); got != 2 {
		t.Errorf("expected 2 message.added events counted, got %v", got)
	}
}

func TestFeedRejectsUnconvertiblePayloads(t *testing.T) {
	h := newHarness(t)
	runFeed(t, h,
		remote.Event{Type: remote.EventConversationAdded, Conversation: &remote.Conversation{}},
		remote.Event{Type: remote.EventMessageAdded, ConversationSid: "CH1", Message: &remote.Message{Sid: "IM1", Index: 1}},
		remote.Event{Type: remote.EventMessageAdded},
		remote.Event{Type: remote.EventParticipantAdded, ConversationSid: "CH1", Participant: &remote.Participant{}},
		remote.Event{Type: "something.new"},
	)

	st, _ := h.store.Stats()
	if st.Conversations != 0 || st.Messages != 0 || st.Participants != 0 {
		t.Errorf("nothing should be stored, got %+v", st)
	}
	if got := testutil.ToFloat64(h.metrics.ConversionsRejected.WithLabelValues("message")); got != 2 {
		t.Errorf("expected 2 rejected messages, got %v", got)
	}
}

func TestFeedKeepsLocalMediaState(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(tx *store.Tx) error {
		return tx.PutMessage(model.Message{
			UUID:                "u1",
			ConversationSid:     "CH1",
			Index:               model.Int64(1),
			Type:                model.MessageTypeMedia,
			MediaSid:            "ME1",
			MediaLocalPath:      "/tmp/ME1_a.png",
			MediaDownloadStatus: model.DownloadCompleted,
		})
	})

	runFeed(t, h, remote.Event{
		Type:            remote.EventMessageUpdated,
		ConversationSid: "CH1",
		Message: &remote.Message{
			Sid: "IM1", Index: 1, Author: "alice", Attributes: attrs("u1"),
			Media: []remote.Media{{Sid: "ME1", Filename: "a.png"}},
		},
	})

	m := h.message(t, "u1")
	if m.MediaDownloadStatus != model.DownloadCompleted || m.MediaLocalPath != "/tmp/ME1_a.png" {
		t.Errorf("local media state lost: %+v", m)
	}
}

func TestFeedOwnMessageAcknowledgesPlaceholder(t *testing.T) {
	h := newHarness(t)
	gate := h.provider.hold("send")
	p, err := h.engine.Messages.Send(context.Background(), "CH1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-h.provider.started

	echo := remote.Message{Sid: "IM5", Index: 5, ConversationSid: "CH1", Author: "me", Body: model.String("hello"), Attributes: attrs(p.UUID)}
	runFeed(t, h, remote.Event{Type: remote.EventMessageAdded, Message: &echo})

	m := h.message(t, p.UUID)
	if m.SendStatus != model.SendStatusSent || m.IndexValue() != 5 {
		t.Errorf("expected acknowledged message, got %+v", m)
	}
	close(gate)
	if err := waitDone(t, p); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, _ := h.store.Messages("CH1", store.Query[model.Message]{})
	if len(msgs) != 1 {
		t.Errorf("expected a single record, got %d", len(msgs))
	}
}

func TestFeedMediaStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(tx *store.Tx) error {
		return tx.PutMessage(model.Message{UUID: "u1", ConversationSid: "CH1", Type: model.MessageTypeMedia, SendStatus: model.SendStatusSending})
	})

	runFeed(t, h,
		remote.Event{Type: remote.EventMediaStarted, MessageUUID: "u1", TotalBytes: 100},
		remote.Event{Type: remote.EventMediaProgress, MessageUUID: "u1", Bytes: 40},
	)
	if m := h.message(t, "u1"); m.TotalBytes != 100 || m.BytesUploaded != 40 {
		t.Errorf("unexpected progress %d/%d", m.BytesUploaded, m.TotalBytes)
	}

	runFeed(t, h, remote.Event{Type: remote.EventMediaCompleted, MessageUUID: "u1", MediaSid: "ME7"})
	if m := h.message(t, "u1"); m.MediaSid != "ME7" || m.BytesUploaded != 100 {
		t.Errorf("unexpected completion state %+v", m)
	}

	runFeed(t, h, remote.Event{Type: remote.EventMediaFailed, MessageUUID: "u1", Err: "too large"})
	if m := h.message(t, "u1"); m.SendStatus != model.SendStatusError {
		t.Errorf("expected error status, got %q", m.SendStatus)
	}
}

func TestRunWithoutFeed(t *testing.T) {
	h := newHarness(t)
	h.provider.events = nil
	if err := h.engine.Run(context.Background()); err == nil {
		t.Error("expected error for a provider without events")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

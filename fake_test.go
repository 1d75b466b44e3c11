package convsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LuminPulse-AI/convsync/model"
	"github.com/LuminPulse-AI/convsync/remote"
	"github.com/LuminPulse-AI/convsync/retry"
	"github.com/LuminPulse-AI/convsync/store"
)

// ============================================================================
// Fake provider
// ============================================================================

type fakeProvider struct {
	mu           sync.Mutex
	events       chan remote.Event
	convs        []remote.Conversation
	messages     map[string][]remote.Message
	participants map[string][]remote.Participant
	calls        map[string]int
	args         map[string][]any
	fail         map[string]error
	// gates hold an operation until the channel is closed; started is
	// signalled when the held operation begins.
	gates   map[string]chan struct{}
	started chan string
	nextIdx int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events:       make(chan remote.Event, 16),
		messages:     make(map[string][]remote.Message),
		participants: make(map[string][]remote.Participant),
		calls:        make(map[string]int),
		args:         make(map[string][]any),
		fail:         make(map[string]error),
		gates:        make(map[string]chan struct{}),
		started:      make(chan string, 16),
		nextIdx:      100,
	}
}

// enter records a call and blocks on the operation's gate, if any.
func (p *fakeProvider) enter(ctx context.Context, op string, args ...any) error {
	p.mu.Lock()
	p.calls[op]++
	p.args[op] = args
	gate := p.gates[op]
	err := p.fail[op]
	p.mu.Unlock()

	if gate != nil {
		p.started <- op
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *fakeProvider) hold(op string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.gates[op] = gate
	return gate
}

func (p *fakeProvider) setFail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, op)
		return
	}
	p.fail[op] = err
}

func (p *fakeProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) lastArgs(op string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.args[op]
}

func (p *fakeProvider) Events() <-chan remote.Event { return p.events }

func (p *fakeProvider) Conversations(ctx context.Context) ([]remote.Conversation, error) {
	if err := p.enter(ctx, "conversations"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]remote.Conversation(nil), p.convs...), nil
}

func (p *fakeProvider) Conversation(ctx context.Context, sidOrUniqueName string) (remote.Conversation, error) {
	if err := p.enter(ctx, "conversation", sidOrUniqueName); err != nil {
		return remote.Conversation{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.convs {
		if c.Sid == sidOrUniqueName || (c.UniqueName != nil && *c.UniqueName == sidOrUniqueName) {
			return c, nil
		}
	}
	return remote.Conversation{}, &remote.APIError{Status: 404, Code: "NOT_FOUND", Message: "no conversation"}
}

func (p *fakeProvider) CreateConversation(ctx context.Context, friendlyName string) (remote.Conversation, error) {
	if err := p.enter(ctx, "create", friendlyName); err != nil {
		return remote.Conversation{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := remote.Conversation{Sid: fmt.Sprintf("CH%d", len(p.convs)+1), FriendlyName: &friendlyName}
	p.convs = append(p.convs, c)
	return c, nil
}

func (p *fakeProvider) JoinConversation(ctx context.Context, sid string) error {
	return p.enter(ctx, "join", sid)
}

func (p *fakeProvider) RenameConversation(ctx context.Context, sid, friendlyName string) error {
	return p.enter(ctx, "rename", sid, friendlyName)
}

func (p *fakeProvider) SetNotificationLevel(ctx context.Context, sid, level string) error {
	return p.enter(ctx, "notification level", sid, level)
}

func (p *fakeProvider) LeaveConversation(ctx context.Context, sid string) error {
	return p.enter(ctx, "leave", sid)
}

func (p *fakeProvider) DestroyConversation(ctx context.Context, sid string) error {
	return p.enter(ctx, "destroy", sid)
}

func (p *fakeProvider) LastMessages(ctx context.Context, sid string, max int) ([]remote.Message, error) {
	if err := p.enter(ctx, "last", sid, max); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.messages[sid]
	if len(all) > max {
		all = all[len(all)-max:]
	}
	return append([]remote.Message(nil), all...), nil
}

func (p *fakeProvider) MessagesBefore(ctx context.Context, sid string, index int64, max int) ([]remote.Message, error) {
	if err := p.enter(ctx, "before", sid, index, max); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []remote.Message
	for _, m := range p.messages[sid] {
		if m.Index <= index {
			out = append(out, m)
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out, nil
}

func (p *fakeProvider) SendMessage(ctx context.Context, sid string, msg remote.OutgoingMessage) (remote.Message, error) {
	if err := p.enter(ctx, "send", sid, msg); err != nil {
		return remote.Message{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextIdx++
	rm := remote.Message{
		Sid:             fmt.Sprintf("IM%d", p.nextIdx),
		Index:           p.nextIdx,
		ConversationSid: sid,
		Author:          "me",
		Body:            msg.Body,
		Attributes:      msg.Attributes,
	}
	if msg.MediaSid != "" {
		rm.Media = []remote.Media{{Sid: msg.MediaSid}}
	}
	p.messages[sid] = append(p.messages[sid], rm)
	return rm, nil
}

func (p *fakeProvider) RemoveMessage(ctx context.Context, sid string, index int64) error {
	return p.enter(ctx, "remove message", sid, index)
}

func (p *fakeProvider) UpdateMessageAttributes(ctx context.Context, sid string, index int64, attrs json.RawMessage) error {
	return p.enter(ctx, "attributes", sid, index, attrs)
}

func (p *fakeProvider) SetAllMessagesRead(ctx context.Context, sid string) error {
	return p.enter(ctx, "read", sid)
}

func (p *fakeProvider) MediaContentURL(ctx context.Context, sid, mediaSid string) (string, error) {
	if err := p.enter(ctx, "media url", sid, mediaSid); err != nil {
		return "", err
	}
	return "https://media.example.com/" + mediaSid, nil
}

func (p *fakeProvider) Participants(ctx context.Context, sid string) ([]remote.Participant, error) {
	if err := p.enter(ctx, "participants", sid); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]remote.Participant(nil), p.participants[sid]...), nil
}

func (p *fakeProvider) AddChatParticipant(ctx context.Context, sid, identity string) error {
	return p.enter(ctx, "add chat", sid, identity)
}

func (p *fakeProvider) AddNonChatParticipant(ctx context.Context, sid, address, proxyAddress string) error {
	return p.enter(ctx, "add non-chat", sid, address, proxyAddress)
}

func (p *fakeProvider) RemoveParticipant(ctx context.Context, sid, participantSid string) error {
	return p.enter(ctx, "remove participant", sid, participantSid)
}

func (p *fakeProvider) Typing(ctx context.Context, sid string) error {
	return p.enter(ctx, "typing", sid)
}

// ============================================================================
// Fake fetcher
// ============================================================================

type fakeFetcher struct {
	mu        sync.Mutex
	downloads int
	uploads   int
	gate      chan struct{}
	started   chan struct{}
	uploaded  []byte
}

func (f *fakeFetcher) Download(ctx context.Context, url, dst string) (int64, error) {
	f.mu.Lock()
	f.downloads++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		f.started <- struct{}{}
		<-gate
	}
	data := []byte("content of " + url)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (f *fakeFetcher) Upload(ctx context.Context, r io.Reader, meta remote.UploadMeta, progress remote.UploadProgress) (string, error) {
	if progress.Started != nil {
		progress.Started()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if progress.Progress != nil {
		progress.Progress(int64(len(data)))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.uploaded = data
	return "ME1", nil
}

func (f *fakeFetcher) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

// ============================================================================
// Helpers
// ============================================================================

type harness struct {
	engine   *Engine
	provider *fakeProvider
	fetcher  *fakeFetcher
	store    *store.Store
	metrics  *Metrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.Open("", store.WithInMemory())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		provider: newFakeProvider(),
		fetcher:  &fakeFetcher{},
		store:    st,
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	base := []Option{
		WithIdentity("me"),
		WithFetcher(h.fetcher),
		WithMediaDir(t.TempDir()),
		WithMetrics(h.metrics),
		WithRetryPolicy(retry.Policy{Attempts: 2, Delay: time.Millisecond}),
	}
	h.engine, err = New(h.provider, st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

func (h *harness) seed(t *testing.T, fn func(tx *store.Tx) error) {
	t.Helper()
	if err := h.store.Update(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) message(t *testing.T, uuid string) model.Message {
	t.Helper()
	m, ok, err := h.store.MessageByUUID(uuid)
	if err != nil || !ok {
		t.Fatalf("message %s: ok=%v err=%v", uuid, ok, err)
	}
	return m
}

// recorder collects domain events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (h *harness) record(t *testing.T) *recorder {
	rec := &recorder{}
	unsubscribe := h.engine.Events().Subscribe(func(ev Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, ev)
		rec.mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return rec
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func attrs(uuid string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"uuid":%q}`, uuid))
}

func rmsg(conv string, index int64, body string) remote.Message {
	return remote.Message{
		Sid:             fmt.Sprintf("IM%s-%d", conv, index),
		Index:           index,
		ConversationSid: conv,
		Author:          "alice",
		Body:            model.String(body),
		Attributes:      attrs(fmt.Sprintf("u-%s-%d", conv, index)),
	}
}

func indexes(msgs []model.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.IndexValue()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ptr[T any](v T) *T { return &v }

// awaitUpdate reads live query results until cond holds.
func awaitUpdate[T any](t *testing.T, updates <-chan []T, cond func([]T) bool) []T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case items, ok := <-updates:
			if !ok {
				t.Fatal("live query closed")
			}
			if cond(items) {
				return items
			}
		case <-deadline:
			t.Fatal("live query never matched")
			return nil
		}
	}
}

// awaitMessage polls the cached message until cond holds.
func awaitMessage(t *testing.T, h *harness, uuid string, cond func(model.Message) bool) model.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m, ok, err := h.store.MessageByUUID(uuid)
		if err != nil {
			t.Fatalf("message %s: %v", uuid, err)
		}
		if ok && cond(m) {
			return m
		}
		if time.Now().After(deadline) {
			t.Fatalf("message %s never matched, last %+v", uuid, m)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, p *PendingSend) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("send did not complete")
	}
	return err
}

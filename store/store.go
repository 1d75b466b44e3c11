// Package store is the local cache: a pebble database holding conversations,
// messages, reactions and participants, with one serialized writer and live
// queries that re-emit full result sets after every committed change.
//
// Usage:
//
//	st, _ := store.Open(path, store.WithLogger(logger))
//	defer st.Close()
//
//	err := st.Update(ctx, func(tx *store.Tx) error {
//		return tx.PutConversation(conv)
//	})
//
//	sub, _ := st.WatchConversations(store.Query[model.Conversation]{Less: model.ConversationLess})
//	defer sub.Close()
//	for list := range sub.Updates() { ... }
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/convsync/model"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ============================================================================
// Options
// ============================================================================

type options struct {
	inMemory bool
	sync     bool
	logger   *zap.Logger
}

type Option func(*options)

// WithInMemory keeps the database in memory. The path is ignored.
func WithInMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// WithSync controls whether commits are fsynced. Defaults to true.
func WithSync(sync bool) Option {
	return func(o *options) { o.sync = sync }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ============================================================================
// Store
// ============================================================================

// Store owns the durable cache. All writes go through Update and are applied
// one at a time by a single writer goroutine.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger

	reqs chan writeReq
	quit chan struct{}
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	watchers map[string]map[*watcher]struct{}
}

type writeReq struct {
	fn   func(*Tx) error
	done chan error
}

type watcher struct {
	wake chan struct{}
	stop func()
}

// Open opens (or creates) the cache at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{sync: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	pOpts := &pebble.Options{}
	if o.inMemory {
		pOpts.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, pOpts)
	if err != nil {
		o.logger.Error("store open failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		db:        db,
		writeOpts: pebble.NoSync,
		logger:    o.logger,
		reqs:      make(chan writeReq),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		watchers:  make(map[string]map[*watcher]struct{}),
	}
	if o.sync {
		s.writeOpts = pebble.Sync
	}
	go s.writer()
	o.logger.Debug("store opened", zap.String("path", path), zap.Bool("in_memory", o.inMemory))
	return s, nil
}

// Close stops live queries and the writer, then closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var stops []func()
	for _, ws := range s.watchers {
		for w := range ws {
			stops = append(stops, w.stop)
		}
	}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	close(s.quit)
	<-s.done
	return s.db.Close()
}

// Update runs fn inside one atomic batch on the writer goroutine. If fn or the
// commit fails nothing is written and the error is returned. Live queries for
// every topic fn touched are woken after a successful commit.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	req := writeReq{fn: fn, done: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case req := <-s.reqs:
			req.done <- s.apply(req.fn)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) apply(fn func(*Tx) error) (err error) {
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	tx := &Tx{b: batch, topics: make(map[string]struct{})}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store transaction panicked", zap.Any("panic", r))
			err = fmt.Errorf("store: transaction panicked: %v", r)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(s.writeOpts); err != nil {
		s.logger.Error("store commit failed", zap.Error(err))
		return fmt.Errorf("commit: %w", err)
	}
	s.notify(tx.topics)
	return nil
}

func (s *Store) notify(topics map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range topics {
		for w := range s.watchers[topic] {
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Store) register(topic string, w *watcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.watchers[topic] == nil {
		s.watchers[topic] = make(map[*watcher]struct{})
	}
	s.watchers[topic][w] = struct{}{}
	return nil
}

func (s *Store) unregister(topic string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[topic], w)
	if len(s.watchers[topic]) == 0 {
		delete(s.watchers, topic)
	}
}

// ============================================================================
// Reads (committed state)
// ============================================================================

// Conversation returns the committed conversation with the given sid.
func (s *Store) Conversation(sid string) (model.Conversation, bool, error) {
	var c model.Conversation
	ok, err := getJSON(s.db, conversationKey(sid), &c)
	return c, ok, err
}

// Conversations returns the filtered, sorted conversation list.
func (s *Store) Conversations(q Query[model.Conversation]) ([]model.Conversation, error) {
	out, err := readConversations(s.db)
	if err != nil {
		return nil, err
	}
	return q.apply(out), nil
}

// Messages returns the filtered, sorted messages of a conversation.
func (s *Store) Messages(conv string, q Query[model.Message]) ([]model.Message, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	out, err := readMessages(snap, conv)
	if err != nil {
		return nil, err
	}
	return q.apply(out), nil
}

// MessageByUUID returns the committed message with the given correlation id.
func (s *Store) MessageByUUID(uuid string) (model.Message, bool, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return messageByUUID(snap, uuid)
}

// MessageByIndex returns the committed message at (conv, index).
func (s *Store) MessageByIndex(conv string, index int64) (model.Message, bool, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return messageByIndex(snap, conv, index)
}

// Participants returns the filtered, sorted participants of a conversation.
func (s *Store) Participants(conv string, q Query[model.Participant]) ([]model.Participant, error) {
	out, err := readParticipants(s.db, conv)
	if err != nil {
		return nil, err
	}
	return q.apply(out), nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Conversations int
	Messages      int
	Reactions     int
	Participants  int
	DiskBytes     uint64
}

// Stats counts the records of each kind.
func (s *Store) Stats() (Stats, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var st Stats
	counts := []struct {
		prefix []byte
		n      *int
	}{
		{[]byte(nsConversation), &st.Conversations},
		{[]byte(nsMessage), &st.Messages},
		{[]byte(nsReaction), &st.Reactions},
		{[]byte(nsParticipant), &st.Participants},
	}
	for _, c := range counts {
		err := scan(snap, c.prefix, func(_, _ []byte) error {
			*c.n++
			return nil
		})
		if err != nil {
			return Stats{}, err
		}
	}
	st.DiskBytes = s.db.Metrics().DiskSpaceUsage()
	return st, nil
}

// ============================================================================
// Helpers shared by reads and transactions
// ============================================================================

func scan(r pebble.Reader, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

func get(r pebble.Reader, key []byte) ([]byte, bool, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return bytes.Clone(v), true, nil
}

func getJSON(r pebble.Reader, key []byte, v any) (bool, error) {
	data, ok, err := get(r, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func readConversations(r pebble.Reader) ([]model.Conversation, error) {
	var out []model.Conversation
	err := scan(r, []byte(nsConversation), func(k, v []byte) error {
		var c model.Conversation
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func readParticipants(r pebble.Reader, conv string) ([]model.Participant, error) {
	var out []model.Participant
	err := scan(r, participantPrefix(conv), func(k, v []byte) error {
		var p model.Participant
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func readMessages(r pebble.Reader, conv string) ([]model.Message, error) {
	reactions, err := readReactions(r, reactionConvPrefix(conv), conv)
	if err != nil {
		return nil, err
	}
	var out []model.Message
	err = scan(r, messagePrefix(conv), func(k, v []byte) error {
		var m model.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		m.Reactions = reactions[m.UUID]
		out = append(out, m)
		return nil
	})
	return out, err
}

// readReactions groups the reaction rows under prefix by message uuid.
func readReactions(r pebble.Reader, prefix []byte, conv string) (map[string]model.Reactions, error) {
	out := make(map[string]model.Reactions)
	err := scan(r, prefix, func(k, _ []byte) error {
		uuid, tag, identity, ok := splitReactionKey(conv, k)
		if !ok {
			return nil
		}
		kind, known := model.ParseReactionKind(tag)
		if !known {
			return nil
		}
		rs := out[uuid]
		if !rs.Has(kind, identity) {
			rs.Toggle(kind, identity)
		}
		out[uuid] = rs
		return nil
	})
	return out, err
}

func readMessage(r pebble.Reader, conv, uuid string) (model.Message, bool, error) {
	var m model.Message
	ok, err := getJSON(r, messageKey(conv, uuid), &m)
	if err != nil || !ok {
		return model.Message{}, false, err
	}
	reactions, err := readReactions(r, reactionPrefix(conv, uuid), conv)
	if err != nil {
		return model.Message{}, false, err
	}
	m.Reactions = reactions[uuid]
	return m, true, nil
}

func messageByUUID(r pebble.Reader, uuid string) (model.Message, bool, error) {
	conv, ok, err := get(r, uuidKey(uuid))
	if err != nil || !ok {
		return model.Message{}, false, err
	}
	// u/ entries may outlive their message; the message key is authoritative.
	return readMessage(r, string(conv), uuid)
}

func messageByIndex(r pebble.Reader, conv string, index int64) (model.Message, bool, error) {
	uuid, ok, err := get(r, indexKey(conv, index))
	if err != nil || !ok {
		return model.Message{}, false, err
	}
	return readMessage(r, conv, string(uuid))
}

// ============================================================================
// Query
// ============================================================================

// Query filters and orders the records of a read or live query. A nil Filter
// keeps everything; a nil Less keeps storage order.
type Query[T any] struct {
	Filter func(T) bool
	Less   func(a, b T) bool
}

func (q Query[T]) apply(items []T) []T {
	out := items[:0]
	for _, it := range items {
		if q.Filter == nil || q.Filter(it) {
			out = append(out, it)
		}
	}
	if q.Less != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.Less(out[i], out[j]) })
	}
	if out == nil {
		out = []T{}
	}
	return out
}

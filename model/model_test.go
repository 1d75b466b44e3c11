package model

import (
	"sort"
	"testing"
	"time"
)

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestConversationLess(t *testing.T) {
	a := Conversation{Sid: "A", FriendlyName: "a", LastMessageDate: at(100)}
	b := Conversation{Sid: "B", FriendlyName: "b", DateCreated: at(1), LastMessageDate: at(5)}
	c := Conversation{Sid: "C", FriendlyName: "c", DateCreated: at(3)}

	list := []Conversation{a, c, b}
	sort.SliceStable(list, func(i, j int) bool { return ConversationLess(list[i], list[j]) })

	got := []string{list[0].Sid, list[1].Sid, list[2].Sid}
	want := []string{"B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestConversationLessTies(t *testing.T) {
	x := Conversation{Sid: "X", FriendlyName: "beta", DateCreated: at(10)}
	y := Conversation{Sid: "Y", FriendlyName: "alpha", DateCreated: at(10)}
	if !ConversationLess(y, x) {
		t.Fatal("expected friendly name ascending on equal dates")
	}
	if ConversationLess(x, y) {
		t.Fatal("ordering must be strict")
	}
}

func TestMustConversationPanicsOnEmptySid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustConversation(Conversation{FriendlyName: "broken"})
}

func TestMessageLess(t *testing.T) {
	now := time.Now()
	msgs := []Message{
		{UUID: "p2", DateCreated: now.Add(time.Second)},
		{UUID: "i5", Index: Int64(5)},
		{UUID: "p1", DateCreated: now},
		{UUID: "i1", Index: Int64(1)},
	}
	sort.Slice(msgs, func(i, j int) bool { return MessageLess(msgs[i], msgs[j]) })
	want := []string{"i1", "i5", "p1", "p2"}
	for i, m := range msgs {
		if m.UUID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], m.UUID)
		}
	}
}

func TestMergeLocal(t *testing.T) {
	cached := Message{MediaDownloadStatus: DownloadCompleted, MediaLocalPath: "/tmp/x.png", TotalBytes: 10}
	fresh := Message{UUID: "u", MediaSid: "ME1"}
	fresh.MergeLocal(cached)
	if fresh.MediaDownloadStatus != DownloadCompleted || fresh.MediaLocalPath != "/tmp/x.png" || fresh.TotalBytes != 10 {
		t.Fatalf("local fields not carried over: %+v", fresh)
	}
}

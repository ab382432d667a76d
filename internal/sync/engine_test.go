package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/estay-app/chatd/internal/bus"
	"github.com/estay-app/chatd/internal/rest"
	"github.com/estay-app/chatd/internal/rt"
	"github.com/estay-app/chatd/internal/store"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	calls    int
	messages []rest.HistoryMessage
	err      error
	onFetch  func()
}

func (f *fakeFetcher) GetMessages(context.Context, string, int, int) ([]rest.HistoryMessage, error) {
	f.calls++
	if f.onFetch != nil {
		f.onFetch()
	}
	return f.messages, f.err
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, fetcher HistoryFetcher) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, fetcher, "alice", "tok", zap.NewNop())
	return e, db, b
}

func historyRecord(id, senderName, receiver, content, ts string) rest.HistoryMessage {
	return rest.HistoryMessage{
		ID:         id,
		SenderName: senderName,
		Receiver:   receiver,
		Content:    content,
		TimeField:  ts,
	}
}

func TestOpenConversationLocalFirst(t *testing.T) {
	fetcher := &fakeFetcher{}
	e, db, _ := testEngine(t, fetcher)

	if err := db.AppendMessage(&store.Message{MsgID: "m1", PartnerID: "hotel", Content: "cached"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := e.OpenConversation(context.Background(), "hotel")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "cached" {
		t.Errorf("got %+v", msgs)
	}
	if fetcher.calls != 0 {
		t.Errorf("history fetched despite non-empty cache: %d calls", fetcher.calls)
	}
}

func TestOpenConversationFetchesWhenEmpty(t *testing.T) {
	fetcher := &fakeFetcher{messages: []rest.HistoryMessage{
		historyRecord("m1", "hotel", "alice", "welcome", "2026-08-30 10:00:00"),
		historyRecord("m2", "alice", "hotel", "thanks", "2026-08-30 10:01:00"),
		historyRecord("m3", "other", "alice", "unrelated", "2026-08-30 10:02:00"),
	}}
	e, db, b := testEngine(t, fetcher)

	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	msgs, err := e.OpenConversation(context.Background(), "hotel")
	if err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}

	// Only messages belonging to the opened conversation are rendered; the
	// outbound one is attributed by receiver.
	if len(msgs) != 2 {
		t.Fatalf("rendered %d messages, want 2", len(msgs))
	}
	if msgs[0].FromMe {
		t.Error("inbound message marked from_me")
	}
	if !msgs[1].FromMe {
		t.Error("own message not marked from_me")
	}

	// Everything was persisted, including the unrelated conversation.
	other, err := db.LoadConversation("other")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Errorf("unrelated history not persisted: %d", len(other))
	}

	select {
	case evt := <-ch:
		render, ok := evt.Payload.(ConversationRender)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if render.PartnerID != "hotel" || len(render.Messages) != 2 {
			t.Errorf("render = %+v", render)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for render event")
	}
}

func TestOpenConversationFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("server down")}
	e, _, _ := testEngine(t, fetcher)

	if _, err := e.OpenConversation(context.Background(), "hotel"); err == nil {
		t.Error("expected error from failed history fetch")
	}
}

func TestOpenConversationStaleFetchDiscarded(t *testing.T) {
	e, db, b := testEngine(t, nil)
	fetcher := &fakeFetcher{
		messages: []rest.HistoryMessage{
			historyRecord("m1", "hotel", "alice", "late", "2026-08-30 10:00:00"),
		},
	}
	// The view moves on while the fetch is in flight.
	fetcher.onFetch = func() { e.CloseConversation("hotel") }
	e.history = fetcher

	ch, unsub := b.Subscribe("conversation.rendered", 10)
	defer unsub()

	msgs, err := e.OpenConversation(context.Background(), "hotel")
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Errorf("stale fetch rendered: %+v", msgs)
	}

	select {
	case evt := <-ch:
		t.Errorf("stale render published: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	// Fetched rows were still persisted for the next open.
	persisted, err := db.LoadConversation("hotel")
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Errorf("persisted %d messages, want 1", len(persisted))
	}
}

func TestOpenConversationClearsUnread(t *testing.T) {
	e, db, _ := testEngine(t, &fakeFetcher{})

	if err := db.UpsertConversation(&store.Conversation{PartnerID: "hotel", UnreadCount: 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.OpenConversation(context.Background(), "hotel"); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("hotel")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d after open, want 0", c.UnreadCount)
	}
}

func TestOnMessageInactiveIncrementsUnread(t *testing.T) {
	e, db, b := testEngine(t, &fakeFetcher{})

	ch, unsub := b.Subscribe("conversation.updated", 10)
	defer unsub()

	e.OnMessage(rt.MessageEvent{Content: "hi", SenderID: "h1", SenderName: "Hotel", Timestamp: "2026-08-30 12:00:00"})
	e.OnMessage(rt.MessageEvent{Content: "there", SenderID: "h1", SenderName: "Hotel", Timestamp: "2026-08-30 12:00:01"})

	c, err := db.GetConversation("Hotel")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.UnreadCount != 2 {
		t.Fatalf("conversation = %+v, want unread 2", c)
	}
	if c.LastContent != "there" {
		t.Errorf("last content = %q", c.LastContent)
	}

	for _, want := range []int{1, 2} {
		select {
		case evt := <-ch:
			update := evt.Payload.(ConversationUpdate)
			if update.UnreadCount != want {
				t.Errorf("unread update = %d, want %d", update.UnreadCount, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for update event")
		}
	}
}

func TestOnMessageActiveConversation(t *testing.T) {
	e, db, b := testEngine(t, &fakeFetcher{})

	if _, err := e.OpenConversation(context.Background(), "Hotel"); err != nil {
		t.Fatal(err)
	}

	appended, unsubA := b.Subscribe("message.appended", 10)
	defer unsubA()

	e.OnMessage(rt.MessageEvent{Content: "hi", SenderID: "h1", SenderName: "Hotel", Timestamp: "2026-08-30 12:00:00"})

	select {
	case evt := <-appended:
		msg := evt.Payload.(store.Message)
		if msg.PartnerID != "Hotel" || msg.Content != "hi" || msg.FromMe {
			t.Errorf("appended = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for appended event")
	}

	c, err := db.GetConversation("Hotel")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d for active conversation, want 0", c.UnreadCount)
	}

	msgs, err := db.LoadConversation("Hotel")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want 1", len(msgs))
	}
}

func TestOnMessageAfterCloseAccruesUnread(t *testing.T) {
	e, db, _ := testEngine(t, &fakeFetcher{})

	if _, err := e.OpenConversation(context.Background(), "Hotel"); err != nil {
		t.Fatal(err)
	}
	e.CloseConversation("Hotel")

	e.OnMessage(rt.MessageEvent{Content: "missed", SenderName: "Hotel"})

	c, err := db.GetConversation("Hotel")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d after close, want 1", c.UnreadCount)
	}
}

func TestOnMessageWithoutSenderDropped(t *testing.T) {
	e, db, _ := testEngine(t, &fakeFetcher{})

	e.OnMessage(rt.MessageEvent{Content: "anonymous"})

	convs, err := db.LoadAllConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("conversation created for senderless message: %+v", convs)
	}
}

func TestOnMessageFillsMissingTimestamp(t *testing.T) {
	e, db, _ := testEngine(t, &fakeFetcher{})

	e.OnMessage(rt.MessageEvent{Content: "hi", SenderName: "Hotel"})

	msgs, err := db.LoadConversation("Hotel")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatal("message not stored")
	}
	if _, err := time.Parse(store.TimeLayout, msgs[0].Timestamp); err != nil {
		t.Errorf("timestamp %q not in display layout: %v", msgs[0].Timestamp, err)
	}
}

func TestConversationSummariesSorted(t *testing.T) {
	e, db, _ := testEngine(t, &fakeFetcher{})

	seed := []store.Conversation{
		{PartnerID: "a", LastTime: "2026-08-30 10:00:00"},
		{PartnerID: "b", LastTime: "2026-08-30 12:00:00"},
		{PartnerID: "c", LastTime: "2026-08-30 11:00:00"},
	}
	for i := range seed {
		if err := db.UpsertConversation(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := e.ConversationSummaries()
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, c := range convs {
		order = append(order, c.PartnerID)
	}
	if len(order) != 3 || order[0] != "b" || order[1] != "c" || order[2] != "a" {
		t.Errorf("order = %v, want [b c a]", order)
	}
}

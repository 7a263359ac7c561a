package store

import (
	"path/filepath"
	"testing"

	"github.com/pigeon-im/pigeon/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConversation(id string, a, b string) *chat.Conversation {
	return &chat.Conversation{
		ID:           id,
		Participants: chat.SortPair(a, b),
		ParticipantsInfo: map[string]chat.ParticipantInfo{
			a: {Name: a},
			b: {Name: b},
		},
		UnreadCount: map[string]int{},
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 3 {
		t.Errorf("version = %d, want 3 (init + outbox + fts)", result.Version)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	older := testConversation("alice:bob", "alice", "bob")
	older.LastMessage = "hi"
	older.LastMessageAt = 1000
	newer := testConversation("alice:carol", "alice", "carol")
	newer.LastMessage = "yo"
	newer.LastMessageAt = 2000

	for _, c := range []*chat.Conversation{older, newer} {
		if err := db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}

	// Re-upsert with updated tail must not duplicate.
	older.LastMessage = "hi again"
	older.LastMessageAt = 3000
	if err := db.UpsertConversation(older); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "alice:bob" {
		t.Errorf("most recent first: got %q, want alice:bob", convs[0].ID)
	}
	if convs[0].LastMessage != "hi again" {
		t.Errorf("last_message = %q, want hi again", convs[0].LastMessage)
	}
	if convs[0].ParticipantsInfo["bob"].Name != "bob" {
		t.Error("participants info did not round-trip")
	}
}

func TestGetConversation(t *testing.T) {
	db := testDB(t)

	c := testConversation("alice:bob", "alice", "bob")
	c.UnreadCount["alice"] = 3
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("alice:bob")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UnreadFor("alice") != 3 {
		t.Errorf("got %v, want unread 3 for alice", got)
	}

	missing, err := db.GetConversation("missing")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &chat.Message{
		ID: "m1", ConversationID: "alice:bob", SenderID: "alice",
		Content: "hello", Type: chat.TypeText, Status: chat.StatusSending, Timestamp: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Re-upsert with a new status must update in place, not duplicate.
	msg.Status = chat.StatusSent
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("alice:bob", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Status != chat.StatusSent {
		t.Errorf("status = %q, want %q", msgs[0].Status, chat.StatusSent)
	}
}

func TestListMessagesAscending(t *testing.T) {
	db := testDB(t)

	batch := []chat.Message{
		{ID: "m2", ConversationID: "c", SenderID: "a", Content: "second", Type: chat.TypeText, Status: chat.StatusSent, Timestamp: 2000},
		{ID: "m1", ConversationID: "c", SenderID: "b", Content: "first", Type: chat.TypeText, Status: chat.StatusSent, Timestamp: 1000},
		{ID: "m3", ConversationID: "c", SenderID: "a", Content: "third", Type: chat.TypeText, Status: chat.StatusSent, Timestamp: 3000},
	}
	if err := db.BulkUpsertMessages(batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %q, want %q", i, msgs[i].ID, want)
		}
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	db := testDB(t)

	msg := &chat.Message{ID: "m1", ConversationID: "c", SenderID: "a", Content: "x", Type: chat.TypeText, Status: chat.StatusSending, Timestamp: 1}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("c", "m1", chat.StatusError); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c", 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != chat.StatusError {
		t.Errorf("status = %q, want %q", msgs[0].Status, chat.StatusError)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	batch := []chat.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "a", Content: "hello world", Type: chat.TypeText, Status: chat.StatusSent, Timestamp: 1000},
		{ID: "m2", ConversationID: "c1", SenderID: "a", Content: "goodbye world", Type: chat.TypeText, Status: chat.StatusSent, Timestamp: 2000},
		{ID: "m3", ConversationID: "c2", SenderID: "a", Content: "hello again", Type: chat.TypeText, Status: chat.StatusSent, Timestamp: 3000},
	}
	if err := db.BulkUpsertMessages(batch); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	// Scoped to one conversation.
	results, err = db.SearchMessages("hello", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].MsgID != "m1" {
		t.Fatalf("scoped search got %v, want m1 only", results)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{
		ClientMsgID: "client1", ConvID: "alice:bob", SenderID: "alice",
		Body: "test msg", MessageType: "text",
	}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].ClientMsgID != "client1" || pending[0].SenderID != "alice" {
		t.Errorf("unexpected entry: %+v", pending[0])
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("client1", "client1"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestOutboxFailed(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "c1", ConvID: "x", SenderID: "a", Body: "b", MessageType: "text"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("c1", "remote unavailable"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("failed entries must not stay pending, got %d", len(pending))
	}
}

func TestRequeueStaleOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "c1", ConvID: "x", SenderID: "a", Body: "b", MessageType: "text"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "c2", ConvID: "x", SenderID: "a", Body: "b", MessageType: "text"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c2", "c2"); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueStaleOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}

	// Only the interrupted entry comes back; sent stays sent.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "c1" {
		t.Errorf("pending = %+v, want c1 only", pending)
	}
}

func TestUserUpsert(t *testing.T) {
	db := testDB(t)

	u := &chat.User{ID: "u1", Email: "a@x.com", DisplayName: "Alice", Online: true, LastSeen: 100}
	if err := db.UpsertUser(u); err != nil {
		t.Fatal(err)
	}

	// Empty display name on re-upsert keeps the existing one.
	if err := db.UpsertUser(&chat.User{ID: "u1", Email: "a@x.com", Online: false, LastSeen: 200}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DisplayName != "Alice" {
		t.Errorf("got %v, want preserved display name Alice", got)
	}
	if got.Online || got.LastSeen != 200 {
		t.Errorf("presence not updated: %+v", got)
	}

	missing, err := db.GetUser("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}
}

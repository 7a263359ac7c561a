package chat

import "testing"

func validConversation() *Conversation {
	return &Conversation{
		ID:           PairID("alice", "bob"),
		Participants: SortPair("bob", "alice"),
		ParticipantsInfo: map[string]ParticipantInfo{
			"alice": {Name: "Alice"},
			"bob":   {Name: "Bob"},
		},
		UnreadCount: map[string]int{"alice": 2},
	}
}

func TestPairIDOrderIndependent(t *testing.T) {
	if PairID("alice", "bob") != PairID("bob", "alice") {
		t.Error("PairID should not depend on argument order")
	}
	if PairID("alice", "bob") != "alice:bob" {
		t.Errorf("PairID = %q, want alice:bob", PairID("alice", "bob"))
	}
}

func TestConversationValidate(t *testing.T) {
	if err := validConversation().Validate(); err != nil {
		t.Fatalf("valid conversation rejected: %v", err)
	}

	cases := []struct {
		desc   string
		mutate func(*Conversation)
	}{
		{"empty id", func(c *Conversation) { c.ID = "" }},
		{"one participant", func(c *Conversation) { c.Participants = []string{"alice"} }},
		{"three participants", func(c *Conversation) { c.Participants = []string{"a", "b", "c"} }},
		{"duplicate participant", func(c *Conversation) { c.Participants = []string{"alice", "alice"} }},
		{"missing participant info", func(c *Conversation) { delete(c.ParticipantsInfo, "bob") }},
		{"info for stranger", func(c *Conversation) {
			delete(c.ParticipantsInfo, "bob")
			c.ParticipantsInfo["mallory"] = ParticipantInfo{Name: "Mallory"}
		}},
		{"unread for non-participant", func(c *Conversation) { c.UnreadCount["mallory"] = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			c := validConversation()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConversationOther(t *testing.T) {
	c := validConversation()

	other, ok := c.Other("alice")
	if !ok || other != "bob" {
		t.Errorf("Other(alice) = %q, %v; want bob, true", other, ok)
	}
	other, ok = c.Other("bob")
	if !ok || other != "alice" {
		t.Errorf("Other(bob) = %q, %v; want alice, true", other, ok)
	}
	if _, ok := c.Other("mallory"); ok {
		t.Error("Other should fail for non-participant")
	}
}

func TestUnreadFor(t *testing.T) {
	c := validConversation()
	if got := c.UnreadFor("alice"); got != 2 {
		t.Errorf("UnreadFor(alice) = %d, want 2", got)
	}
	// Absent counter reads as zero.
	if got := c.UnreadFor("bob"); got != 0 {
		t.Errorf("UnreadFor(bob) = %d, want 0", got)
	}
}

func TestMessageValidate(t *testing.T) {
	text := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Type: TypeText, Content: "hi"}
	if err := text.Validate(); err != nil {
		t.Fatalf("valid text message rejected: %v", err)
	}

	image := &Message{ID: "m2", ConversationID: "c1", SenderID: "alice", Type: TypeImage, Content: ImageContent, ImageRef: "attachments/c1/x.png"}
	if err := image.Validate(); err != nil {
		t.Fatalf("valid image message rejected: %v", err)
	}

	cases := []struct {
		desc string
		msg  Message
	}{
		{"missing id", Message{ConversationID: "c1", SenderID: "a", Type: TypeText, Content: "x"}},
		{"empty text", Message{ID: "m", ConversationID: "c1", SenderID: "a", Type: TypeText, Content: "   "}},
		{"text with attachment", Message{ID: "m", ConversationID: "c1", SenderID: "a", Type: TypeText, Content: "x", ImageRef: "u"}},
		{"image without attachment", Message{ID: "m", ConversationID: "c1", SenderID: "a", Type: TypeImage, Content: ImageContent}},
		{"unknown type", Message{ID: "m", ConversationID: "c1", SenderID: "a", Type: "video", Content: "x"}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if err := tc.msg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMessageTail(t *testing.T) {
	text := &Message{Type: TypeText, Content: "hello"}
	if text.Tail() != "hello" {
		t.Errorf("text tail = %q, want hello", text.Tail())
	}
	image := &Message{Type: TypeImage, Content: ImageContent, ImageRef: "u"}
	if image.Tail() != ImageTail {
		t.Errorf("image tail = %q, want %q", image.Tail(), ImageTail)
	}
}

func TestNewMessageIDOrdered(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	if len(a) != 20 || len(b) != 20 {
		t.Fatalf("ids should be fixed width, got %d and %d", len(a), len(b))
	}
	if a >= b {
		t.Errorf("ids should sort in mint order: %q >= %q", a, b)
	}
}

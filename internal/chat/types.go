package chat

import (
	"fmt"
	"sort"
	"strings"
)

// MessageType discriminates the content payload of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

// MessageStatus tracks delivery of a locally originated message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// ImageContent is the content label stored on image messages; the real
// payload lives behind ImageRef.
const ImageContent = "Image"

// ImageTail is the conversation preview text shown for image messages.
const ImageTail = "📷 Image"

// User is a directory record for an account.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen"`
	CreatedAt   int64  `json:"created_at"`
}

// ParticipantInfo is the display snapshot of a participant captured when a
// conversation is created. It may lag the user's current profile.
type ParticipantInfo struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is a 1:1 thread between exactly two participants. The last
// message fields are a denormalized preview of the message stream's tail and
// may transiently lag it; they must never be used for ordering messages.
type Conversation struct {
	ID                  string                     `json:"id"`
	Participants        []string                   `json:"participants"`
	ParticipantsInfo    map[string]ParticipantInfo `json:"participants_info"`
	LastMessage         string                     `json:"last_message"`
	LastMessageType     MessageType                `json:"last_message_type"`
	LastMessageSenderID string                     `json:"last_message_sender_id"`
	LastMessageAt       int64                      `json:"last_message_at"`
	CreatedAt           int64                      `json:"created_at"`
	UnreadCount         map[string]int             `json:"unread_count"`
}

// Validate enforces the structural invariants of a conversation document:
// exactly two distinct participants, info keys equal to the participant set,
// unread keys a subset of it.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return E(KindValidation, "conversation id is empty")
	}
	if len(c.Participants) != 2 {
		return E(KindValidation, fmt.Sprintf("conversation %s has %d participants, want 2", c.ID, len(c.Participants)))
	}
	if c.Participants[0] == c.Participants[1] {
		return E(KindValidation, fmt.Sprintf("conversation %s has duplicate participant %s", c.ID, c.Participants[0]))
	}
	if len(c.ParticipantsInfo) != 2 {
		return E(KindValidation, fmt.Sprintf("conversation %s has %d participant infos, want 2", c.ID, len(c.ParticipantsInfo)))
	}
	for _, p := range c.Participants {
		if _, ok := c.ParticipantsInfo[p]; !ok {
			return E(KindValidation, fmt.Sprintf("conversation %s missing info for participant %s", c.ID, p))
		}
	}
	for u := range c.UnreadCount {
		if u != c.Participants[0] && u != c.Participants[1] {
			return E(KindValidation, fmt.Sprintf("conversation %s has unread counter for non-participant %s", c.ID, u))
		}
	}
	return nil
}

// Other returns the participant that is not selfID. ok is false when selfID
// is not a participant.
func (c *Conversation) Other(selfID string) (string, bool) {
	if len(c.Participants) != 2 {
		return "", false
	}
	switch selfID {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return "", false
}

// UnreadFor returns the unread counter for a participant, zero if absent.
func (c *Conversation) UnreadFor(userID string) int {
	return c.UnreadCount[userID]
}

// PairID derives the conversation id for a pair of participants. The id is
// the sorted pair joined, so both sides of a new conversation compute the
// same document key and creation degrades to an idempotent upsert.
func PairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// SortPair returns the two ids in canonical (sorted) order.
func SortPair(a, b string) []string {
	p := []string{a, b}
	sort.Strings(p)
	return p
}

// Message is a single entry in a conversation's message stream. Messages are
// immutable once sent; only Status changes during the local send lifecycle.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	ImageRef       string        `json:"image_ref,omitempty"`
	Timestamp      int64         `json:"timestamp"`
	Status         MessageStatus `json:"status"`
}

// Validate enforces the type/payload invariant: image messages carry an
// attachment reference and the fixed content label, text messages carry none.
func (m *Message) Validate() error {
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return E(KindValidation, "message missing id, conversation or sender")
	}
	switch m.Type {
	case TypeText:
		if strings.TrimSpace(m.Content) == "" {
			return E(KindValidation, "text message has empty content")
		}
		if m.ImageRef != "" {
			return E(KindValidation, "text message carries an attachment reference")
		}
	case TypeImage:
		if m.ImageRef == "" {
			return E(KindValidation, "image message has no attachment reference")
		}
	default:
		return E(KindValidation, fmt.Sprintf("unknown message type %q", m.Type))
	}
	return nil
}

// Tail returns the conversation preview text for this message.
func (m *Message) Tail() string {
	if m.Type == TypeImage {
		return ImageTail
	}
	return m.Content
}

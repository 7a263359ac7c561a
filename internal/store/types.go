package store

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ConvID       string
	SenderID     string
	Body         string
	MessageType  string
	ImageRef     string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// SearchResult holds a message row id with a search snippet.
type SearchResult struct {
	ConvID    string
	MsgID     string
	SenderID  string
	Content   string
	Timestamp int64
	Snippet   string
}

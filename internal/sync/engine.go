package sync

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/status"
	"github.com/pigeon-im/pigeon/internal/store"
)

// Engine handles idempotent ingestion of remote snapshots into the local
// cache. Re-ingesting the same snapshot converges on identical rows.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
}

// MessagesSnapshot is the bus payload for a refreshed message stream.
type MessagesSnapshot struct {
	ConvID   string
	Messages []chat.Message
}

// NewEngine creates a new sync engine. machine may be nil in tests.
func NewEngine(db *store.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// IngestConversations processes a conversation index snapshot. Documents
// failing validation are skipped with a warning rather than poisoning the
// whole snapshot.
func (e *Engine) IngestConversations(convs []chat.Conversation) error {
	valid := make([]chat.Conversation, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		if err := c.Validate(); err != nil {
			e.logger.Warn("skipping malformed conversation", zap.String("conv_id", c.ID), zap.Error(err))
			continue
		}
		if err := e.db.UpsertConversation(c); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
		valid = append(valid, *c)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindConvoSnapshot,
		Timestamp: time.Now(),
		Payload:   valid,
	})

	// First full index snapshot marks the session caught up.
	if e.machine != nil && e.machine.Current() == status.Syncing {
		if err := e.machine.Transition(status.Ready); err != nil {
			e.logger.Warn("status transition failed", zap.Error(err))
		}
	}
	return nil
}

// IngestMessages processes a message stream snapshot in one transaction.
// Malformed messages are skipped with a warning, like malformed
// conversation documents.
func (e *Engine) IngestMessages(convID string, msgs []chat.Message) error {
	valid := make([]chat.Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if err := m.Validate(); err != nil {
			e.logger.Warn("skipping malformed message", zap.String("msg_id", m.ID), zap.Error(err))
			continue
		}
		valid = append(valid, *m)
	}

	if err := e.db.BulkUpsertMessages(valid); err != nil {
		return fmt.Errorf("upsert messages for %s: %w", convID, err)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSnapshot,
		Timestamp: time.Now(),
		Payload: MessagesSnapshot{
			ConvID:   convID,
			Messages: valid,
		},
	})
	return nil
}

// IngestMessage processes a single message upsert, outside a snapshot. Used
// for locally originated echoes.
func (e *Engine) IngestMessage(m *chat.Message) error {
	if err := e.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conv_id": m.ConversationID,
			"msg_id":  m.ID,
		},
	})
	return nil
}

// IngestUser processes a directory record snapshot.
func (e *Engine) IngestUser(u *chat.User) error {
	if err := e.db.UpsertUser(u); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   *u,
	})
	return nil
}

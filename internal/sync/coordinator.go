package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
)

// Coordinator owns the set of live remote watches and pumps their snapshots
// through the engine. At most one watch exists per key; re-watching an
// already watched key is a no-op.
type Coordinator struct {
	convs  remote.Conversations
	msgs   remote.Messages
	dir    remote.Directory
	engine *Engine
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	watches map[string]*watchHandle
	closed  bool
}

type watchHandle struct {
	stop func()
	done chan struct{}
}

// NewCoordinator creates a coordinator with no active watches.
func NewCoordinator(convs remote.Conversations, msgs remote.Messages, dir remote.Directory, engine *Engine, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		convs:   convs,
		msgs:    msgs,
		dir:     dir,
		engine:  engine,
		bus:     b,
		logger:  logger,
		watches: make(map[string]*watchHandle),
	}
}

// WatchConversations starts (or keeps) the conversation index watch for a
// signed-in user.
func (c *Coordinator) WatchConversations(ctx context.Context, userID string) error {
	key := "convs:" + userID
	return c.startWatch(ctx, key, func(ctx context.Context, done chan struct{}) (func(), error) {
		ch, stop, err := c.convs.Watch(ctx, userID)
		if err != nil {
			return nil, err
		}
		go pump(c, key, done, ch, func(snap []chat.Conversation) error {
			return c.engine.IngestConversations(snap)
		})
		return stop, nil
	})
}

// WatchMessages starts (or keeps) the message stream watch for an open
// conversation.
func (c *Coordinator) WatchMessages(ctx context.Context, convID string) error {
	key := "msgs:" + convID
	return c.startWatch(ctx, key, func(ctx context.Context, done chan struct{}) (func(), error) {
		ch, stop, err := c.msgs.Watch(ctx, convID)
		if err != nil {
			return nil, err
		}
		go pump(c, key, done, ch, func(snap []chat.Message) error {
			return c.engine.IngestMessages(convID, snap)
		})
		return stop, nil
	})
}

// WatchUser starts (or keeps) a presence/profile watch on a directory record.
func (c *Coordinator) WatchUser(ctx context.Context, userID string) error {
	key := "user:" + userID
	return c.startWatch(ctx, key, func(ctx context.Context, done chan struct{}) (func(), error) {
		ch, stop, err := c.dir.WatchUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		go pump(c, key, done, ch, func(u chat.User) error {
			return c.engine.IngestUser(&u)
		})
		return stop, nil
	})
}

// Unwatch tears down the watch for a key, waiting until its pump has
// drained. Unknown keys are ignored.
func (c *Coordinator) Unwatch(key string) {
	c.mu.Lock()
	h, ok := c.watches[key]
	if ok {
		delete(c.watches, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	h.stop()
	<-h.done
}

// UnwatchMessages tears down the message watch for a conversation.
func (c *Coordinator) UnwatchMessages(convID string) {
	c.Unwatch("msgs:" + convID)
}

// CloseAll tears down every watch and waits for all pumps to finish, leaving
// the coordinator ready for new watches. Used on sign-out, so a later
// sign-in can resubscribe.
func (c *Coordinator) CloseAll() {
	c.teardown(false)
}

// Close is the terminal variant of CloseAll: after it returns the
// coordinator refuses new watches. Used on daemon shutdown.
func (c *Coordinator) Close() {
	c.teardown(true)
}

func (c *Coordinator) teardown(terminal bool) {
	c.mu.Lock()
	if terminal {
		c.closed = true
	}
	handles := make([]*watchHandle, 0, len(c.watches))
	for key, h := range c.watches {
		handles = append(handles, h)
		delete(c.watches, key)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Active reports whether a watch exists for the key.
func (c *Coordinator) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watches[key]
	return ok
}

// startWatch registers a watch under the lock, so a concurrent watcher of
// the same key cannot double-subscribe and Unwatch never sees a
// half-constructed handle.
func (c *Coordinator) startWatch(ctx context.Context, key string, begin func(context.Context, chan struct{}) (func(), error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chat.E(chat.KindValidation, "coordinator is closed")
	}
	if _, exists := c.watches[key]; exists {
		return nil
	}
	h := &watchHandle{done: make(chan struct{})}
	stop, err := begin(ctx, h.done)
	if err != nil {
		close(h.done)
		return err
	}
	h.stop = stop
	c.watches[key] = h
	return nil
}

// pump drains one watch channel into the engine. A closed channel while the
// watch is still registered means the remote side ended the stream; that is
// surfaced as a sync error.
func pump[T any](c *Coordinator, key string, done chan struct{}, ch <-chan T, ingest func(T) error) {
	defer close(done)
	for snap := range ch {
		if err := ingest(snap); err != nil {
			c.logger.Error("snapshot ingest failed", zap.String("watch", key), zap.Error(err))
			c.bus.Publish(bus.Event{
				Kind:      bus.KindSyncError,
				Timestamp: time.Now(),
				Payload:   map[string]string{"watch": key, "error": err.Error()},
			})
		}
	}

	c.mu.Lock()
	_, registered := c.watches[key]
	if registered {
		delete(c.watches, key)
	}
	c.mu.Unlock()
	if registered {
		c.logger.Warn("watch ended unexpectedly", zap.String("watch", key))
		c.bus.Publish(bus.Event{
			Kind:      bus.KindSyncError,
			Timestamp: time.Now(),
			Payload:   map[string]string{"watch": key, "error": "watch stream closed"},
		})
	}
}

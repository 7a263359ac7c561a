package api

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/attach"
	"github.com/pigeon-im/pigeon/internal/auth"
	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/outbox"
	"github.com/pigeon-im/pigeon/internal/remote/memory"
	"github.com/pigeon-im/pigeon/internal/status"
	"github.com/pigeon-im/pigeon/internal/store"
	syncpkg "github.com/pigeon-im/pigeon/internal/sync"
)

type fixture struct {
	db       *store.DB
	backend  *memory.Backend
	bus      *bus.Bus
	machine  *status.Machine
	auth     *auth.Manager
	coord    *syncpkg.Coordinator
	sender   *outbox.Sender
	sessions *SessionService
	convs    *ConversationService
	msgs     *MessageService
	users    *UserService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	backend := memory.New()
	b := bus.New()
	logger := zap.NewNop()
	machine := status.NewMachine(b)
	if err := machine.Transition(status.SignedOut); err != nil {
		t.Fatal(err)
	}
	engine := syncpkg.NewEngine(db, b, machine, logger)
	coord := syncpkg.NewCoordinator(backend, backend.MessageLog(), backend, engine, b, logger)
	t.Cleanup(coord.Close)
	mgr := auth.NewManager(backend, backend, b, logger)
	sender := outbox.NewSender(db, backend.MessageLog(), backend, b, logger)
	uploader := attach.NewUploader(backend, 0, logger)

	return &fixture{
		db:       db,
		backend:  backend,
		bus:      b,
		machine:  machine,
		auth:     mgr,
		coord:    coord,
		sender:   sender,
		sessions: NewSessionService(mgr, machine, coord, logger),
		convs:    NewConversationService(db, backend, backend, mgr, coord, logger),
		msgs:     NewMessageService(db, coord, uploader, backend, mgr, b, logger),
		users:    NewUserService(db, backend, mgr, coord, logger),
	}
}

// signIn registers, verifies and signs in a user, returning its id.
func (f *fixture) signIn(t *testing.T, email, name string) string {
	t.Helper()
	ctx := context.Background()
	if err := f.sessions.SignUp(ctx, email, "hunter22", name); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.VerifyEmail(ctx, f.backend.VerificationToken(email)); err != nil {
		t.Fatal(err)
	}
	session, err := f.sessions.SignIn(ctx, email, "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	return session.UserID
}

// addUser registers a directory record without signing in.
func (f *fixture) addUser(t *testing.T, id, email, name string) {
	t.Helper()
	if err := f.backend.PutUser(context.Background(), &chat.User{
		ID: id, Email: email, DisplayName: name, CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
}

func waitForState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for m.Current() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", m.Current(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSignInLifecycle(t *testing.T) {
	f := newFixture(t)

	f.signIn(t, "alice@x.com", "Alice")

	// Sign-in reaches Ready once the first index snapshot lands.
	waitForState(t, f.machine, status.Ready)

	f.sessions.SignOut(context.Background())
	if f.machine.Current() != status.SignedOut {
		t.Errorf("state = %s, want %s", f.machine.Current(), status.SignedOut)
	}
}

func TestSignInAfterSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := f.signIn(t, "alice@x.com", "Alice")
	waitForState(t, f.machine, status.Ready)

	f.sessions.SignOut(ctx)
	if f.machine.Current() != status.SignedOut {
		t.Fatalf("state = %s, want %s", f.machine.Current(), status.SignedOut)
	}

	// A fresh sign-in must bring the watches back and reach Ready again.
	if _, err := f.sessions.SignIn(ctx, "alice@x.com", "hunter22"); err != nil {
		t.Fatal(err)
	}
	if !f.coord.Active("convs:" + userID) {
		t.Error("conversation watch not active after re-sign-in")
	}
	waitForState(t, f.machine, status.Ready)
}

func TestCreateOrGetConverges(t *testing.T) {
	f := newFixture(t)
	aliceID := f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob")

	conv, err := f.convs.CreateOrGet(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != chat.PairID(aliceID, "bob") {
		t.Errorf("conv id = %q, want %q", conv.ID, chat.PairID(aliceID, "bob"))
	}
	if conv.ParticipantsInfo["bob"].Name != "Bob" {
		t.Errorf("participants info = %v", conv.ParticipantsInfo)
	}

	// Second call returns the same conversation, not a fresh one.
	again, err := f.convs.CreateOrGet(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != conv.ID || again.CreatedAt != conv.CreatedAt {
		t.Error("create-or-get should converge on one document")
	}
}

func TestCreateOrGetRejectsSelf(t *testing.T) {
	f := newFixture(t)
	aliceID := f.signIn(t, "alice@x.com", "Alice")

	if _, err := f.convs.CreateOrGet(context.Background(), aliceID); chat.KindOf(err) != chat.KindValidation {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestCreateOrGetUnknownUser(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "alice@x.com", "Alice")

	if _, err := f.convs.CreateOrGet(context.Background(), "nobody"); chat.KindOf(err) != chat.KindNotFound {
		t.Errorf("got %v, want not-found error", err)
	}
}

func TestSendTextOptimisticThenSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceID := f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob")
	conv, err := f.convs.CreateOrGet(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	msgID, err := f.msgs.SendText(ctx, conv.ID, "  hello bob  ")
	if err != nil {
		t.Fatal(err)
	}

	// The echo is visible immediately with sending status.
	local, err := f.msgs.List(conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 1 || local[0].Status != chat.StatusSending {
		t.Fatalf("echo = %v, want one sending message", local)
	}
	if local[0].Content != "hello bob" {
		t.Errorf("content = %q, want trimmed text", local[0].Content)
	}
	if local[0].SenderID != aliceID {
		t.Errorf("sender = %q, want %q", local[0].SenderID, aliceID)
	}

	f.sender.Drain(ctx)

	local, err = f.msgs.List(conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if local[0].Status != chat.StatusSent {
		t.Errorf("status after drain = %q, want sent", local[0].Status)
	}
	if local[0].ID != msgID {
		t.Errorf("id changed across drain: %q != %q", local[0].ID, msgID)
	}

	// Peer unread bumped on the remote document; sender untouched.
	got, err := f.backend.Get(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadFor("bob") != 1 || got.UnreadFor(aliceID) != 0 {
		t.Errorf("unread = %v", got.UnreadCount)
	}
}

func TestSendTextRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "alice@x.com", "Alice")

	if _, err := f.msgs.SendText(context.Background(), "c", "   "); chat.KindOf(err) != chat.KindValidation {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestSendTextUnknownConversation(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "alice@x.com", "Alice")

	if _, err := f.msgs.SendText(context.Background(), "ghost", "hi"); err != chat.ErrConversationNotFound {
		t.Errorf("got %v, want ErrConversationNotFound", err)
	}
}

func TestSendImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob")
	conv, err := f.convs.CreateOrGet(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	if _, err := f.msgs.SendImage(ctx, conv.ID, png); err != nil {
		t.Fatal(err)
	}
	f.sender.Drain(ctx)

	remoteMsgs, err := f.backend.List(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remoteMsgs) != 1 {
		t.Fatalf("remote stream = %v", remoteMsgs)
	}
	m := remoteMsgs[0]
	if m.Type != chat.TypeImage || m.Content != chat.ImageContent {
		t.Errorf("image message = %+v", m)
	}
	// The message carries the stable blob key, not a transient URL.
	if !strings.HasPrefix(m.ImageRef, "attachments/"+conv.ID+"/") {
		t.Errorf("image ref = %q, want a blob key", m.ImageRef)
	}

	// The key resolves to a fetchable URL on demand.
	url, err := f.msgs.ResolveAttachment(ctx, &m)
	if err != nil {
		t.Fatal(err)
	}
	if url == "" || url == m.ImageRef {
		t.Errorf("resolved url = %q", url)
	}

	// Conversation preview shows the image marker, not the reference.
	got, _ := f.backend.Get(ctx, conv.ID)
	if got.LastMessage != chat.ImageTail {
		t.Errorf("tail = %q, want %q", got.LastMessage, chat.ImageTail)
	}
}

func TestResolveAttachmentRejectsText(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "alice@x.com", "Alice")

	msg := chat.Message{ID: "m", ConversationID: "c", SenderID: "a", Type: chat.TypeText, Content: "x"}
	if _, err := f.msgs.ResolveAttachment(context.Background(), &msg); chat.KindOf(err) != chat.KindValidation {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestSendImageRejectedUploadQueuesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob")
	conv, err := f.convs.CreateOrGet(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.msgs.SendImage(ctx, conv.ID, []byte("not an image")); err == nil {
		t.Fatal("expected upload rejection")
	}
	pending, _ := f.db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("rejected upload queued %d entries", len(pending))
	}
}

func TestMarkReadSwallowsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceID := f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob")
	conv, err := f.convs.CreateOrGet(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an inbound message bumping alice's counter.
	if err := f.backend.BumpUnread(ctx, conv.ID, aliceID); err != nil {
		t.Fatal(err)
	}

	f.convs.MarkRead(ctx, conv.ID)

	got, _ := f.backend.Get(ctx, conv.ID)
	if got.UnreadFor(aliceID) != 0 {
		t.Errorf("unread = %d, want 0", got.UnreadFor(aliceID))
	}

	// Unknown conversation: no error surfaces, nothing happens.
	f.convs.MarkRead(ctx, "ghost")
}

func TestUserSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob Marley")
	f.addUser(t, "carol", "carol@y.com", "Carol")

	// Case-insensitive display name match.
	users, err := f.users.Search(ctx, "marley")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "bob" {
		t.Errorf("search = %v, want bob", users)
	}

	// Email substring match.
	users, err = f.users.Search(ctx, "y.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "carol" {
		t.Errorf("search = %v, want carol", users)
	}

	// The signed-in user never appears in results.
	users, err = f.users.Search(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if u.Email == "alice@x.com" {
			t.Error("search must exclude self")
		}
	}

	// No match is an empty result, not an error.
	users, err = f.users.Search(ctx, "zzz-no-such-user")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Errorf("search = %v, want empty", users)
	}
}

func TestMessageWatchDeliversRemoteAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t, "alice@x.com", "Alice")
	f.addUser(t, "bob", "bob@x.com", "Bob")
	conv, err := f.convs.CreateOrGet(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.msgs.Open(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	defer f.msgs.Close(conv.ID)

	// Bob's message arrives remotely and lands in the local cache.
	inbound := &chat.Message{
		ID: "b1", ConversationID: conv.ID, SenderID: "bob", SenderName: "Bob",
		Content: "hi alice", Type: chat.TypeText, Status: chat.StatusSent,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := f.backend.Append(ctx, inbound); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		local, err := f.msgs.List(conv.ID, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(local) == 1 && local[0].ID == "b1" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("inbound message never cached: %v", local)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

package session

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/quickchat/chatlog"
	"github.com/gosuda/quickchat/identity"
	"github.com/gosuda/quickchat/transport"
)

const testRoom = "11111111-1111-1111-1111-111111111111"

type emitted struct {
	event string
	args  []any
}

// fakeConn records emits and delivers events synchronously on the caller's goroutine.
type fakeConn struct {
	mu         sync.Mutex
	nextID     uint64
	handlers   map[transport.Subscription]transport.Handler
	emits      []emitted
	unsubCalls int
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[transport.Subscription]transport.Handler)}
}

func (f *fakeConn) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, args: args})
	return nil
}

func (f *fakeConn) Subscribe(event string, h transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := transport.Subscription{ID: f.nextID, Name: event}
	f.handlers[sub] = h
	return sub
}

func (f *fakeConn) Unsubscribe(sub transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls++
	delete(f.handlers, sub)
}

func (f *fakeConn) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeConn) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for sub := range f.handlers {
		names = append(names, sub.Name)
	}
	sort.Strings(names)
	return names
}

// handler returns the live handler for name so tests can replay in-flight events.
func (f *fakeConn) handler(t *testing.T, name string) transport.Handler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, h := range f.handlers {
		if sub.Name == name {
			return h
		}
	}
	t.Fatalf("no handler for %s", name)
	return nil
}

func event(t *testing.T, name string, args ...any) transport.Event {
	t.Helper()
	ev := transport.Event{Name: name}
	for _, a := range args {
		raw, err := json.Marshal(a)
		require.NoError(t, err)
		ev.Args = append(ev.Args, raw)
	}
	return ev
}

func (f *fakeConn) deliver(t *testing.T, name string, args ...any) {
	t.Helper()
	ev := event(t, name, args...)
	f.mu.Lock()
	var subs []transport.Subscription
	for sub := range f.handlers {
		if sub.Name == name {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	hs := make([]transport.Handler, 0, len(subs))
	for _, sub := range subs {
		hs = append(hs, f.handlers[sub])
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

type recordingNav struct {
	mu      sync.Mutex
	notices []string
	homes   int
}

func (n *recordingNav) Notice(msg string) {
	n.mu.Lock()
	n.notices = append(n.notices, msg)
	n.mu.Unlock()
}

func (n *recordingNav) Home() {
	n.mu.Lock()
	n.homes++
	n.mu.Unlock()
}

func entry(author, body, sentAt string) chatlog.Entry {
	return chatlog.Entry{Author: author, Body: body, SentAt: sentAt}
}

func activeSession(t *testing.T, opts ...Option) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := New(conn, append([]Option{WithParticipant("Ana")}, opts...)...)
	require.NoError(t, s.Open(testRoom))
	conn.deliver(t, EventHistory, []chatlog.Entry{})
	require.Equal(t, PhaseActive, s.Phase())
	return s, conn
}

func TestInvalidRoomIDNeverJoins(t *testing.T) {
	conn := newFakeConn()
	nav := &recordingNav{}
	s := New(conn, WithParticipant("Ana"), WithNavigator(nav))

	err := s.Open("not-a-uuid")
	require.ErrorIs(t, err, ErrInvalidRoomID)
	assert.Equal(t, PhaseErrored, s.Phase())
	assert.ErrorIs(t, s.Err(), ErrInvalidRoomID)
	assert.Empty(t, conn.emitted())
	assert.Empty(t, conn.subscribed())
	assert.Equal(t, []string{invalidRoomNotice}, nav.notices)
	assert.Equal(t, 1, nav.homes)

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestJoinEmitsExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, WithParticipant("Ana"))

	require.NoError(t, s.Open(testRoom))
	assert.Equal(t, PhaseJoining, s.Phase())

	require.ErrorIs(t, s.SubmitIdentity("Bo"), ErrWrongPhase)
	require.ErrorIs(t, s.Open(testRoom), ErrWrongPhase)

	emits := conn.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, EventJoinRoom, emits[0].event)
	assert.Equal(t, []any{testRoom, "Ana"}, emits[0].args)
	assert.Equal(t, []string{EventHistory, EventMessage, EventRoomError, EventUsers}, conn.subscribed())
}

func TestAwaitingIdentity(t *testing.T) {
	conn := newFakeConn()
	store := identity.NewMemory("")
	s := New(conn, WithIdentity(store))

	require.NoError(t, s.Open(testRoom))
	assert.Equal(t, PhaseAwaitingIdentity, s.Phase())
	assert.Empty(t, conn.emitted())
	assert.Empty(t, conn.subscribed())

	err := s.SubmitIdentity("   ")
	require.ErrorIs(t, err, ErrEmptyInput)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.False(t, serr.Terminal())
	assert.Equal(t, PhaseAwaitingIdentity, s.Phase())
	assert.Empty(t, conn.emitted())

	require.NoError(t, s.SubmitIdentity("  Ana "))
	assert.Equal(t, PhaseJoining, s.Phase())
	emits := conn.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, []any{testRoom, "Ana"}, emits[0].args)

	saved, _ := store.Name()
	assert.Equal(t, "Ana", saved)
	assert.Equal(t, "Ana", s.Snapshot().Participant)
}

func TestStoredNameSkipsPrompt(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, WithIdentity(identity.NewMemory(" Bo ")))

	require.NoError(t, s.Open(testRoom))
	assert.Equal(t, PhaseJoining, s.Phase())
	emits := conn.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, []any{testRoom, "Bo"}, emits[0].args)
}

func TestFirstHistoryOrPresenceActivates(t *testing.T) {
	t.Run("history", func(t *testing.T) {
		conn := newFakeConn()
		s := New(conn, WithParticipant("Ana"))
		require.NoError(t, s.Open(testRoom))

		conn.deliver(t, EventMessage, entry("Bo", "early", "t0"))
		assert.Equal(t, PhaseJoining, s.Phase())

		conn.deliver(t, EventHistory, []chatlog.Entry{entry("Bo", "hi", "t0")})
		assert.Equal(t, PhaseActive, s.Phase())
	})
	t.Run("presence", func(t *testing.T) {
		conn := newFakeConn()
		s := New(conn, WithParticipant("Ana"))
		require.NoError(t, s.Open(testRoom))

		conn.deliver(t, EventUsers, []string{"Ana", "Bo"})
		assert.Equal(t, PhaseActive, s.Phase())
		assert.Equal(t, []string{"Ana", "Bo"}, s.Snapshot().Users)
	})
}

func TestHistoryThenMessageOrder(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, WithParticipant("Ana"))
	require.NoError(t, s.Open(testRoom))

	conn.deliver(t, EventHistory, []chatlog.Entry{entry("Bo", "hi", "t0")})
	conn.deliver(t, EventMessage, entry("Ana", "yo", "t1"))

	assert.Equal(t, []chatlog.Entry{
		entry("Bo", "hi", "t0"),
		entry("Ana", "yo", "t1"),
	}, s.Snapshot().Messages)
}

func TestRepeatedHistoryIsIgnored(t *testing.T) {
	s, conn := activeSession(t)
	conn.deliver(t, EventMessage, entry("Bo", "one", "t1"))
	conn.deliver(t, EventHistory, []chatlog.Entry{entry("Cy", "other", "t9")})

	assert.Equal(t, []chatlog.Entry{entry("Bo", "one", "t1")}, s.Snapshot().Messages)
}

func TestPresenceReplacedWholesale(t *testing.T) {
	s, conn := activeSession(t)
	conn.deliver(t, EventUsers, []string{"Ana", "Bo", "Cy"})
	conn.deliver(t, EventUsers, []string{"Cy"})
	assert.Equal(t, []string{"Cy"}, s.Snapshot().Users)
}

func TestSendMessage(t *testing.T) {
	at := time.Date(2024, 5, 6, 15, 4, 5, 0, time.Local)
	s, conn := activeSession(t,
		WithClock(func() time.Time { return at }),
		WithIDGenerator(func() string { return "local-1" }),
	)

	require.NoError(t, s.SendMessage("  hello  "))

	want := chatlog.Entry{ID: "local-1", Author: "Ana", Body: "hello", SentAt: "3:04:05 PM"}
	assert.Equal(t, []chatlog.Entry{want}, s.Snapshot().Messages)

	emits := conn.emitted()
	require.Len(t, emits, 2)
	assert.Equal(t, EventSendMessage, emits[1].event)
	raw, err := json.Marshal(emits[1].args[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomId":"`+testRoom+`","id":"local-1","username":"Ana","message":"hello","timestamp":"3:04:05 PM"}`, string(raw))
}

func TestSendWhitespaceIsNoop(t *testing.T) {
	s, conn := activeSession(t)
	before := len(conn.emitted())

	err := s.SendMessage(" \t ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, s.Snapshot().Messages)
	assert.Len(t, conn.emitted(), before)
	assert.Equal(t, PhaseActive, s.Phase())
}

func TestSendRequiresActive(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, WithParticipant("Ana"))
	assert.ErrorIs(t, s.SendMessage("hi"), ErrNotActive)

	require.NoError(t, s.Open(testRoom))
	assert.ErrorIs(t, s.SendMessage("hi"), ErrNotActive)
	assert.Len(t, conn.emitted(), 1)
}

func TestOwnBroadcastIsDeduplicated(t *testing.T) {
	ids := []string{"local-1", "local-2"}
	s, conn := activeSession(t, WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))

	require.NoError(t, s.SendMessage("hello"))
	require.NoError(t, s.SendMessage("hello"))
	sent := s.Snapshot().Messages
	require.Len(t, sent, 2)

	conn.deliver(t, EventMessage, sent[0])
	conn.deliver(t, EventMessage, entry("Ana", "hello", sent[0].SentAt))
	conn.deliver(t, EventMessage, chatlog.Entry{ID: "remote-9", Author: "Bo", Body: "hello", SentAt: "t2"})

	got := s.Snapshot().Messages
	require.Len(t, got, 4)
	assert.Equal(t, sent, got[:2])
	assert.Equal(t, "Ana", got[2].Author)
	assert.Empty(t, got[2].ID)
	assert.Equal(t, "remote-9", got[3].ID)
}

func TestRoomErrorDetachesOnce(t *testing.T) {
	nav := &recordingNav{}
	s, conn := activeSession(t, WithNavigator(nav))
	conn.deliver(t, EventMessage, entry("Bo", "hi", "t0"))

	onError := conn.handler(t, EventRoomError)
	onMessage := conn.handler(t, EventMessage)
	onError(event(t, EventRoomError, "Room is full"))
	onError(event(t, EventRoomError, "Room is full"))

	assert.Equal(t, PhaseErrored, s.Phase())
	require.ErrorIs(t, s.Err(), ErrRoomRejected)
	assert.EqualError(t, s.Err(), "room-rejected: Room is full")
	assert.Equal(t, 4, conn.unsubCalls)
	assert.Empty(t, conn.subscribed())
	assert.Equal(t, []string{"Room error: Room is full"}, nav.notices)
	assert.Equal(t, 1, nav.homes)

	onMessage(event(t, EventMessage, entry("Bo", "late", "t1")))
	assert.Len(t, s.Snapshot().Messages, 1)
	assert.ErrorIs(t, s.SendMessage("hi"), ErrNotActive)

	s.Close()
	assert.Equal(t, PhaseErrored, s.Phase())
	assert.Equal(t, 4, conn.unsubCalls)
}

func TestRoomErrorWhileJoining(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, WithParticipant("Ana"))
	require.NoError(t, s.Open(testRoom))

	conn.deliver(t, EventRoomError, map[string]int{"code": 7})
	assert.Equal(t, PhaseErrored, s.Phase())
	assert.EqualError(t, s.Err(), `room-rejected: {"code":7}`)
}

func TestCloseDetachesOnce(t *testing.T) {
	s, conn := activeSession(t)

	onUsers := conn.handler(t, EventUsers)
	s.Close()
	s.Close()

	assert.Equal(t, PhaseTerminated, s.Phase())
	assert.Equal(t, 4, conn.unsubCalls)
	assert.Empty(t, conn.subscribed())
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}

	onUsers(event(t, EventUsers, []string{"Bo"}))
	assert.Empty(t, s.Snapshot().Users)
	assert.Nil(t, s.Err())
}

func TestCloseBeforeJoin(t *testing.T) {
	conn := newFakeConn()
	s := New(conn)
	require.NoError(t, s.Open(testRoom))
	s.Close()

	assert.Equal(t, PhaseTerminated, s.Phase())
	assert.Equal(t, 0, conn.unsubCalls)
	assert.ErrorIs(t, s.SubmitIdentity("Ana"), ErrWrongPhase)
	assert.Empty(t, conn.emitted())
}

func TestUpdatesSignal(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, WithParticipant("Ana"))
	require.NoError(t, s.Open(testRoom))
	<-s.Updates()

	conn.deliver(t, EventUsers, []string{"Ana"})
	conn.deliver(t, EventMessage, entry("Bo", "hi", "t0"))
	select {
	case <-s.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal")
	}
	select {
	case <-s.Updates():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestMalformedEventsAreIgnored(t *testing.T) {
	s, conn := activeSession(t)
	conn.deliver(t, EventMessage, "not an entry")
	conn.deliver(t, EventUsers, 42)
	conn.deliver(t, EventHistory)

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Users)
	assert.Equal(t, PhaseActive, snap.Phase)
}

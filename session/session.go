// Package session drives one client's participation in a chat room.
//
// A Session validates the room identifier, waits for a display name when none
// is known, joins through the shared connection and then keeps the transcript
// and roster in step with the coordination service's events. Every exit path
// (room error, Close) detaches the session's handlers exactly once so a later
// session on the same connection never sees this room's events.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/quickchat/chatlog"
	"github.com/gosuda/quickchat/identity"
	"github.com/gosuda/quickchat/presence"
	"github.com/gosuda/quickchat/roomid"
	"github.com/gosuda/quickchat/transport"
)

// Phase is the lifecycle state of a Session.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseValidating       Phase = "validating"
	PhaseAwaitingIdentity Phase = "awaiting-identity"
	PhaseJoining          Phase = "joining"
	PhaseActive           Phase = "active"
	PhaseTerminated       Phase = "terminated"
	PhaseErrored          Phase = "errored"
)

func (p Phase) Terminal() bool {
	return p == PhaseTerminated || p == PhaseErrored
}

// Event names exchanged with the coordination service.
const (
	EventJoinRoom    = "join-room"
	EventSendMessage = "send-message"
	EventHistory     = "chat-history"
	EventMessage     = "receive-message"
	EventUsers       = "update-users"
	EventRoomError   = "room-error"
)

const (
	invalidRoomNotice = "Invalid Room ID format. Redirecting to home page."
	roomErrorNotice   = "Room error: "

	// TimeLabelLayout formats the sentAt label of locally authored entries.
	TimeLabelLayout = "3:04:05 PM"

	maxPendingEchoes = 256
)

// Conn is the slice of the shared connection a session needs.
// *transport.Manager satisfies it.
type Conn interface {
	Emit(event string, args ...any) error
	Subscribe(event string, h transport.Handler) transport.Subscription
	Unsubscribe(sub transport.Subscription)
}

// Navigator is how a session talks back to whatever presents it: a notice for
// the user and a request to return to the entry screen.
type Navigator interface {
	Notice(message string)
	Home()
}

// IdentityStore remembers the local display name between sessions.
type IdentityStore interface {
	Name() (string, error)
	SetName(name string) error
}

type nopNavigator struct{}

func (nopNavigator) Notice(string) {}
func (nopNavigator) Home()         {}

// Snapshot is a point-in-time copy of the session for rendering.
type Snapshot struct {
	RoomID      string
	Participant string
	Phase       Phase
	Messages    []chatlog.Entry
	Users       []string
	Err         error
}

// outgoing is the send-message payload.
type outgoing struct {
	RoomID string `json:"roomId"`
	chatlog.Entry
}

type Session struct {
	conn      Conn
	nav       Navigator
	ids       IdentityStore
	fixedName string
	now       func() time.Time
	newID     func() string

	mu           sync.Mutex
	phase        Phase
	roomID       string
	participant  string
	log          *chatlog.Log
	roster       *presence.Set
	subs         []transport.Subscription
	joined       bool
	seeded       bool
	pending      map[string]struct{}
	pendingOrder []string
	err          error

	updates chan struct{}
	done    chan struct{}
}

type Option func(*Session)

func WithNavigator(nav Navigator) Option {
	return func(s *Session) {
		if nav != nil {
			s.nav = nav
		}
	}
}

// WithIdentity reads the display name from store when the session opens and
// saves a newly submitted one.
func WithIdentity(store IdentityStore) Option {
	return func(s *Session) { s.ids = store }
}

// WithParticipant fixes the display name up front, taking precedence over any
// stored one.
func WithParticipant(name string) Option {
	return func(s *Session) { s.fixedName = name }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator sets how ids for locally authored entries are made.
func WithIDGenerator(gen func() string) Option {
	return func(s *Session) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New returns an idle session bound to conn.
func New(conn Conn, opts ...Option) *Session {
	s := &Session{
		conn:    conn,
		nav:     nopNavigator{},
		now:     time.Now,
		newID:   uuid.NewString,
		phase:   PhaseIdle,
		log:     chatlog.New(),
		roster:  presence.New(),
		pending: make(map[string]struct{}),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts the session for roomID. An invalid identifier errors the
// session without touching the network. With a known display name the
// session joins immediately; otherwise it waits for SubmitIdentity.
func (s *Session) Open(roomID string) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: open from %s", ErrWrongPhase, phase)
	}
	s.roomID = roomID
	s.phase = PhaseValidating

	if !roomid.Validate(roomID) {
		err := &Error{Kind: KindInvalidRoomID, Reason: roomID}
		s.failLocked(err)
		s.mu.Unlock()
		log.Warn().Str("room", roomID).Msg("[session] invalid room id")
		s.redirect(invalidRoomNotice)
		s.signal()
		return err
	}

	name := s.knownName()
	if name == "" {
		s.phase = PhaseAwaitingIdentity
		s.mu.Unlock()
		log.Debug().Str("room", roomID).Msg("[session] awaiting display name")
		s.signal()
		return nil
	}
	s.participant = name
	ok := s.beginJoinLocked()
	s.mu.Unlock()
	if ok {
		s.emitJoin(roomID, name)
	}
	return nil
}

func (s *Session) knownName() string {
	raw := s.fixedName
	if raw == "" && s.ids != nil {
		stored, err := s.ids.Name()
		if err != nil {
			log.Warn().Err(err).Msg("[session] read stored display name")
			return ""
		}
		raw = stored
	}
	if raw == "" {
		return ""
	}
	name, err := identity.Normalize(raw)
	if err != nil {
		return ""
	}
	return name
}

// SubmitIdentity supplies the display name while the session is awaiting one.
// A blank name is rejected with an empty-input error and changes nothing.
func (s *Session) SubmitIdentity(name string) error {
	clean, err := identity.Normalize(name)
	if err != nil {
		return &Error{Kind: KindEmptyInput, Reason: "display name is required"}
	}

	s.mu.Lock()
	if s.phase != PhaseAwaitingIdentity {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: submit identity from %s", ErrWrongPhase, phase)
	}
	s.participant = clean
	ok := s.beginJoinLocked()
	room := s.roomID
	s.mu.Unlock()

	if s.ids != nil {
		if err := s.ids.SetName(clean); err != nil {
			log.Warn().Err(err).Msg("[session] persist display name")
		}
	}
	if ok {
		s.emitJoin(room, clean)
	}
	return nil
}

// beginJoinLocked moves to Joining and attaches the room handlers. It runs at
// most once per session.
func (s *Session) beginJoinLocked() bool {
	if s.joined || s.phase.Terminal() {
		return false
	}
	s.joined = true
	s.phase = PhaseJoining
	s.subs = []transport.Subscription{
		s.conn.Subscribe(EventHistory, s.onHistory),
		s.conn.Subscribe(EventMessage, s.onMessage),
		s.conn.Subscribe(EventUsers, s.onUsers),
		s.conn.Subscribe(EventRoomError, s.onRoomError),
	}
	return true
}

func (s *Session) emitJoin(room, name string) {
	log.Info().Str("room", room).Str("name", name).Msg("[session] joining")
	if err := s.conn.Emit(EventJoinRoom, room, name); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("[session] emit join-room")
	}
	s.signal()
}

// SendMessage appends body to the transcript straight away and forwards it to
// the coordination service. Only valid while Active.
func (s *Session) SendMessage(body string) error {
	body = strings.TrimSpace(body)

	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	if body == "" {
		s.mu.Unlock()
		return &Error{Kind: KindEmptyInput, Reason: "message is empty"}
	}
	entry := chatlog.Entry{
		ID:     s.newID(),
		Author: s.participant,
		Body:   body,
		SentAt: s.now().Format(TimeLabelLayout),
	}
	s.log.Append(entry)
	s.trackEchoLocked(entry.ID)
	room := s.roomID
	s.mu.Unlock()
	s.signal()

	if err := s.conn.Emit(EventSendMessage, outgoing{RoomID: room, Entry: entry}); err != nil {
		log.Warn().Err(err).Str("room", room).Msg("[session] emit send-message")
	}
	return nil
}

func (s *Session) trackEchoLocked(id string) {
	if id == "" {
		return
	}
	s.pending[id] = struct{}{}
	s.pendingOrder = append(s.pendingOrder, id)
	if len(s.pendingOrder) > maxPendingEchoes {
		evict := s.pendingOrder[0]
		s.pendingOrder = s.pendingOrder[1:]
		delete(s.pending, evict)
	}
}

// Close ends the session and detaches its handlers. Later calls do nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseTerminated
	subs := s.detachLocked()
	close(s.done)
	room := s.roomID
	s.mu.Unlock()

	s.unsubscribe(subs)
	log.Info().Str("room", room).Msg("[session] terminated")
	s.signal()
}

func (s *Session) onHistory(ev transport.Event) {
	var entries []chatlog.Entry
	if err := ev.Arg(0, &entries); err != nil {
		log.Warn().Err(err).Msg("[session] decode chat-history")
		return
	}
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.seeded {
		room := s.roomID
		s.mu.Unlock()
		log.Debug().Str("room", room).Msg("[session] ignoring repeated chat-history")
		return
	}
	s.seeded = true
	s.log.ReplaceAll(entries)
	s.activateLocked()
	s.mu.Unlock()
	s.signal()
}

func (s *Session) onMessage(ev transport.Event) {
	var entry chatlog.Entry
	if err := ev.Arg(0, &entry); err != nil {
		log.Warn().Err(err).Msg("[session] decode receive-message")
		return
	}
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	if _, echo := s.pending[entry.ID]; echo && entry.ID != "" {
		delete(s.pending, entry.ID)
		s.mu.Unlock()
		log.Debug().Str("id", entry.ID).Msg("[session] dropped broadcast of own message")
		return
	}
	s.log.Append(entry)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) onUsers(ev transport.Event) {
	var names []string
	if err := ev.Arg(0, &names); err != nil {
		log.Warn().Err(err).Msg("[session] decode update-users")
		return
	}
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.roster.ReplaceAll(names)
	s.activateLocked()
	s.mu.Unlock()
	s.signal()
}

func (s *Session) onRoomError(ev transport.Event) {
	var reason string
	if err := ev.Arg(0, &reason); err != nil && len(ev.Args) > 0 {
		reason = string(ev.Args[0])
	}

	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	err := &Error{Kind: KindRoomRejected, Reason: reason}
	s.failLocked(err)
	subs := s.detachLocked()
	room := s.roomID
	s.mu.Unlock()

	s.unsubscribe(subs)
	log.Error().Str("room", room).Str("reason", reason).Msg("[session] room rejected")
	s.redirect(roomErrorNotice + reason)
	s.signal()
}

// activateLocked marks the join complete. The service sends no explicit
// acknowledgement; the first history or roster event stands in for one.
func (s *Session) activateLocked() {
	if s.phase != PhaseJoining {
		return
	}
	s.phase = PhaseActive
	log.Info().Str("room", s.roomID).Str("name", s.participant).Msg("[session] active")
}

func (s *Session) failLocked(err *Error) {
	s.phase = PhaseErrored
	s.err = err
	close(s.done)
}

func (s *Session) detachLocked() []transport.Subscription {
	subs := s.subs
	s.subs = nil
	return subs
}

func (s *Session) unsubscribe(subs []transport.Subscription) {
	for _, sub := range subs {
		s.conn.Unsubscribe(sub)
	}
}

func (s *Session) redirect(notice string) {
	s.nav.Notice(notice)
	s.nav.Home()
}

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates is signalled after every state change. Signals coalesce; readers
// should take a fresh Snapshot each time.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Done is closed once the session is Errored or Terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RoomID:      s.roomID,
		Participant: s.participant,
		Phase:       s.phase,
		Messages:    s.log.Entries(),
		Users:       s.roster.Names(),
		Err:         s.err,
	}
}

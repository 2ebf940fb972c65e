// Package transport keeps one long-lived websocket connection to the
// coordination service and fans incoming events out to subscribers.
//
// The connection outlives any single room session: sessions only attach and
// detach handlers. The manager redials with exponential backoff whenever the
// socket drops, and Emit never waits for the wire.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20

	defaultSendBuffer = 64
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 10 * time.Second
)

var (
	ErrClosed = errors.New("transport: manager closed")
	ErrBadURL = errors.New("transport: unsupported endpoint url")
)

// Event is the envelope carried by every websocket text frame.
type Event struct {
	Name string            `json:"event"`
	Args []json.RawMessage `json:"args"`
}

// Arg decodes the i-th positional argument into v.
func (e Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("event %q: missing argument %d", e.Name, i)
	}
	return json.Unmarshal(e.Args[i], v)
}

// Handler receives one event. Handlers run on the manager's read goroutine,
// one at a time, in arrival order.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	ID   uint64
	Name string
}

type subscriber struct {
	id uint64
	fn Handler
}

// Manager owns the process-wide connection.
type Manager struct {
	url        string
	dialer     *websocket.Dialer
	header     http.Header
	baseDelay  time.Duration
	maxDelay   time.Duration
	sendBuffer int

	mu       sync.RWMutex
	handlers map[string][]subscriber
	nextID   uint64

	send      chan []byte
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	connected atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h.Clone() }
}

// WithBackoff sets the first reconnect delay and its upper bound.
func WithBackoff(base, limit time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseDelay = base
		}
		if limit >= base {
			m.maxDelay = limit
		}
	}
}

// WithSendBuffer sets how many outgoing frames are held while the socket is
// down. When full, the oldest frame is dropped.
func WithSendBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

// Connect validates rawURL and starts maintaining a connection to it in the
// background. It returns before the first dial completes.
func Connect(ctx context.Context, rawURL string, opts ...Option) (*Manager, error) {
	endpoint, err := endpointURL(rawURL)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		url:        endpoint,
		dialer:     websocket.DefaultDialer,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		sendBuffer: defaultSendBuffer,
		handlers:   make(map[string][]subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.send = make(chan []byte, m.sendBuffer)

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	return m, nil
}

func endpointURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrBadURL)
	}
	return u.String(), nil
}

// URL returns the websocket endpoint the manager dials.
func (m *Manager) URL() string { return m.url }

// Connected reports whether a socket is currently open.
func (m *Manager) Connected() bool { return m.connected.Load() }

// Emit queues an event for sending. Delivery is best effort: frames queued
// while disconnected go out after the next successful dial unless they are
// pushed out of the buffer first.
func (m *Manager) Emit(event string, args ...any) error {
	if m.closed.Load() {
		return ErrClosed
	}
	frame, err := encodeEvent(event, args)
	if err != nil {
		return err
	}
	m.push(frame)
	return nil
}

func (m *Manager) push(frame []byte) {
	for {
		select {
		case m.send <- frame:
			return
		default:
		}
		// full: drop oldest to avoid blocking the caller
		select {
		case <-m.send:
			log.Debug().Str("url", m.url).Msg("[transport] send buffer full; dropped oldest frame")
		default:
		}
	}
}

func encodeEvent(event string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(struct {
		Event string `json:"event"`
		Args  []any  `json:"args"`
	}{event, args}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Subscribe registers h for every future event named event.
func (m *Manager) Subscribe(event string, h Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.handlers[event] = append(m.handlers[event], subscriber{id: m.nextID, fn: h})
	return Subscription{ID: m.nextID, Name: event}
}

// Unsubscribe removes the handler behind sub. Removing twice is a no-op.
func (m *Manager) Unsubscribe(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.handlers[sub.Name]
	for i, s := range list {
		if s.id != sub.ID {
			continue
		}
		// copy so an in-flight dispatch keeps its own view
		next := append(list[:i:i], list[i+1:]...)
		if len(next) == 0 {
			delete(m.handlers, sub.Name)
		} else {
			m.handlers[sub.Name] = next
		}
		return
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.RLock()
	subs := m.handlers[ev.Name]
	m.mu.RUnlock()
	if len(subs) == 0 {
		log.Debug().Str("event", ev.Name).Msg("[transport] no subscribers")
		return
	}
	for _, s := range subs {
		s.fn(ev)
	}
}

// Close stops reconnecting and closes the socket. Safe to call more than once.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	log.Info().Str("url", m.url).Msg("[transport] closed")
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	attempt := 0
	for {
		conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := m.backoff(attempt)
			attempt++
			log.Warn().Err(err).Str("url", m.url).Dur("retry_in", delay).Msg("[transport] dial failed")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		attempt = 0
		m.connected.Store(true)
		log.Info().Str("url", m.url).Msg("[transport] connected")
		m.serve(ctx, conn)
		m.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		log.Info().Str("url", m.url).Msg("[transport] disconnected; redialing")
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return m.maxDelay
	}
	d := m.baseDelay << attempt
	if d > m.maxDelay || d <= 0 {
		return m.maxDelay
	}
	return d
}

func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writeLoop(conn, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		case <-stop:
		}
	}()
	m.readLoop(conn)
	close(stop)
	wg.Wait()
	_ = conn.Close()
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("url", m.url).Msg("[transport] read message")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Name == "" {
			log.Warn().Err(err).Int("bytes", len(payload)).Msg("[transport] dropping undecodable frame")
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case frame := <-m.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("url", m.url).Msg("[transport] write message")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

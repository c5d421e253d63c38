// Package sse is the SSE Fan-out Manager (C6): per-channel subscriber
// sets, resumable-cursor ring buffers, heartbeats, and backpressure —
// structurally grounded in the teacher's pkg/events.ConnectionManager
// (connections/channels maps under two mutexes, snapshot-under-lock then
// send-outside-lock), adapted from bidirectional WebSocket to
// unidirectional Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultRingBufferSize   = 500
	defaultHeartbeatPeriod  = 60 * time.Second
	defaultBacklogWatermark = 256
	defaultOverflowGrace    = 3
)

var droppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "sse_dropped_events_total",
	Help: "Total number of SSE events dropped for a backpressured connection",
}, []string{"channel"})

func init() {
	prometheus.MustRegister(droppedEvents)
}

// Event is one broadcastable frame; ID is assigned by the channel's
// counter at broadcast time.
type Event struct {
	ID    int64
	Type  string
	Data  any
}

// Writer is the minimal surface a Connection needs from its transport —
// satisfied by http.ResponseWriter + http.Flusher in production, and by a
// buffer-backed fake in tests.
type Writer interface {
	Write(p []byte) (int, error)
	Flush()
}

// Connection is one subscriber's outgoing stream.
type Connection struct {
	id       string
	w        Writer
	outgoing chan sse.Event
	done     chan struct{}
	closeOnce sync.Once

	dropStreak int
}

func newConnection(id string, w Writer, watermark int) *Connection {
	return &Connection{
		id:       id,
		w:        w,
		outgoing: make(chan sse.Event, watermark),
		done:     make(chan struct{}),
	}
}

// enqueue is the non-blocking broadcast send: if the connection's buffered
// channel is full, the event is dropped for this connection only (§4.5).
func (c *Connection) enqueue(ev sse.Event, channel string) (dropped bool) {
	select {
	case c.outgoing <- ev:
		c.dropStreak = 0
		return false
	default:
		droppedEvents.WithLabelValues(channel).Inc()
		c.dropStreak++
		return true
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// channelState is one fan-out channel: a monotonic id counter, the set of
// subscribed connection ids, and a bounded ring buffer for catchup.
type channelState struct {
	mu          sync.Mutex
	nextID      int64
	subscribers map[string]*Connection
	ring        []Event // circular buffer, oldest overwritten first
	ringHead    int
	ringFilled  bool
	ringSize    int
}

func newChannelState(ringSize int) *channelState {
	return &channelState{
		subscribers: make(map[string]*Connection),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

func (cs *channelState) append(ev Event) {
	cs.ring[cs.ringHead] = ev
	cs.ringHead = (cs.ringHead + 1) % cs.ringSize
	if cs.ringHead == 0 {
		cs.ringFilled = true
	}
}

// since returns buffered events with ID > lastEventID, oldest first, and
// whether the ring buffer still held every event since lastEventID (false
// means some events were evicted — the caller should signal overflow).
func (cs *channelState) since(lastEventID int64) ([]Event, bool) {
	count := cs.ringSize
	if !cs.ringFilled {
		count = cs.ringHead
	}
	out := make([]Event, 0, count)
	oldestIdx := 0
	if cs.ringFilled {
		oldestIdx = cs.ringHead
	}
	var oldestID int64 = -1
	for i := 0; i < count; i++ {
		idx := (oldestIdx + i) % cs.ringSize
		ev := cs.ring[idx]
		if oldestID == -1 {
			oldestID = ev.ID
		}
		if ev.ID > lastEventID {
			out = append(out, ev)
		}
	}
	complete := lastEventID == 0 || oldestID == -1 || lastEventID >= oldestID-1
	return out, complete
}

// Manager fans events out to SSE subscribers across named channels.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	ringSize         int
	heartbeatPeriod  time.Duration
	backlogWatermark int
	overflowGrace    int
	logger           *slog.Logger
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithRingSize(n int) Option            { return func(m *Manager) { m.ringSize = n } }
func WithHeartbeatPeriod(d time.Duration) Option { return func(m *Manager) { m.heartbeatPeriod = d } }
func WithBacklogWatermark(n int) Option     { return func(m *Manager) { m.backlogWatermark = n } }
func WithOverflowGrace(n int) Option        { return func(m *Manager) { m.overflowGrace = n } }

// New builds a Manager with the given options applied over defaults.
func New(opts ...Option) *Manager {
	m := &Manager{
		channels:         make(map[string]*channelState),
		ringSize:         defaultRingBufferSize,
		heartbeatPeriod:  defaultHeartbeatPeriod,
		backlogWatermark: defaultBacklogWatermark,
		overflowGrace:    defaultOverflowGrace,
		logger:           slog.Default().With("component", "sse-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) channel(name string) *channelState {
	m.mu.RLock()
	cs, ok := m.channels[name]
	m.mu.RUnlock()
	if ok {
		return cs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.channels[name]; ok {
		return cs
	}
	cs = newChannelState(m.ringSize)
	m.channels[name] = cs
	return cs
}

// Broadcast assigns the next id on channelName and fans ev out to every
// subscriber, non-blocking per connection (§4.5's backpressure contract).
func (m *Manager) Broadcast(channelName, eventType string, data any) {
	cs := m.channel(channelName)

	cs.mu.Lock()
	cs.nextID++
	id := cs.nextID
	cs.append(Event{ID: id, Type: eventType, Data: data})

	conns := make([]*Connection, 0, len(cs.subscribers))
	for _, c := range cs.subscribers {
		conns = append(conns, c)
	}
	cs.mu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("failed to marshal SSE event", "channel", channelName, "error", err)
		return
	}
	frame := sse.Event{Id: fmt.Sprintf("%d", id), Event: eventType, Data: json.RawMessage(payload)}

	for _, c := range conns {
		if c.enqueue(frame, channelName) && c.dropStreak > m.overflowGrace {
			m.closeWithOverflow(channelName, c)
		}
	}
}

func (m *Manager) closeWithOverflow(channelName string, c *Connection) {
	overflow := sse.Event{Event: "stream:overflow", Data: json.RawMessage(`{}`)}
	select {
	case c.outgoing <- overflow:
	default:
	}
	m.Unsubscribe(channelName, c.id)
	c.close()
}

// Subscribe registers w as a subscriber of channelName and, if lastEventID
// is nonzero, replays buffered events with a greater id before returning —
// the resume-by-last-event-id contract of §4.5.
func (m *Manager) Subscribe(channelName, connID string, w Writer, lastEventID int64) *Connection {
	cs := m.channel(channelName)
	conn := newConnection(connID, w, m.backlogWatermark)

	cs.mu.Lock()
	cs.subscribers[connID] = conn
	var backlog []Event
	var complete bool
	if lastEventID > 0 {
		backlog, complete = cs.since(lastEventID)
	}
	cs.mu.Unlock()

	// conn.outgoing is only drained once Serve's goroutine starts, which
	// happens after Subscribe returns (pkg/api/stream.go calls them in that
	// order) — so backlog replay must go through the same non-blocking
	// enqueue Broadcast uses rather than a direct channel send, or a backlog
	// larger than backlogWatermark would deadlock this call forever.
	if lastEventID > 0 && !complete {
		overflow := sse.Event{Event: "stream:overflow", Data: json.RawMessage(`{"reason":"retention_exceeded"}`)}
		conn.enqueue(overflow, channelName)
	}
	for _, ev := range backlog {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			continue
		}
		conn.enqueue(sse.Event{Id: fmt.Sprintf("%d", ev.ID), Event: ev.Type, Data: json.RawMessage(payload)}, channelName)
	}

	return conn
}

// Unsubscribe removes connID from channelName's subscriber set.
func (m *Manager) Unsubscribe(channelName, connID string) {
	cs := m.channel(channelName)
	cs.mu.Lock()
	delete(cs.subscribers, connID)
	cs.mu.Unlock()
}

// Serve drains conn's outgoing queue to its writer, encoding each as an SSE
// wire frame, until ctx is cancelled or the connection is closed. A
// dedicated heartbeat ticker writes a comment line every heartbeatPeriod to
// defeat intermediary idle timeouts.
func (m *Manager) Serve(ctx context.Context, conn *Connection) error {
	ticker := time.NewTicker(m.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.done:
			return nil
		case <-ticker.C:
			if err := writeHeartbeat(conn.w); err != nil {
				return fmt.Errorf("sse: heartbeat write failed: %w", err)
			}
		case ev, ok := <-conn.outgoing:
			if !ok {
				return nil
			}
			if err := sse.Encode(conn.w, ev); err != nil {
				return fmt.Errorf("sse: encode frame: %w", err)
			}
			conn.w.Flush()
		}
	}
}

func writeHeartbeat(w Writer) error {
	_, err := w.Write([]byte(": heartbeat\n\n"))
	if err != nil {
		return err
	}
	w.Flush()
	return nil
}

// SubscriberCount reports how many connections currently subscribe to
// channelName, used by health surfaces and tests.
func (m *Manager) SubscriberCount(channelName string) int {
	cs := m.channel(channelName)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.subscribers)
}

// ChannelCounts snapshots every channel's current subscriber count —
// channels that have never had a connection are never materialized by
// channel(), so an empty channel simply never appears here. Used by the
// aggregate health endpoint to report live SSE fan-out load.
func (m *Manager) ChannelCounts() map[string]int {
	m.mu.RLock()
	names := make([]string, 0, len(m.channels))
	states := make([]*channelState, 0, len(m.channels))
	for name, cs := range m.channels {
		names = append(names, name)
		states = append(states, cs)
	}
	m.mu.RUnlock()

	out := make(map[string]int, len(names))
	for i, name := range names {
		cs := states[i]
		cs.mu.Lock()
		out[name] = len(cs.subscribers)
		cs.mu.Unlock()
	}
	return out
}

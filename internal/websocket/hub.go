package websocket

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/metrics"
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	meta  ChannelMeta
	conn  *websocket.Conn
	errCh chan error
}

func (cmdRegister) hubCmd() {}

type cmdPush struct {
	connectionID string
	data         []byte
	errCh        chan error
}

func (cmdPush) hubCmd() {}

type cmdClose struct {
	connectionID string
}

func (cmdClose) hubCmd() {}

type cmdSetState struct {
	connectionID string
	state        domain.ConnectionState
}

func (cmdSetState) hubCmd() {}

type cmdMarkPing struct {
	connectionID string
	at           time.Time
}

func (cmdMarkPing) hubCmd() {}

type cmdSnapshot struct {
	replyCh chan []ChannelMeta
}

func (cmdSnapshot) hubCmd() {}

type cmdSessionConns struct {
	sessionID string
	replyCh   chan []string
}

func (cmdSessionConns) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// --- Per-connection writer ---

type channelWriter struct {
	conn   *websocket.Conn
	sendCh chan []byte
}

func newChannelWriter(conn *websocket.Conn) *channelWriter {
	cw := &channelWriter{
		conn:   conn,
		sendCh: make(chan []byte, 16),
	}
	go cw.run()
	return cw
}

// run drains sendCh until it is closed, then closes the socket. Stopping
// via channel close rather than a signal means messages queued just before
// a close (an error envelope, a final sessionEnded) still reach the client.
func (cw *channelWriter) run() {
	defer cw.conn.Close()
	for msg := range cw.sendCh {
		cw.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// stop is only called from the hub goroutine, which is also the only
// sender, so closing sendCh cannot race a send.
func (cw *channelWriter) stop() {
	close(cw.sendCh)
}

// --- Hub ---

// ChannelMeta is the hub's in-memory view of one held channel. The liveness
// monitor works entirely off Snapshot copies of it.
type ChannelMeta struct {
	ConnectionID   string
	SessionID      string
	Role           domain.Role
	TargetLanguage string
	State          domain.ConnectionState
	ConnectedAt    time.Time
	LastPingAt     time.Time
}

type channel struct {
	meta   ChannelMeta
	writer *channelWriter
}

// Hub owns every websocket this instance holds, keyed by connection id. A
// single goroutine processes all commands, so the channel table needs no
// locking.
type Hub struct {
	cmdCh    chan hubCmd
	channels map[string]*channel

	// onDropped fires when the hub itself evicts a channel (slow consumer).
	// Sockets closed by client disconnect surface through the read loop
	// instead and never pass through here.
	onDropped func(connectionID string)
}

func NewHub(onDropped func(connectionID string)) *Hub {
	hub := &Hub{
		cmdCh:     make(chan hubCmd, 256),
		channels:  make(map[string]*channel),
		onDropped: onDropped,
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c)
		case cmdPush:
			c.errCh <- h.handlePush(c.connectionID, c.data)
		case cmdClose:
			h.handleClose(c.connectionID)
		case cmdSetState:
			if ch, ok := h.channels[c.connectionID]; ok {
				ch.meta.State = c.state
			}
		case cmdMarkPing:
			if ch, ok := h.channels[c.connectionID]; ok {
				ch.meta.LastPingAt = c.at
			}
		case cmdSnapshot:
			out := make([]ChannelMeta, 0, len(h.channels))
			for _, ch := range h.channels {
				out = append(out, ch.meta)
			}
			c.replyCh <- out
		case cmdSessionConns:
			var out []string
			for id, ch := range h.channels {
				if ch.meta.SessionID == c.sessionID {
					out = append(out, id)
				}
			}
			c.replyCh <- out
		case cmdStop:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	if _, exists := h.channels[c.meta.ConnectionID]; exists {
		c.conn.Close()
		c.errCh <- domain.ErrConnectionExists
		return
	}
	h.channels[c.meta.ConnectionID] = &channel{
		meta:   c.meta,
		writer: newChannelWriter(c.conn),
	}
	metrics.ActiveConnections.WithLabelValues(string(c.meta.Role)).Inc()
	c.errCh <- nil
}

func (h *Hub) handlePush(connectionID string, data []byte) error {
	ch, exists := h.channels[connectionID]
	if !exists {
		return domain.ErrChannelGone
	}

	select {
	case ch.writer.sendCh <- data:
		return nil
	default:
		// Slow consumer: its buffer has been full for a while. Evict it and
		// let cleanup treat the channel as lost.
		slog.Warn("evicting slow channel", "connection_id", connectionID, "session_id", ch.meta.SessionID)
		h.removeChannel(connectionID)
		if h.onDropped != nil {
			go h.onDropped(connectionID)
		}
		return domain.ErrChannelGone
	}
}

func (h *Hub) handleClose(connectionID string) {
	h.removeChannel(connectionID)
}

func (h *Hub) removeChannel(connectionID string) {
	ch, exists := h.channels[connectionID]
	if !exists {
		return
	}
	ch.writer.stop()
	delete(h.channels, connectionID)
	metrics.ActiveConnections.WithLabelValues(string(ch.meta.Role)).Dec()
}

func (h *Hub) handleStop() {
	for id, ch := range h.channels {
		ch.writer.stop()
		metrics.ActiveConnections.WithLabelValues(string(ch.meta.Role)).Dec()
		delete(h.channels, id)
	}
}

// --- Public API ---

// Register hands a freshly upgraded socket to the hub.
func (h *Hub) Register(meta ChannelMeta, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	h.cmdCh <- cmdRegister{meta: meta, conn: conn, errCh: errCh}
	return <-errCh
}

// Push delivers one message to a held channel. Returns ErrChannelGone when
// the socket is no longer on this instance.
func (h *Hub) Push(connectionID string, msg domain.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	h.cmdCh <- cmdPush{connectionID: connectionID, data: data, errCh: errCh}
	return <-errCh
}

// Close releases the channel without notifying anyone. Closing an unknown
// connection id is a no-op.
func (h *Hub) Close(connectionID string) {
	h.cmdCh <- cmdClose{connectionID: connectionID}
}

// SetState updates the hub's view of a channel's lifecycle state.
func (h *Hub) SetState(connectionID string, state domain.ConnectionState) {
	h.cmdCh <- cmdSetState{connectionID: connectionID, state: state}
}

// MarkPing records a liveness ping against the held channel.
func (h *Hub) MarkPing(connectionID string, at time.Time) {
	h.cmdCh <- cmdMarkPing{connectionID: connectionID, at: at}
}

// Snapshot returns a copy of every held channel's metadata.
func (h *Hub) Snapshot() []ChannelMeta {
	replyCh := make(chan []ChannelMeta, 1)
	h.cmdCh <- cmdSnapshot{replyCh: replyCh}
	return <-replyCh
}

// ConnectionsForSession returns the ids of channels this instance holds for
// one session.
func (h *Hub) ConnectionsForSession(sessionID string) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- cmdSessionConns{sessionID: sessionID, replyCh: replyCh}
	return <-replyCh
}

func (h *Hub) Stop() {
	h.cmdCh <- cmdStop{}
}

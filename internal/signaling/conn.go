package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/session"
)

const wsWriteWait = 1 * time.Second

// conn is one signaling connection. The reader goroutine (run) owns the
// protocol state; writeLoop owns every write to ws. logger is only replaced
// by the reader, under mu.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	id       string
	logger   *slog.Logger
	limiter  *rate.Limiter
	occupant *session.Occupant

	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

var _ session.Channel = (*conn)(nil)

// Notify implements session.Channel.
func (c *conn) Notify(e session.Event) {
	switch e {
	case session.EventPeerJoined:
		c.enqueue(framePeerJoined)
	case session.EventPeerLeft:
		c.enqueue(framePeerLeft)
	}
}

// Forward implements session.Channel.
func (c *conn) Forward(frame []byte) {
	c.enqueue(frame)
}

// enqueue queues frame for the writer without blocking. A connection whose
// queue is full is too slow to keep up and is disconnected.
func (c *conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
	}

	c.closed = true
	c.srv.metrics.Inc(metrics.SendQueueOverflow)
	c.logger.Warn("signaling send queue full; disconnecting", "queue", cap(c.out))
	_ = c.ws.Close()
	return false
}

// closeWith records the close frame sent after queued frames drain. The first
// call wins.
func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
}

func (c *conn) closeFrame() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// fail sends an error frame and closes the connection with 1008 once the
// frame has been written.
func (c *conn) fail(err error) {
	msg := clientErrorMessage(err)
	switch {
	case errors.Is(err, ErrInvalidMessage):
		c.srv.metrics.Inc(metrics.InvalidMessage)
	case errors.Is(err, errRateLimited):
		c.srv.metrics.Inc(metrics.RateLimited)
	}
	c.logger.Info("closing signaling connection", "reason", msg, "err", err)
	c.enqueue(encodeError(msg))
	c.closeWith(websocket.ClosePolicyViolation, closeReason(err))
}

// shutdown is used by Server.Close: it closes with 1001 and unblocks the
// reader.
func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		c.closeCode = websocket.CloseGoingAway
		c.closeReason = "server shutting down"
	}
	_ = c.ws.SetReadDeadline(time.Now())
}

// extendReadDeadline pushes the idle deadline out, unless a close is pending.
// It holds mu so it cannot undo the deadline set by shutdown.
func (c *conn) extendReadDeadline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode != 0 {
		return c.ws.SetReadDeadline(time.Now())
	}
	return c.ws.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
}

func (c *conn) run() {
	defer c.finish()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("signaling handler panic", "panic", r, "stack", string(debug.Stack()))
			c.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	go c.writeLoop()

	c.ws.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.extendReadDeadline()

		// Apply the rate limit after reading so bytes already in the receive
		// buffer are consumed and the client observes the close frame.
		if !c.limiter.Allow() {
			c.fail(errRateLimited)
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(fmt.Errorf("%w: expected text message", ErrInvalidMessage))
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			c.fail(err)
			return
		}
		if !c.handle(msg, data) {
			return
		}
	}
}

// handle dispatches one valid message. It returns false when the connection
// should close.
func (c *conn) handle(msg clientMessage, frame []byte) bool {
	switch msg.Type {
	case messageTypeJoin:
		return c.handleJoin(*msg.Code)
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		c.relay(msg.Type, frame)
		return true
	case messageTypeLeave:
		c.logger.Info("occupant left")
		c.closeWith(websocket.CloseNormalClosure, "leave")
		return false
	default:
		c.fail(fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, msg.Type))
		return false
	}
}

func (c *conn) handleJoin(code string) bool {
	if c.occupant.Session() != nil {
		c.fail(fmt.Errorf("%w: already joined", ErrInvalidMessage))
		return false
	}
	if !session.ValidCode(code) {
		c.srv.metrics.Inc(metrics.JoinRejectedInvalid)
		c.fail(session.ErrInvalidCode)
		return false
	}

	// The credential only depends on the connection id, so it is issued before
	// seating; a rejected join then leaves nothing to undo.
	servers, cred, err := c.srv.iceServersFor(c.id)
	if err != nil {
		c.srv.metrics.Inc(metrics.CredentialIssueFailure)
		c.fail(err)
		return false
	}
	resp, err := encodeJoin(servers, c.srv.relayPolicy)
	if err != nil {
		c.fail(err)
		return false
	}

	// The join response and peer-joined are queued while the seat is held, so
	// neither side can observe peer-left first.
	sess, prior, err := c.srv.registry.Join(code, c.occupant, func(prior *session.Occupant) {
		c.enqueue(resp)
		if prior != nil {
			prior.Channel.Notify(session.EventPeerJoined)
		}
	})
	if err != nil {
		if errors.Is(err, session.ErrRoomFull) {
			c.srv.metrics.Inc(metrics.JoinRejectedRoomFull)
		}
		c.fail(err)
		return false
	}
	c.mu.Lock()
	c.logger = c.logger.With("code", c.occupant.Code())
	c.mu.Unlock()

	if cred != nil {
		c.srv.registry.TrackCredential(sess, c.id, *cred)
		c.srv.metrics.Inc(metrics.CredentialIssued)
	}
	c.srv.metrics.Inc(metrics.JoinAccepted)

	if prior != nil {
		c.srv.metrics.Inc(metrics.PeerJoinedSent)
		c.logger.Info("joined session; notified first occupant", "peer_id", prior.ID)
	} else {
		c.logger.Info("joined session; waiting for peer")
	}
	return true
}

func (c *conn) relay(t messageType, frame []byte) {
	peer := c.srv.registry.FindPeer(c.occupant)
	if peer == nil {
		c.srv.metrics.Inc(metrics.RelayDroppedNoPeer)
		c.logger.Debug("no peer to relay to; dropping", "type", t)
		return
	}
	peer.Channel.Forward(frame)
	c.srv.metrics.Inc(metrics.RelayForwarded)
}

// finish vacates the seat, schedules revocation, and lets the writer flush
// queued frames and the close frame before the socket is closed.
func (c *conn) finish() {
	removal := c.srv.registry.RemoveOccupant(c.occupant)
	if removal.Remaining != nil {
		c.srv.metrics.Inc(metrics.PeerLeftSent)
	}
	if removal.SessionDeleted {
		c.logger.Debug("session destroyed")
	}
	c.srv.revoke(removal, c.logger)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	<-c.writerDone

	_ = c.ws.Close()
	c.srv.metrics.Inc(metrics.ConnectionClosed)
	c.logger.Info("signaling connection closed")
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				c.abort(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.abort(err)
				return
			}
		case <-c.done:
			if !c.drain() {
				return
			}
			if code, reason := c.closeFrame(); code != 0 {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
			}
			return
		}
	}
}

// drain writes whatever is still queued. No frames are added once done is
// closed.
func (c *conn) drain() bool {
	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// abort stops accepting frames after a write failure and unblocks the reader.
func (c *conn) abort(err error) {
	c.mu.Lock()
	c.closed = true
	logger := c.logger
	c.mu.Unlock()
	logger.Debug("signaling write failed", "err", err)
	_ = c.ws.Close()
}

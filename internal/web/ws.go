package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Message types on the event stream.
const (
	MsgEvent            = "event"
	MsgPing             = "ping"
	MsgPong             = "pong"
	MsgBackfillComplete = "backfill_complete"
	MsgBackfillExpired  = "backfill_expired"
	MsgSubscribe        = "subscribe"
	MsgSubscribed       = "subscribed"
	MsgUnsubscribe      = "unsubscribe"
	MsgUnsubscribed     = "unsubscribed"
	MsgSubscribeAll     = "subscribe_all"
	MsgError            = "error"
)

// ServerMessage is every frame the server writes.
type ServerMessage struct {
	Type       string    `json:"type"`
	Payload    *db.Event `json:"payload,omitempty"`
	Count      *int      `json:"count,omitempty"`
	Message    string    `json:"message,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
}

// ClientMessage is every frame a client may send.
type ClientMessage struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the stream is read-only and served to local dashboards
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventStream upgrades to a WebSocket and streams events. With ?since
// the retained events after that ID are replayed first, followed by
// backfill_complete, or backfill_expired when the position was purged.
func (s *Server) handleEventStream(c echo.Context) error {
	since, err := parseSince(c)
	if err != nil {
		return err
	}
	backfill := c.QueryParam("since") != ""

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	// subscribe first so nothing broadcast during the replay is lost
	sub := s.stream.Subscribe()
	defer s.stream.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	st := &stream{
		conn:      conn,
		sub:       sub,
		heartbeat: s.config.HeartbeatInterval,
		grace:     s.config.PongGrace,
		pongs:     make(chan struct{}, 1),
		replies:   make(chan ServerMessage, 8),
		logger:    s.logger.With(zap.String("remote", c.RealIP())),
	}

	if backfill {
		last, err := st.replay(ctx, s.stream, since)
		if err != nil {
			st.logger.Debug("backfill aborted", zap.Error(err))
			return nil
		}
		st.lastReplayed = last
	}

	go st.read(cancel)
	st.write(ctx)
	return nil
}

type stream struct {
	conn      *websocket.Conn
	sub       *eventbus.Subscriber
	heartbeat time.Duration
	grace     time.Duration
	logger    *zap.Logger

	// live events at or below this ID were already sent by the replay
	lastReplayed int64

	pongs   chan struct{}
	replies chan ServerMessage
}

func (st *stream) send(msg ServerMessage) error {
	st.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return st.conn.WriteJSON(msg)
}

func (st *stream) replay(ctx context.Context, bus Stream, since int64) (int64, error) {
	events, err := bus.Backfill(ctx, since)
	if errors.Is(err, eventbus.ErrBackfillExpired) {
		return 0, st.send(ServerMessage{
			Type:    MsgBackfillExpired,
			Message: "events after " + formatID(since) + " have been purged; refresh state over REST",
		})
	}
	if err != nil {
		st.send(ServerMessage{Type: MsgError, Message: "backfill failed"})
		return 0, err
	}
	last := since
	for i := range events {
		if err := st.send(ServerMessage{Type: MsgEvent, Payload: &events[i]}); err != nil {
			return 0, err
		}
		last = events[i].ID
	}
	n := len(events)
	return last, st.send(ServerMessage{Type: MsgBackfillComplete, Count: &n})
}

// read handles client frames until the connection fails, then cancels the
// writer.
func (st *stream) read(cancel context.CancelFunc) {
	defer cancel()
	st.conn.SetReadLimit(maxMessageSize)
	for {
		var msg ClientMessage
		if err := st.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case MsgPong:
			select {
			case st.pongs <- struct{}{}:
			default:
			}
		case MsgSubscribe:
			if msg.WorkflowID == "" {
				st.reply(ServerMessage{Type: MsgError, Message: "subscribe requires workflow_id"})
				continue
			}
			st.sub.Watch(msg.WorkflowID)
			st.reply(ServerMessage{Type: MsgSubscribed, WorkflowID: msg.WorkflowID})
		case MsgUnsubscribe:
			if msg.WorkflowID == "" {
				st.reply(ServerMessage{Type: MsgError, Message: "unsubscribe requires workflow_id"})
				continue
			}
			st.sub.Unwatch(msg.WorkflowID)
			st.reply(ServerMessage{Type: MsgUnsubscribed, WorkflowID: msg.WorkflowID})
		case MsgSubscribeAll:
			st.sub.WatchAll()
			st.reply(ServerMessage{Type: MsgSubscribed})
		default:
			st.reply(ServerMessage{Type: MsgError, Message: "unknown message type " + msg.Type})
		}
	}
}

// reply queues a frame for the writer. Replies are dropped when a client
// floods faster than the writer drains.
func (st *stream) reply(msg ServerMessage) {
	select {
	case st.replies <- msg:
	default:
	}
}

// write owns every write on the connection: live events, replies and the
// heartbeat.
func (st *stream) write(ctx context.Context) {
	ticker := time.NewTicker(st.heartbeat)
	defer ticker.Stop()

	var (
		pongTimer *time.Timer
		pongDue   <-chan time.Time
	)
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	closeWith := func(code int, text string) {
		st.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.sub.Done():
			if err := st.sub.Err(); err != nil {
				st.logger.Info("closing evicted subscriber", zap.Error(err))
				closeWith(websocket.ClosePolicyViolation, "slow consumer")
			} else {
				closeWith(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case ev := <-st.sub.Events():
			if ev.ID <= st.lastReplayed {
				continue
			}
			if err := st.send(ServerMessage{Type: MsgEvent, Payload: &ev}); err != nil {
				st.logger.Debug("websocket write", zap.Error(err))
				return
			}
		case msg := <-st.replies:
			if err := st.send(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := st.send(ServerMessage{Type: MsgPing}); err != nil {
				return
			}
			if pongDue == nil {
				pongTimer = time.NewTimer(st.grace)
				pongDue = pongTimer.C
			}
		case <-st.pongs:
			if pongTimer != nil {
				pongTimer.Stop()
			}
			pongTimer, pongDue = nil, nil
		case <-pongDue:
			st.logger.Info("no pong within grace period, disconnecting")
			closeWith(websocket.CloseGoingAway, "heartbeat timeout")
			return
		}
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

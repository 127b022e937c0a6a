package broadcast

import (
	"context"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 64
	pingPeriod     = 30 * time.Second
	maxClientFrame = 4096
)

// WebsocketSubscriber writes hub events to one websocket connection. Clients
// only read; anything they send is discarded.
type WebsocketSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	send         chan Event
	done         chan struct{}
	closeOnce    sync.Once
}

func NewWebsocketSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *WebsocketSubscriber {
	return &WebsocketSubscriber{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		send:         make(chan Event, sendBufferSize),
		done:         make(chan struct{}),
	}
}

func (s *WebsocketSubscriber) ID() string {
	return s.id
}

func (s *WebsocketSubscriber) Send(event Event) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.send <- event:
		return nil
	case <-s.done:
		return ErrSubscriberClosed
	default:
		return ErrSubscriberSlow
	}
}

// Run pumps events until the client disconnects, a write fails or ctx ends.
func (s *WebsocketSubscriber) Run(ctx context.Context) {
	defer s.close()

	go s.readLoop()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway)
			return
		case <-s.done:
			return
		case event := <-s.send:
			err := s.writeEvent(event)
			if err != nil {
				logging.Logger.Debug("[Websocket] Write failed, closing subscriber",
					zap.String("subscriber_id", s.id),
					zap.String("error", err.Error()),
				)

				return
			}
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
			if err != nil {
				return
			}
		}
	}
}

func (s *WebsocketSubscriber) writeEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err != nil {
		return err
	}

	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop only exists to notice the client going away.
func (s *WebsocketSubscriber) readLoop() {
	defer s.close()

	s.conn.SetReadLimit(maxClientFrame)

	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger.Debug("[Websocket] Read ended",
					zap.String("subscriber_id", s.id),
					zap.String("error", err.Error()),
				)
			}

			return
		}
	}
}

func (s *WebsocketSubscriber) writeClose(code int) {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(s.writeTimeout),
	)
}

func (s *WebsocketSubscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

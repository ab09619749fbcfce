package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/telerelay/log2"
	"github.com/temoto/telerelay/tele"
)

const maxInbound = 4096

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSubscriberSlow   = errors.New("subscriber send buffer full")
)

// wsSubscriber is one WebSocket connection.
// Only writePump writes to conn, everyone else goes through send.
type wsSubscriber struct {
	closed int32 // atomic

	id           string
	conn         *websocket.Conn
	log          *log2.Log
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastActive   atomic_clock.Clock
	writeTimeout time.Duration
	ping         time.Duration
	pong         time.Duration
	onPong       func()
}

func newWsSubscriber(log *log2.Log, conn *websocket.Conn, buffer int, writeTimeout, ping, pong time.Duration) *wsSubscriber {
	id := uuid.NewString()
	s := &wsSubscriber{
		id:           id,
		conn:         conn,
		log:          log.Named("ws " + id[:8]),
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		ping:         ping,
		pong:         pong,
	}
	s.lastActive.SetNow()
	return s
}

func (s *wsSubscriber) ID() string   { return s.id }
func (s *wsSubscriber) Closed() bool { return atomic.LoadInt32(&s.closed) != 0 }

// Send never blocks. Full buffer closes slow subscriber.
func (s *wsSubscriber) Send(b []byte) error {
	if s.Closed() {
		return ErrSubscriberClosed
	}
	select {
	case s.send <- b:
		return nil
	default:
		s.log.Errorf("send buffer full, closing")
		s.Close()
		return ErrSubscriberSlow
	}
}

func (s *wsSubscriber) Close() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		close(s.done)
	})
}

func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(s.ping)
	defer func() {
		ticker.Stop()
		s.Close()
		_ = s.conn.Close()
	}()

	for {
		select {
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debugf("write err=%v", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debugf("ping err=%v", err)
				return
			}

		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
			return
		}
	}
}

// readPump returns when connection is closed or pong deadline expired.
func (s *wsSubscriber) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxInbound)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pong))
	s.conn.SetPongHandler(func(string) error {
		s.lastActive.SetNow()
		return s.conn.SetReadDeadline(time.Now().Add(s.pong))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Errorf("read err=%v", err)
			} else {
				s.log.Debugf("read err=%v idle=%v", err, atomic_clock.Since(&s.lastActive))
			}
			return
		}
		s.lastActive.SetNow()
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pong))
		s.handleInbound(data)
	}
}

func (s *wsSubscriber) handleInbound(data []byte) {
	var in tele.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.log.Debugf("inbound ignored err=%v", err)
		return
	}
	switch in.Type {
	case "ping":
		b, err := tele.Encode(tele.Pong{Timestamp: in.Timestamp})
		if err != nil {
			s.log.Error(errors.Annotate(err, "encode pong"))
			return
		}
		if err = s.Send(b); err != nil {
			s.log.Debugf("pong err=%v", err)
			return
		}
		if s.onPong != nil {
			s.onPong()
		}
	default:
		s.log.Debugf("inbound ignored type=%q", in.Type)
	}
}

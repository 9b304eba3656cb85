package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agenthost/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	// sendQueueDepth bounds the per-client outbound buffer. A client
	// that falls this far behind is dropped by the bus.
	sendQueueDepth = 64
)

type frame struct {
	ping bool
	ev   protocol.Event
}

// wsSink adapts one WebSocket connection to the bus Sink contract. All
// writes go through a single pump goroutine; gorilla connections allow
// only one concurrent writer.
type wsSink struct {
	conn *websocket.Conn
	out  chan frame
	done chan struct{}
	once sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	s := &wsSink{
		conn: conn,
		out:  make(chan frame, sendQueueDepth),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSink) Send(ev protocol.Event) error {
	select {
	case s.out <- frame{ev: ev}:
		return nil
	case <-s.done:
		return fmt.Errorf("sink closed")
	default:
		return fmt.Errorf("subscriber too slow, %d events queued", sendQueueDepth)
	}
}

func (s *wsSink) Ping() error {
	select {
	case s.out <- frame{ping: true}:
		return nil
	case <-s.done:
		return fmt.Errorf("sink closed")
	default:
		return fmt.Errorf("subscriber too slow")
	}
}

func (s *wsSink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *wsSink) writePump() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if f.ping {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			} else {
				err = s.conn.WriteJSON(f.ev)
			}
			if err != nil {
				s.Close()
				return
			}
		}
	}
}

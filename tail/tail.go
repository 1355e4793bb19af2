// Package tail broadcasts request dumps to websocket subscribers.
package tail

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/raphadam/littleserver/proto"
	"github.com/rs/zerolog/log"
)

// QueueSize is the number of dumps buffered per subscriber before new ones
// are dropped for it.
const QueueSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Hub struct {
	subs    map[proto.ID]*subscriber
	subsMux sync.RWMutex
}

type subscriber struct {
	id   proto.ID
	conn *proto.Conn
	send chan *proto.RequestDump
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[proto.ID]*subscriber),
	}
}

// Register mounts the subscription endpoint on e.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/", h.HandleSubscribe)
}

func (h *Hub) HandleSubscribe(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the client
		log.Debug().Err(err).Msg("unable to upgrade conn")
		return nil
	}

	h.serve(proto.WrapConn(ws))
	return nil
}

func (h *Hub) serve(conn *proto.Conn) {
	sub := &subscriber{
		id:   proto.NewID(),
		conn: conn,
		send: make(chan *proto.RequestDump, QueueSize),
		done: make(chan struct{}),
	}

	h.subsMux.Lock()
	h.subs[sub.id] = sub
	h.subsMux.Unlock()

	log.Info().Str("subscriber", string(sub.id)).Msg("tail subscriber joined")

	go func() {
		err := conn.Discard()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Debug().Err(err).Str("subscriber", string(sub.id)).Msg("tail read failed")
		}
		h.remove(sub)
	}()

	for {
		select {
		case d := <-sub.send:
			err := conn.WriteDump(d)
			if err != nil {
				log.Debug().Err(err).Str("subscriber", string(sub.id)).Msg("tail write failed")
				h.remove(sub)
				conn.Close()
				return
			}

		case <-sub.done:
			conn.Close()
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.subsMux.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.subsMux.Unlock()

	if ok {
		close(sub.done)
		log.Info().Str("subscriber", string(sub.id)).Msg("tail subscriber left")
	}
}

// Publish queues d for every subscriber without blocking.
func (h *Hub) Publish(d *proto.RequestDump) {
	h.subsMux.RLock()
	defer h.subsMux.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.send <- d:
		default:
			log.Debug().Str("subscriber", string(sub.id)).Msg("tail queue full, dump dropped")
		}
	}
}

// Len reports the number of connected subscribers.
func (h *Hub) Len() int {
	h.subsMux.RLock()
	defer h.subsMux.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.subsMux.Lock()
	subs := h.subs
	h.subs = make(map[proto.ID]*subscriber)
	h.subsMux.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}

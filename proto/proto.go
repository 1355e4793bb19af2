package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Ack is the answer of the test route.
type Ack struct {
	Status string `json:"status"`
}

var AckOK = Ack{Status: "ok"}

// Reading is one SDS011 measurement in µg/m³, as posted to the listener.
type Reading struct {
	PM10 float64 `json:"PM10"`
	PM25 float64 `json:"PM2_5"`
}

// RequestDump describes one request seen by the listener.
type RequestDump struct {
	Time    time.Time         `json:"time"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// Conn carries JSON encoded dumps over a websocket.
type Conn struct {
	ws *websocket.Conn
}

func WrapConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) WriteDump(d *RequestDump) error {
	err := c.ws.WriteJSON(d)
	if err != nil {
		return fmt.Errorf("unable to write dump %w", err)
	}

	return nil
}

func (c *Conn) ReadDump() (*RequestDump, error) {
	t, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	if t != websocket.TextMessage {
		return nil, errors.New("must be a text message")
	}

	var d RequestDump

	err = json.Unmarshal(data, &d)
	if err != nil {
		return nil, fmt.Errorf("error parsing dump %w", err)
	}

	return &d, nil
}

// Discard reads and drops whatever the peer sends until the connection fails.
func (c *Conn) Discard() error {
	for {
		_, _, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
	}
}

// Close sends a normal close frame then closes the socket. It is safe to call
// while another goroutine is writing.
func (c *Conn) Close() error {
	deadline := time.Now().Add(time.Second)

	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.ws.Close()
		return err
	}

	return c.ws.Close()
}

package session

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla/websocket connection to the io.ReadWriteCloser
// shape handleConnection expects, so WEB-role clients run through the
// exact same handshake/routing state machine as a raw TCP session —
// only the transport differs (spec glossary: WEB is one of the six
// roles, with no protocol difference from the others).
type wsConn struct {
	ws      *websocket.Conn
	pending []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.pending = append(data, '\n')
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

// ServeWebSocket upgrades an HTTP request to a websocket and runs it
// through the normal per-session frame loop as a WEB-role candidate.
func (m *Manager) ServeWebSocket(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	go m.handleConnection(&wsConn{ws: ws})
	return nil
}

/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package transport carries replication.CommittedEnvelope lines and
// snapshot bytes between processes. replication itself never imports
// this package; it is a convenience for callers who need a concrete
// carrier rather than being handed channels/bytes directly.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is one message exchanged over a WebSocketTransport connection.
type Frame struct {
	Kind     string `json:"kind"` // "envelope", "snapshot", "ack", "gap"
	LogIndex uint64 `json:"log_index,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketTransport wraps one gorilla/websocket connection as a
// bidirectional stream of Frames, built the way memcp's scm/network.go
// wraps an upgraded connection in a read-loop plus a mutex-guarded
// writer.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	onFrame func(Frame)
	onClose func(error)
	started sync.Once
}

// Accept upgrades an incoming HTTP request to a WebSocketTransport.
func Accept(w http.ResponseWriter, r *http.Request) (*WebSocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return &WebSocketTransport{conn: conn}, nil
}

// Dial opens a WebSocketTransport to a leader/follower peer at url.
func Dial(url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &WebSocketTransport{conn: conn}, nil
}

// Listen starts the read loop, invoking onFrame for every decoded frame
// and onClose once the connection ends (err is nil on a clean close).
// Listen returns immediately; the read loop runs on its own goroutine,
// mirroring memcp's websocket handler's background ReadMessage loop.
func (t *WebSocketTransport) Listen(onFrame func(Frame), onClose func(error)) {
	t.onFrame = onFrame
	t.onClose = onClose
	t.started.Do(func() {
		go t.readLoop()
	})
}

func (t *WebSocketTransport) readLoop() {
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			if t.onClose != nil {
				if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseAbnormalClosure {
					t.onClose(nil)
				} else {
					t.onClose(err)
				}
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue // malformed frame; drop and keep the connection alive
		}
		if t.onFrame != nil {
			t.onFrame(f)
		}
	}
}

// Send writes one frame as a text message. Safe for concurrent callers.
func (t *WebSocketTransport) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

// Close closes the underlying connection.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}

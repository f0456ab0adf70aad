package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/menta2k/image-inpainter/internal/logging"
	"github.com/menta2k/image-inpainter/pkg/session"
	"github.com/menta2k/image-inpainter/pkg/types"
)

// Message is a drawing command sent by the client
type Message struct {
	// Type is one of down, move, up, cancel, tool, brush or clear
	Type  string  `json:"type"`
	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
	Mode  string  `json:"mode,omitempty"`
	Width float64 `json:"width,omitempty"`
}

// Event is the server's reply to a command. Moves are not acknowledged.
type Event struct {
	Type  string  `json:"type"`
	Count int     `json:"count,omitempty"`
	Mode  string  `json:"mode,omitempty"`
	Width float64 `json:"width,omitempty"`
	Error string  `json:"error,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, sess *session.Controller) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger().Warn("server: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := r.PathValue("id")
	logging.Logger().Debug("server: websocket connected", "session", id)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !isWebsocketClose(err) {
				logging.Logger().Debug("server: websocket closed", "session", id, "error", err)
			}
			// a gesture cut off by a disconnect never completes
			sess.Surface().Cancel()
			return
		}

		var msg Message
		var ev *Event
		if err := json.Unmarshal(data, &msg); err != nil {
			ev = &Event{Type: "error", Error: fmt.Sprintf("invalid message: %v", err)}
		} else {
			ev = apply(sess, msg)
		}
		if ev == nil {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			logging.Logger().Debug("server: websocket write failed", "session", id, "error", err)
			return
		}
	}
}

// apply runs one command against the session
func apply(sess *session.Controller, msg Message) *Event {
	p := types.Point{X: msg.X, Y: msg.Y}
	var err error

	switch msg.Type {
	case "down":
		err = sess.Surface().PointerDown(p)
	case "move":
		err = sess.Surface().PointerMove(p)
	case "up":
		if err = sess.Surface().PointerUp(p); err == nil {
			return &Event{Type: "stroke", Count: sess.Strokes().Len()}
		}
	case "cancel":
		sess.Surface().Cancel()
		return &Event{Type: "cancelled", Count: sess.Strokes().Len()}
	case "tool":
		var mode types.Mode
		if mode, err = types.ParseMode(msg.Mode); err == nil {
			sess.SetTool(mode)
			return &Event{Type: "tool", Mode: mode.String()}
		}
	case "brush":
		return &Event{Type: "brush", Width: sess.SetBrushWidth(msg.Width)}
	case "clear":
		if err = sess.ClearMask(); err == nil {
			return &Event{Type: "cleared"}
		}
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		return &Event{Type: "error", Error: err.Error()}
	}
	return nil
}

func isWebsocketClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

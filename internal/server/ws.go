package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/markerpose/internal/app"
	"github.com/ayusman/markerpose/internal/compose"
	"github.com/ayusman/markerpose/internal/convert"
	"github.com/ayusman/markerpose/internal/monitoring"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// TransformsHandler pushes every composed frame to WebSocket clients.
type TransformsHandler struct {
	app *app.App
}

// NewTransformsHandler creates a handler fed by the tracking loop.
func NewTransformsHandler(a *app.App) *TransformsHandler {
	return &TransformsHandler{app: a}
}

// LayoutInfo tells the renderer how to read Elements.
type LayoutInfo struct {
	Target     string `json:"target"`
	Storage    string `json:"storage"`
	Vectors    string `json:"vectors"`
	Handedness string `json:"handedness"`
}

// MarkerMessage is one visible marker's composed transform.
type MarkerMessage struct {
	ID       int         `json:"id"`
	Elements [16]float64 `json:"elements"`
}

// TransformMessage is the JSON sent per frame. Elements are in the target's
// storage order and can be uploaded as-is.
type TransformMessage struct {
	Seq        uint64             `json:"seq"`
	State      compose.State      `json:"state"`
	MarkerID   int                `json:"marker_id"`
	Held       bool               `json:"held"`
	Transition compose.Transition `json:"transition,omitempty"`
	Rejected   int                `json:"rejected"`
	Layout     LayoutInfo         `json:"layout"`
	Elements   [16]float64        `json:"elements"`
	Markers    []MarkerMessage    `json:"markers,omitempty"`
	Timestamp  int64              `json:"timestamp"`
}

func newLayoutInfo(target string, t convert.Transform) LayoutInfo {
	return LayoutInfo{
		Target:     target,
		Storage:    t.Layout().Storage.String(),
		Vectors:    t.Layout().Vectors.String(),
		Handedness: t.Handedness().String(),
	}
}

// NewTransformMessage converts a published update into its wire form.
func NewTransformMessage(target string, u app.Update) TransformMessage {
	f := u.Frame
	msg := TransformMessage{
		Seq:        f.Seq,
		State:      f.State,
		MarkerID:   f.MarkerID,
		Held:       f.Held,
		Transition: f.Transition,
		Rejected:   f.Rejected,
		Layout:     newLayoutInfo(target, f.Transform),
		Elements:   f.Transform.Elements(),
		Timestamp:  u.At.UnixMilli(),
	}
	for _, m := range f.Markers {
		msg.Markers = append(msg.Markers, MarkerMessage{ID: m.ID, Elements: m.Transform.Elements()})
	}
	return msg
}

// ServeHTTP upgrades the connection and streams frames until either side
// closes it. Clients that cannot keep up miss frames.
func (h *TransformsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.app.Subscribe()
	defer cancel()

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	target := h.app.Target().Name
	if u, ok := h.app.Last(); ok {
		if err := writeTransform(conn, target, u); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeTransform(conn, target, u); err != nil {
				return
			}
		}
	}
}

func writeTransform(conn *websocket.Conn, target string, u app.Update) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(NewTransformMessage(target, u))
}
